//go:build unix

package workspace

import "syscall"

// pidAlive probes process liveness with signal 0, which delivers no signal
// but still fails with ESRCH if the process does not exist.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
