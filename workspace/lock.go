package workspace

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/a-h/revctl/errs"
)

const lockFileName = "lock"

// Lock acquires the workspace's OS-level lockfile, enforcing at most one
// active update run per workspace. If a lockfile already exists and its PID
// is still alive, Lock returns *errs.Locked. A stale lockfile (PID no
// longer running) is reclaimed automatically.
func (w *Workspace) Lock() error {
	lockPath := w.statePath(lockFileName)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, writeErr := fmt.Fprintf(f, "%d", os.Getpid())
			closeErr := f.Close()
			if writeErr != nil {
				return writeErr
			}
			if closeErr != nil {
				return closeErr
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("workspace: creating lockfile: %w", err)
		}

		heldBy, readErr := readLockPID(lockPath)
		if readErr != nil || heldBy <= 0 {
			return &errs.Locked{Workspace: w.root, HeldByPID: heldBy}
		}
		if pidAlive(heldBy) {
			return &errs.Locked{Workspace: w.root, HeldByPID: heldBy}
		}
		// Stale lock: the holder is gone. Reclaim by removing and retrying.
		if rmErr := os.Remove(lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("workspace: removing stale lockfile: %w", rmErr)
		}
	}
}

// Unlock releases the workspace lockfile. It is safe to call even if the
// lockfile is already gone.
func (w *Workspace) Unlock() error {
	err := os.Remove(w.statePath(lockFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: removing lockfile: %w", err)
	}
	return nil
}

func readLockPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}
