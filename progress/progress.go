// Package progress implements the update pipeline's progress aggregator:
// monotonic counters shared between the downloader and applier tasks under
// a short-held lock, exponentially weighted moving average rate estimates,
// and a throttled callback dispatch (at most every 100ms, plus every
// terminal event) whose boolean return value is a cooperative-cancellation
// continuation flag.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Range is a monotonically non-decreasing (start, end) counter pair, e.g.
// "downloaded 40 of 100 packages".
type Range struct {
	Start int64
	End   int64
}

// Snapshot is the struct delivered to the progress callback.
type Snapshot struct {
	Packages           Range
	DownloadedFiles    Range
	AppliedFiles       Range
	DownloadedBytes    Range
	AppliedInputBytes  Range
	AppliedOutputBytes Range
	FailedFiles        int64

	DownloadRateBytesPerSec float64
	ApplyRateBytesPerSec    float64

	Terminal bool
}

// HumanDownloadRate renders the download rate as humanized bytes per
// second, e.g. "1.5 MB/s" or "82 MB/s".
func (s Snapshot) HumanDownloadRate() string {
	return humanize.Bytes(uint64(s.DownloadRateBytesPerSec)) + "/s"
}

// HumanDownloadedBytes renders bytes downloaded so far / total.
func (s Snapshot) HumanDownloadedBytes() string {
	return humanize.Bytes(uint64(s.DownloadedBytes.Start)) + " / " + humanize.Bytes(uint64(s.DownloadedBytes.End))
}

// Callback receives a Snapshot and an opaque caller-supplied token; its
// boolean return is a continuation flag (false cancels the run). It is
// never invoked concurrently.
type Callback func(Snapshot, any) bool

const minCallbackInterval = 100 * time.Millisecond

// ewmaWindow is the window rate fields are smoothed over.
const ewmaWindow = 1 * time.Second

// Aggregator tracks every counter a run reports and dispatches Callback at
// a throttled cadence.
type Aggregator struct {
	mu sync.Mutex

	packages           Range
	downloadedFiles    Range
	appliedFiles       Range
	downloadedBytes    Range
	appliedInputBytes  Range
	appliedOutputBytes Range
	failedFiles        int64

	downloadRate *ewma
	applyRate    *ewma

	callback     Callback
	token        any
	lastDispatch time.Time
	now          func() time.Time

	cancelled bool
	onCancel  func()
}

// SetCancelFunc registers f to be invoked, at most once, the first time the
// callback returns false. The update driver uses this to tie the progress
// callback's continuation flag to its own cancellation context, so a caller
// cancelling from the callback has the same effect as an external
// context cancellation.
func (a *Aggregator) SetCancelFunc(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCancel = f
}

// New returns an Aggregator that dispatches to cb with the given opaque
// token. cb may be nil, in which case progress is tracked but never
// reported.
func New(cb Callback, token any) *Aggregator {
	return &Aggregator{
		callback:     cb,
		token:        token,
		downloadRate: newEWMA(ewmaWindow),
		applyRate:    newEWMA(ewmaWindow),
		now:          time.Now,
	}
}

// SetPackageTotal records the total number of packages a plan will apply.
func (a *Aggregator) SetPackageTotal(total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.packages.End = int64(total)
}

// PackageStarted advances the packages-started counter.
func (a *Aggregator) PackageStarted() {
	a.mu.Lock()
	a.packages.Start++
	a.mu.Unlock()
	a.dispatch(false)
}

// Downloaded records n bytes pulled from the network for the current
// package.
func (a *Aggregator) Downloaded(n int64) {
	a.mu.Lock()
	a.downloadedBytes.Start += n
	a.downloadRate.add(a.now(), n)
	a.mu.Unlock()
	a.dispatch(false)
}

// FileDownloaded marks one file's data fully received from the network.
func (a *Aggregator) FileDownloaded() {
	a.mu.Lock()
	a.downloadedFiles.Start++
	a.mu.Unlock()
	a.dispatch(false)
}

// Applied records outputBytes written to disk by the applier (post-
// decompress/patch), for the applied_output_bytes counter, and inputBytes
// consumed from the compressed input for applied_input_bytes.
func (a *Aggregator) Applied(inputBytes, outputBytes int64) {
	a.mu.Lock()
	a.appliedInputBytes.Start += inputBytes
	a.appliedOutputBytes.Start += outputBytes
	a.applyRate.add(a.now(), outputBytes)
	a.mu.Unlock()
	a.dispatch(false)
}

// FileApplied marks one file's commit protocol as finished successfully.
func (a *Aggregator) FileApplied() {
	a.mu.Lock()
	a.appliedFiles.Start++
	a.mu.Unlock()
	a.dispatch(false)
}

// FileFailed records one file that failed a stage of the commit protocol;
// it is recorded in failed_ops and handed to the repair driver rather than aborting
// the run.
func (a *Aggregator) FileFailed() {
	a.mu.Lock()
	a.failedFiles++
	a.mu.Unlock()
	a.dispatch(false)
}

// SetTotals records the totals this run expects to move, so ranges report
// "N of M" rather than only "N so far".
func (a *Aggregator) SetTotals(files int64, downloadBytes, applyBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.downloadedFiles.End = files
	a.appliedFiles.End = files
	a.downloadedBytes.End = downloadBytes
	a.appliedInputBytes.End = downloadBytes
	a.appliedOutputBytes.End = applyBytes
}

// Cancelled reports whether a prior callback invocation returned false.
func (a *Aggregator) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Finish dispatches one final, unthrottled callback with Terminal set.
func (a *Aggregator) Finish() {
	a.dispatch(true)
}

func (a *Aggregator) dispatch(terminal bool) {
	a.mu.Lock()
	now := a.now()
	due := terminal || now.Sub(a.lastDispatch) >= minCallbackInterval
	if !due || a.callback == nil {
		a.mu.Unlock()
		return
	}
	snap := Snapshot{
		Packages:                a.packages,
		DownloadedFiles:         a.downloadedFiles,
		AppliedFiles:            a.appliedFiles,
		DownloadedBytes:         a.downloadedBytes,
		AppliedInputBytes:       a.appliedInputBytes,
		AppliedOutputBytes:      a.appliedOutputBytes,
		FailedFiles:             a.failedFiles,
		DownloadRateBytesPerSec: a.downloadRate.rate(now),
		ApplyRateBytesPerSec:    a.applyRate.rate(now),
		Terminal:                terminal,
	}
	a.lastDispatch = now
	cb, token := a.callback, a.token
	a.mu.Unlock()

	if !cb(snap, token) {
		a.mu.Lock()
		alreadyCancelled := a.cancelled
		a.cancelled = true
		onCancel := a.onCancel
		a.mu.Unlock()

		if !alreadyCancelled && onCancel != nil {
			onCancel()
		}
	}
}

// ewma is an exponentially weighted moving average of a byte rate over a
// fixed window, decayed continuously rather than bucketed, so rate() can
// be queried at any time without a background ticker.
type ewma struct {
	window time.Duration
	last   time.Time
	rateV  float64
	init   bool
}

func newEWMA(window time.Duration) *ewma {
	return &ewma{window: window}
}

func (e *ewma) add(now time.Time, n int64) {
	if !e.init {
		e.last = now
		e.rateV = float64(n) / e.window.Seconds()
		e.init = true
		return
	}
	dt := now.Sub(e.last).Seconds()
	if dt <= 0 {
		dt = 1e-3
	}
	instant := float64(n) / dt
	alpha := 1 - decayFactor(dt, e.window.Seconds())
	e.rateV = alpha*instant + (1-alpha)*e.rateV
	e.last = now
}

func (e *ewma) rate(now time.Time) float64 {
	if !e.init {
		return 0
	}
	// Decay toward zero if nothing has been added recently, so an idle
	// aggregator doesn't report a stale rate forever.
	idle := now.Sub(e.last).Seconds()
	if idle <= 0 {
		return e.rateV
	}
	decay := decayFactor(idle, e.window.Seconds())
	return e.rateV * decay
}

func decayFactor(elapsedSeconds, windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	return math.Exp(-elapsedSeconds / windowSeconds)
}
