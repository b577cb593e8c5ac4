// Package workspace implements the on-disk state of a managed install: the
// materialized user files, a hidden state file recording any in-progress
// update, staging files for not-yet-committed writes, and a PID-liveness
// lockfile that keeps at most one update run active per workspace. The
// staging-then-rename idiom exposes the staging path and commit as two
// separate steps so the applier can verify before renaming.
package workspace

import (
	"github.com/a-h/revctl/model"
)

// SchemaVersion is the only state.json schema version this client writes or
// understands.
const SchemaVersion = "1"

// FailedOp records one path whose operation failed verification during an
// update run (or whose content the integrity scan found wrong), for the
// repair driver to address afterwards.
type FailedOp struct {
	PackageIndex  int    `json:"packageIndex"`
	OpIndex       int    `json:"opIndex"`
	Path          string `json:"path"`
	Stage         string `json:"stage"`
	Expected      string `json:"expected"`
	Actual        string `json:"actual"`
	Unrecoverable bool   `json:"unrecoverable,omitempty"`
}

// InProgress describes an update run that has not yet committed, so the
// driver can resume it on restart.
type InProgress struct {
	Goal            string             `json:"goal"`
	PlannedPackages []model.PackageRef `json:"plannedPackages"`
	PackageCursor   int                `json:"packageCursor"`
	OpCursor        int                `json:"opCursor"`
	ByteCursor      int64              `json:"byteCursor"`
}

// State is the full contents of state.json. FailedOps survives past the
// end of an update run (unlike InProgress, which is cleared once the plan
// commits) so the repair driver has something to act on afterwards.
type State struct {
	SchemaVersion   string      `json:"version"`
	CurrentRevision string      `json:"currentRevision"`
	InProgress      *InProgress `json:"inProgress,omitempty"`
	FailedOps       []FailedOp  `json:"failedOps,omitempty"`
}

// newState returns the state of a brand new, empty workspace: no current
// revision (the empty-source node ∅) and no in-progress update.
func newState() State {
	return State{SchemaVersion: SchemaVersion}
}
