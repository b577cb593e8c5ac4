package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/a-h/revctl/errs"
)

// stateDirName is the hidden metadata directory holding state.json, staging
// files and the lockfile.
const stateDirName = ".revctl"

// Workspace owns the state file and staging directory for one workspace
// root during a run.
type Workspace struct {
	root string
}

// Open prepares a workspace rooted at dir, creating the hidden state
// directory if this is a fresh install target.
func Open(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stateDirName), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating state directory: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the workspace's absolute root directory.
func (w *Workspace) Root() string { return w.root }

// FinalPath returns the absolute on-disk path for a workspace-relative
// operation path.
func (w *Workspace) FinalPath(relPath string) string {
	return filepath.Join(w.root, filepath.FromSlash(relPath))
}

// StagingPath returns the sibling `.part` path used to hold not-yet-
// committed bytes for relPath.
func (w *Workspace) StagingPath(relPath string) string {
	return w.FinalPath(relPath) + ".part"
}

func (w *Workspace) statePath(name string) string {
	return filepath.Join(w.root, stateDirName, name)
}

// LoadState reads state.json, returning a fresh empty State if the
// workspace has never been updated before.
func (w *Workspace) LoadState() (State, error) {
	b, err := os.ReadFile(w.statePath("state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return newState(), nil
		}
		return State{}, fmt.Errorf("workspace: reading state.json: %w", err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("workspace: parsing state.json: %w", err)
	}
	return s, nil
}

// SaveState writes state.json atomically: write to a temp file in the same
// directory, fsync it, then rename over the existing file. Callers save
// state after each operation commits.
func (w *Workspace) SaveState(s State) error {
	s.SchemaVersion = SchemaVersion
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encoding state.json: %w", err)
	}

	final := w.statePath("state.json")
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: opening state.json.tmp: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("workspace: writing state.json.tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("workspace: syncing state.json.tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("workspace: closing state.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("workspace: renaming state.json.tmp: %w", err)
	}
	return syncDir(filepath.Dir(final))
}

// Commit fsyncs the staging file at stagingPath and renames it over
// finalPath, then fsyncs finalPath's parent directory so the rename itself
// is durable. It is the only way a file may become visible at its final
// path.
func (w *Workspace) Commit(stagingPath, finalPath string) error {
	f, err := os.OpenFile(stagingPath, os.O_WRONLY, 0o644)
	if err != nil {
		return &errs.FilesystemError{Path: stagingPath, Kind: "open-for-sync", Err: err}
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return &errs.FilesystemError{Path: stagingPath, Kind: "fsync", Err: syncErr}
	}
	if closeErr != nil {
		return &errs.FilesystemError{Path: stagingPath, Kind: "close", Err: closeErr}
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return &errs.FilesystemError{Path: finalPath, Kind: "mkdir-parent", Err: err}
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return &errs.FilesystemError{Path: finalPath, Kind: "rename", Err: err}
	}
	if err := syncDir(filepath.Dir(finalPath)); err != nil {
		return &errs.FilesystemError{Path: finalPath, Kind: "fsync-parent", Err: err}
	}
	return nil
}

// Remove deletes a regular file. Absence is acceptable: `rm` is a no-op.
func (w *Workspace) Remove(relPath string) error {
	err := os.Remove(w.FinalPath(relPath))
	if err != nil && !os.IsNotExist(err) {
		return &errs.FilesystemError{Path: relPath, Kind: "remove", Err: err}
	}
	return nil
}

// Mkdir creates a directory, idempotently.
func (w *Workspace) Mkdir(relPath string) error {
	if err := os.MkdirAll(w.FinalPath(relPath), 0o755); err != nil {
		return &errs.FilesystemError{Path: relPath, Kind: "mkdir", Err: err}
	}
	return nil
}

// Rmdir removes a directory only if empty. A non-empty directory is left
// alone and ok is reported false, so the caller can warn and continue
// rather than fail the run.
func (w *Workspace) Rmdir(relPath string) (ok bool, err error) {
	full := w.FinalPath(relPath)
	err = os.Remove(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return true, nil
	}
	if isDirNotEmpty(err) {
		return false, nil
	}
	return false, &errs.FilesystemError{Path: relPath, Kind: "rmdir", Err: err}
}

// ReadFinal opens a final-path file for reading, e.g. to supply the
// `original` bytes for a patch operation or to re-verify invariant 1.
func (w *Workspace) ReadFinal(relPath string) (*os.File, error) {
	f, err := os.Open(w.FinalPath(relPath))
	if err != nil {
		return nil, &errs.FilesystemError{Path: relPath, Kind: "open", Err: err}
	}
	return f, nil
}

// isDirNotEmpty reports whether err is the platform's "directory not
// empty" failure from a Remove call. The exact errno (ENOTEMPTY on Linux,
// a different text on other platforms) isn't exposed portably through a
// single stdlib sentinel, so this falls back to matching the message
// os.Remove surfaces everywhere in practice.
func isDirNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "not empty")
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directory fsync can return ENOTSUP on some filesystems; that is not
	// a correctness problem for this client so it is not escalated.
	if err := d.Sync(); err != nil && !os.IsPermission(err) && !errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	return nil
}
