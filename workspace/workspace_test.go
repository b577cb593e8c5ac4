package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/a-h/revctl/model"
)

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := ws.LoadState()
	if err != nil {
		t.Fatalf("LoadState (fresh): %v", err)
	}
	if got.CurrentRevision != "" || got.InProgress != nil {
		t.Fatalf("fresh workspace should have no revision or in-progress update, got %+v", got)
	}

	want := State{
		SchemaVersion:   SchemaVersion,
		CurrentRevision: "v1",
		InProgress: &InProgress{
			Goal:            "v3",
			PlannedPackages: []model.PackageRef{{From: "v1", To: "v2", Name: "p1", Size: 10}},
			PackageCursor:   0,
			OpCursor:        2,
		},
	}
	if err := ws.SaveState(want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	got, err = ws.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestCommitMovesStagingToFinal(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	rel := "nested/file.txt"
	staging := ws.StagingPath(rel)
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(staging, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ws.Commit(staging, ws.FinalPath(rel)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Errorf("staging file should be gone after commit, stat err = %v", err)
	}
	b, err := os.ReadFile(ws.FinalPath(rel))
	if err != nil {
		t.Fatalf("reading final path: %v", err)
	}
	if string(b) != "hello" {
		t.Errorf("final contents = %q, want %q", b, "hello")
	}
}

func TestRmdirNonEmptyIsNoop(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws.Mkdir("d"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ws.FinalPath("d/f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err := ws.Rmdir("d")
	if err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if ok {
		t.Errorf("Rmdir on non-empty dir should report ok=false")
	}
	if _, err := os.Stat(ws.FinalPath("d")); err != nil {
		t.Errorf("non-empty directory should still exist: %v", err)
	}
}

func TestRmdirMissingIsOK(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ok, err := ws.Rmdir("does-not-exist")
	if err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	if !ok {
		t.Errorf("Rmdir of absent dir should be ok")
	}
}

func TestLockRejectsSecondHolderWhileAlive(t *testing.T) {
	dir := t.TempDir()
	ws1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws1.Lock(); err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	defer ws1.Unlock()

	ws2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	err = ws2.Lock()
	if err == nil {
		t.Fatalf("second Lock should fail while the first is held")
	}
}

func TestLockReclaimsStaleHolder(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, stateDirName, lockFileName), []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ws.Lock(); err != nil {
		t.Fatalf("Lock should reclaim a lockfile held by a dead pid: %v", err)
	}
	_ = ws.Unlock()
}
