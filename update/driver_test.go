package update

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/a-h/revctl/codec"
	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/planner"
	"github.com/a-h/revctl/progress"
	"github.com/a-h/revctl/repo"
	"github.com/a-h/revctl/workspace"
)

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// fakeClient is a minimal in-memory repo.Client for driving the Driver
// without a network, skipping HTTP entirely since the Client interface is
// already the seam.
type fakeClient struct {
	packages []model.PackageRef
	metas    map[string]model.Metadata
	binaries map[string][]byte
	noRange  bool // if true, OpenPackageStream ignores rng and reports a fallback.
}

func (f *fakeClient) LoadCurrent(ctx context.Context) (model.Current, error) {
	return model.Current{SchemaVersion: model.SchemaVersion, Revision: ""}, nil
}

func (f *fakeClient) LoadVersions(ctx context.Context) ([]model.Version, error) { return nil, nil }

func (f *fakeClient) LoadPackages(ctx context.Context) ([]model.PackageRef, error) {
	return f.packages, nil
}

func (f *fakeClient) LoadMetadata(ctx context.Context, name string) (model.Metadata, error) {
	return f.metas[name], nil
}

func (f *fakeClient) OpenPackageStream(ctx context.Context, name string, rng repo.ByteRange) (io.ReadCloser, bool, error) {
	data := f.binaries[name]
	if f.noRange || rng.Start == 0 {
		return io.NopCloser(bytes.NewReader(data)), f.noRange && rng.Start != 0, nil
	}
	return io.NopCloser(bytes.NewReader(data[rng.Start:])), false, nil
}

func singleAddPackage(t *testing.T, path string, content []byte) (*fakeClient, *planner.Graph) {
	t.Helper()
	meta := model.Metadata{
		SchemaVersion: model.SchemaVersion,
		From:          "",
		To:            "v1",
		Size:          int64(len(content)),
		Operations: []model.Operation{
			{
				Kind:            model.KindAdd,
				Path:            path,
				Data:            model.DataSlice{Offset: 0, Size: int64(len(content))},
				DataSHA1:        sha1Hex(content),
				DataCompression: model.CompressionNone,
				FinalSize:       int64(len(content)),
				FinalSHA1:       sha1Hex(content),
			},
		},
	}
	pkg := model.PackageRef{From: "", To: "v1", Name: "pkg-v1", Size: int64(len(content))}
	client := &fakeClient{
		packages: []model.PackageRef{pkg},
		metas:    map[string]model.Metadata{pkg.Name: meta},
		binaries: map[string][]byte{pkg.Name: content},
	}
	return client, planner.NewGraph(client.packages)
}

func newDriver(client *fakeClient) *Driver {
	return &Driver{
		Repo:     client,
		Codecs:   codec.NewRegistry(),
		Progress: progress.New(nil, nil),
	}
}

func TestDriverRunCommitsAddOperation(t *testing.T) {
	content := []byte("hello, workspace")
	client, graph := singleAddPackage(t, "greeting.txt", content)

	ws, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := newDriver(client)

	result, err := d.Run(context.Background(), ws, graph, "v1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.FailedOps) != 0 {
		t.Fatalf("unexpected failed ops: %+v", result.FailedOps)
	}

	got, err := os.ReadFile(filepath.Join(ws.Root(), "greeting.txt"))
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("committed content = %q, want %q", got, content)
	}

	state, err := ws.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.CurrentRevision != "v1" {
		t.Fatalf("CurrentRevision = %q, want v1", state.CurrentRevision)
	}
	if state.InProgress != nil {
		t.Fatalf("expected InProgress to be cleared after a completed run")
	}
}

func TestDriverRunRecordsFailedOpOnBadHash(t *testing.T) {
	content := []byte("corrupt me")
	client, graph := singleAddPackage(t, "file.bin", content)
	// Poison the recorded hash so the commit protocol rejects the data.
	meta := client.metas["pkg-v1"]
	meta.Operations[0].DataSHA1 = sha1Hex([]byte("not the same bytes"))
	client.metas["pkg-v1"] = meta

	ws, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := newDriver(client)

	result, err := d.Run(context.Background(), ws, graph, "v1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.FailedOps) != 1 {
		t.Fatalf("FailedOps = %+v, want exactly one entry", result.FailedOps)
	}
	if result.FailedOps[0].Path != "file.bin" {
		t.Fatalf("FailedOps[0].Path = %q, want file.bin", result.FailedOps[0].Path)
	}

	// The run still completes: a per-operation integrity failure is
	// handed to the repair driver rather than aborting the plan.
	// Committing current=goal is the repair driver's job once failed_ops
	// is empty, so it must still read "" here.
	state, err := ws.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.CurrentRevision != "" {
		t.Fatalf("CurrentRevision = %q, want unchanged until repair clears failed_ops", state.CurrentRevision)
	}
	if state.InProgress == nil {
		t.Fatalf("expected InProgress to remain set while failed_ops is non-empty")
	}
	if len(state.FailedOps) != 1 {
		t.Fatalf("persisted FailedOps = %+v, want exactly one entry", state.FailedOps)
	}

	if _, err := os.Stat(filepath.Join(ws.Root(), "file.bin")); !os.IsNotExist(err) {
		t.Fatalf("expected file.bin to not be committed, stat err = %v", err)
	}
}

// cancelledStream simulates a transport that observes context cancellation
// mid-read: every Read returns context.Canceled without any data, the same
// shape boundedChannel.Read/contextReader produce once pump sees ctx.Done().
type cancelledStream struct{}

func (cancelledStream) Read(p []byte) (int, error) { return 0, context.Canceled }
func (cancelledStream) Close() error               { return nil }

func TestDriverRunStopsCleanlyOnCancelledRead(t *testing.T) {
	content := []byte("hello, workspace, this is long enough to need a real read")
	client, graph := singleAddPackage(t, "greeting.txt", content)

	// Swap in a stream whose very first Read reports the operation was
	// cancelled mid-transfer, rather than letting fakeClient hand back the
	// full in-memory buffer.
	cancelClient := &cancellingClient{fakeClient: client}

	ws, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := newDriver(client)
	d.Repo = cancelClient

	result, err := d.Run(context.Background(), ws, graph, "v1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Cancelled {
		t.Fatalf("expected Result.Cancelled, got %+v", result)
	}
	if len(result.FailedOps) != 0 {
		t.Fatalf("a cancelled read must not be recorded as a FailedOp, got %+v", result.FailedOps)
	}

	if _, err := os.Stat(filepath.Join(ws.Root(), "greeting.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected greeting.txt to not be committed, stat err = %v", err)
	}

	state, err := ws.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(state.FailedOps) != 0 {
		t.Fatalf("persisted FailedOps = %+v, want none", state.FailedOps)
	}
	if state.InProgress == nil {
		t.Fatalf("expected InProgress to remain set for later resumption")
	}
	if state.InProgress.OpCursor != 0 {
		t.Fatalf("OpCursor = %d, want 0: the cancelled operation must not be skipped over", state.InProgress.OpCursor)
	}
}

// cancellingClient wraps fakeClient, serving a stream that fails every Read
// with context.Canceled in place of the package's real binary.
type cancellingClient struct {
	*fakeClient
}

func (c *cancellingClient) OpenPackageStream(ctx context.Context, name string, rng repo.ByteRange) (io.ReadCloser, bool, error) {
	return cancelledStream{}, false, nil
}

func TestDriverRunResumesFromPersistedCursor(t *testing.T) {
	contentA := []byte("package one contents")
	contentB := []byte("package two contents")

	pkgA := model.PackageRef{From: "", To: "v1", Name: "a", Size: int64(len(contentA))}
	pkgB := model.PackageRef{From: "v1", To: "v2", Name: "b", Size: int64(len(contentB))}
	metaA := model.Metadata{SchemaVersion: model.SchemaVersion, From: "", To: "v1", Size: pkgA.Size, Operations: []model.Operation{
		{Kind: model.KindAdd, Path: "a.txt", Data: model.DataSlice{Size: int64(len(contentA))}, DataSHA1: sha1Hex(contentA), DataCompression: model.CompressionNone, FinalSize: int64(len(contentA)), FinalSHA1: sha1Hex(contentA)},
	}}
	metaB := model.Metadata{SchemaVersion: model.SchemaVersion, From: "v1", To: "v2", Size: pkgB.Size, Operations: []model.Operation{
		{Kind: model.KindAdd, Path: "b.txt", Data: model.DataSlice{Size: int64(len(contentB))}, DataSHA1: sha1Hex(contentB), DataCompression: model.CompressionNone, FinalSize: int64(len(contentB)), FinalSHA1: sha1Hex(contentB)},
	}}

	client := &fakeClient{
		packages: []model.PackageRef{pkgA, pkgB},
		metas:    map[string]model.Metadata{"a": metaA, "b": metaB},
		binaries: map[string][]byte{"a": contentA, "b": contentB},
	}
	graph := planner.NewGraph(client.packages)

	dir := t.TempDir()
	ws, err := workspace.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Pretend an earlier run already committed package "a" and recorded
	// package "b" as next.
	if err := ws.SaveState(workspace.State{
		SchemaVersion:   workspace.SchemaVersion,
		CurrentRevision: "",
		InProgress: &workspace.InProgress{
			Goal:            "v2",
			PlannedPackages: []model.PackageRef{pkgA, pkgB},
			PackageCursor:   1,
		},
	}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	d := newDriver(client)
	result, err := d.Run(context.Background(), ws, graph, "v2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.FailedOps) != 0 {
		t.Fatalf("unexpected failed ops: %+v", result.FailedOps)
	}

	// "a.txt" was never (re)written by this run since the resumed cursor
	// started at package index 1.
	if _, err := os.Stat(filepath.Join(dir, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected a.txt to be absent (not part of the resumed run), stat err = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	if err != nil {
		t.Fatalf("reading b.txt: %v", err)
	}
	if !bytes.Equal(got, contentB) {
		t.Fatalf("b.txt content = %q, want %q", got, contentB)
	}
}
