package repair

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
	"github.com/a-h/revctl/progress"
	"github.com/a-h/revctl/repo"
	"github.com/a-h/revctl/workspace"
)

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

type fakeClient struct {
	metas    map[string]model.Metadata
	binaries map[string][]byte
}

func (f *fakeClient) LoadCurrent(ctx context.Context) (model.Current, error) { return model.Current{}, nil }
func (f *fakeClient) LoadVersions(ctx context.Context) ([]model.Version, error) { return nil, nil }
func (f *fakeClient) LoadPackages(ctx context.Context) ([]model.PackageRef, error) { return nil, nil }

func (f *fakeClient) LoadMetadata(ctx context.Context, name string) (model.Metadata, error) {
	return f.metas[name], nil
}

func (f *fakeClient) OpenPackageStream(ctx context.Context, name string, rng repo.ByteRange) (io.ReadCloser, bool, error) {
	data := f.binaries[name]
	end := rng.Start + rng.Length
	if rng.Length == 0 {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[rng.Start:end])), false, nil
}

func TestRepairFixesFailedOp(t *testing.T) {
	content := []byte("the correct bytes")
	standalone := model.PackageRef{From: "", To: "v1", Name: "full-v1", Size: int64(len(content))}
	meta := model.Metadata{SchemaVersion: model.SchemaVersion, From: "", To: "v1", Size: standalone.Size, Operations: []model.Operation{
		{Kind: model.KindAdd, Path: "broken.txt", Data: model.DataSlice{Size: int64(len(content))}, DataSHA1: sha1Hex(content), DataCompression: model.CompressionNone, FinalSize: int64(len(content)), FinalSHA1: sha1Hex(content)},
	}}
	client := &fakeClient{
		metas:    map[string]model.Metadata{standalone.Name: meta},
		binaries: map[string][]byte{standalone.Name: content},
	}
	idx := repo.Index{Packages: []model.PackageRef{standalone}}

	dir := t.TempDir()
	ws, err := workspace.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws.SaveState(workspace.State{
		SchemaVersion: workspace.SchemaVersion,
		InProgress:    &workspace.InProgress{Goal: "v1"},
		FailedOps: []workspace.FailedOp{
			{Path: "broken.txt", Stage: "final", Expected: sha1Hex(content), Actual: "garbage"},
		},
	}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	d := &Driver{Repo: client, Codecs: codec.NewRegistry(), Progress: progress.New(nil, nil)}
	result, err := d.Run(context.Background(), ws, idx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Unrecoverable) != 0 {
		t.Fatalf("unexpected unrecoverable paths: %v", result.Unrecoverable)
	}
	if len(result.Repaired) != 1 || result.Repaired[0] != "broken.txt" {
		t.Fatalf("Repaired = %v, want [broken.txt]", result.Repaired)
	}

	got, err := os.ReadFile(filepath.Join(dir, "broken.txt"))
	if err != nil {
		t.Fatalf("reading repaired file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("repaired content = %q, want %q", got, content)
	}

	state, err := ws.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(state.FailedOps) != 0 {
		t.Fatalf("FailedOps = %+v, want empty after full repair", state.FailedOps)
	}
	if state.CurrentRevision != "v1" {
		t.Fatalf("CurrentRevision = %q, want v1 after repair clears failed_ops", state.CurrentRevision)
	}
	if state.InProgress != nil {
		t.Fatalf("expected InProgress to be erased after repair succeeds")
	}
}

func TestRepairMarksUnrecoverableWhenNoCandidate(t *testing.T) {
	client := &fakeClient{metas: map[string]model.Metadata{}, binaries: map[string][]byte{}}
	idx := repo.Index{Packages: nil}

	dir := t.TempDir()
	ws, err := workspace.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws.SaveState(workspace.State{
		SchemaVersion: workspace.SchemaVersion,
		InProgress:    &workspace.InProgress{Goal: "v1"},
		FailedOps: []workspace.FailedOp{
			{Path: "missing.txt", Stage: "final"},
		},
	}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	d := &Driver{Repo: client, Codecs: codec.NewRegistry(), Progress: progress.New(nil, nil)}
	result, err := d.Run(context.Background(), ws, idx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Unrecoverable) != 1 || result.Unrecoverable[0] != "missing.txt" {
		t.Fatalf("Unrecoverable = %v, want [missing.txt]", result.Unrecoverable)
	}

	state, err := ws.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(state.FailedOps) != 1 || !state.FailedOps[0].Unrecoverable {
		t.Fatalf("FailedOps = %+v, want one entry marked unrecoverable", state.FailedOps)
	}
	if state.CurrentRevision == "v1" {
		t.Fatalf("CurrentRevision should not advance while an unrecoverable path remains")
	}
	if state.InProgress == nil {
		t.Fatalf("expected InProgress to remain while a path is unrecoverable")
	}
}
