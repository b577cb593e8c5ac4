// Package repair implements the recovery pass: for every path an update run
// recorded in failed_ops, it finds the cheapest package in the repository's
// current index whose metadata still offers an `add` for that path against
// the goal revision, fetches only that operation's data_slice via HTTP
// Range, and commits it through the same hash-then-rename protocol the
// update driver uses. The candidate-selection-by-size shape mirrors
// planner.Plan's own cheapest-edge comparator, narrowed here to a single
// destination path instead of a whole version graph.
package repair

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/a-h/revctl/codec"
	"github.com/a-h/revctl/hashsum"
	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/progress"
	"github.com/a-h/revctl/repo"
	"github.com/a-h/revctl/workspace"
)

// Driver runs the repair pass over a workspace's persisted failed_ops.
type Driver struct {
	Log      *slog.Logger
	Repo     repo.Client
	Codecs   *codec.Registry
	Progress *progress.Aggregator
}

// Result reports which paths the repair driver fixed and which it could not.
type Result struct {
	Repaired      []string
	Unrecoverable []string
}

// candidate is a package able to supply path's goal-revision content.
type candidate struct {
	pkg model.PackageRef
	op  model.Operation
}

// Run repairs every path in ws's persisted failed_ops against idx's
// current package list. On full success (no path left failed or
// unrecoverable) it commits current=goal and erases the in-progress block.
func (d *Driver) Run(ctx context.Context, ws *workspace.Workspace, idx repo.Index) (Result, error) {
	state, err := ws.LoadState()
	if err != nil {
		return Result{}, err
	}
	if len(state.FailedOps) == 0 {
		return Result{}, nil
	}

	metas := make(map[string]model.Metadata, len(idx.Packages))
	for _, p := range idx.Packages {
		meta, err := loadMetadata(ctx, d.Repo, p)
		if err != nil {
			return Result{}, err
		}
		metas[p.Name] = meta
	}

	var goal string
	if state.InProgress != nil {
		goal = state.InProgress.Goal
	}

	if d.Progress != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		d.Progress.SetCancelFunc(cancel)
	}

	var result Result
	remaining := make([]workspace.FailedOp, 0, len(state.FailedOps))

	for _, failed := range state.FailedOps {
		if failed.Unrecoverable {
			remaining = append(remaining, failed)
			result.Unrecoverable = append(result.Unrecoverable, failed.Path)
			continue
		}
		if ctx.Err() != nil {
			remaining = append(remaining, failed)
			continue
		}

		cand, ok := bestCandidate(idx.Packages, metas, goal, failed.Path)
		if !ok {
			failed.Unrecoverable = true
			remaining = append(remaining, failed)
			result.Unrecoverable = append(result.Unrecoverable, failed.Path)
			if d.Log != nil {
				d.Log.Error("repair: no candidate package can supply path", slog.String("path", failed.Path))
			}
			continue
		}

		repairErr := d.repairPath(ctx, ws, cand)
		if repairErr != nil {
			// One retry against the same candidate before this path
			// becomes unrecoverable.
			repairErr = d.repairPath(ctx, ws, cand)
		}
		if repairErr != nil {
			failed.Unrecoverable = true
			remaining = append(remaining, failed)
			result.Unrecoverable = append(result.Unrecoverable, failed.Path)
			if d.Log != nil {
				d.Log.Error("repair: giving up on path after two attempts", slog.String("path", failed.Path), slog.Any("error", repairErr))
			}
			continue
		}

		result.Repaired = append(result.Repaired, failed.Path)
		if d.Progress != nil {
			d.Progress.FileApplied()
		}
	}

	state.FailedOps = remaining
	if len(remaining) == 0 && state.InProgress != nil {
		state.CurrentRevision = goal
		state.InProgress = nil
	}
	if err := ws.SaveState(state); err != nil {
		return result, err
	}
	if d.Progress != nil {
		d.Progress.Finish()
	}
	return result, nil
}

// refCachedMetadataLoader is implemented by repo.Client wrappers (see
// metadatacache.CachedClient) that can validate a cache hit against a
// package's current (from, to, size) descriptor before serving it.
type refCachedMetadataLoader interface {
	LoadMetadataFor(ctx context.Context, ref model.PackageRef) (model.Metadata, error)
}

// loadMetadata prefers a descriptor-validated cache hit when client
// supports it, falling back to a plain fetch otherwise.
func loadMetadata(ctx context.Context, client repo.Client, ref model.PackageRef) (model.Metadata, error) {
	if cached, ok := client.(refCachedMetadataLoader); ok {
		return cached.LoadMetadataFor(ctx, ref)
	}
	return client.LoadMetadata(ctx, ref.Name)
}

// Scan checks every path referenced by a package whose To equals ws's
// recorded current revision against its on-disk content, without mutating
// any file. Newly discovered violations are merged into state.json's
// failedOps so a subsequent Run can address them alongside anything an
// update run itself recorded.
func (d *Driver) Scan(ctx context.Context, ws *workspace.Workspace, idx repo.Index) ([]workspace.FailedOp, error) {
	state, err := ws.LoadState()
	if err != nil {
		return nil, err
	}
	if state.CurrentRevision == "" {
		return nil, nil
	}

	seen := map[string]bool{}
	var found []workspace.FailedOp
	for _, p := range idx.Packages {
		if p.To != state.CurrentRevision {
			continue
		}
		if ctx.Err() != nil {
			return found, nil
		}
		meta, err := loadMetadata(ctx, d.Repo, p)
		if err != nil {
			return found, err
		}
		for _, op := range meta.Operations {
			if op.Kind != model.KindAdd && op.Kind != model.KindPatch && op.Kind != model.KindCheck {
				continue
			}
			if seen[op.Path] {
				continue
			}
			seen[op.Path] = true

			ok, actual := d.verifyFinal(ws, op.Path, op.FinalSize)
			if ok && hashsum.Verify(op.FinalSHA1, actual) {
				continue
			}
			if d.Log != nil {
				d.Log.Warn("repair: invariant 1 violation found during scan", slog.String("path", op.Path))
			}
			found = append(found, workspace.FailedOp{
				Path:     op.Path,
				Stage:    "final",
				Expected: op.FinalSHA1,
				Actual:   actual,
			})
		}
	}

	if len(found) > 0 {
		state.FailedOps = mergeFailedOps(state.FailedOps, found)
		if err := ws.SaveState(state); err != nil {
			return found, err
		}
	}
	return found, nil
}

// verifyFinal reports whether relPath exists, has wantSize bytes, and
// returns its SHA-1 digest for the caller to compare.
func (d *Driver) verifyFinal(ws *workspace.Workspace, relPath string, wantSize int64) (ok bool, digest string) {
	f, err := ws.ReadFinal(relPath)
	if err != nil {
		return false, ""
	}
	defer f.Close()

	absorber := hashsum.New()
	n, err := io.Copy(absorber, f)
	if err != nil {
		return false, ""
	}
	return n == wantSize, absorber.Digest()
}

// mergeFailedOps adds any of fresh not already present (by Path) to
// existing, leaving existing's own entries untouched.
func mergeFailedOps(existing, fresh []workspace.FailedOp) []workspace.FailedOp {
	have := make(map[string]bool, len(existing))
	for _, f := range existing {
		have[f.Path] = true
	}
	merged := existing
	for _, f := range fresh {
		if !have[f.Path] {
			merged = append(merged, f)
			have[f.Path] = true
		}
	}
	return merged
}

// bestCandidate returns the cheapest package (by size) offering an `add`
// of path matching goal.
func bestCandidate(packages []model.PackageRef, metas map[string]model.Metadata, goal, path string) (candidate, bool) {
	var best candidate
	found := false
	for _, p := range packages {
		if goal != "" && p.To != goal {
			continue
		}
		meta, ok := metas[p.Name]
		if !ok {
			continue
		}
		for _, op := range meta.Operations {
			if op.Path != path || op.Kind != model.KindAdd {
				continue
			}
			if !found || p.Size < best.pkg.Size || (p.Size == best.pkg.Size && p.Name < best.pkg.Name) {
				best = candidate{pkg: p, op: op}
				found = true
			}
			break
		}
	}
	return best, found
}

// repairPath fetches exactly cand.op's data_slice via Range and commits it
// through the same verify-then-rename protocol the update package uses.
func (d *Driver) repairPath(ctx context.Context, ws *workspace.Workspace, cand candidate) error {
	stream, resumedFromZero, err := d.Repo.OpenPackageStream(ctx, cand.pkg.Name, repo.ByteRange{
		Start:  cand.op.Data.Offset,
		Length: cand.op.Data.Size,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	var r io.Reader = stream
	if resumedFromZero {
		if _, err := io.CopyN(io.Discard, stream, cand.op.Data.Offset); err != nil {
			return fmt.Errorf("repair: %s: discarding %d bytes before data offset: %w", cand.op.Path, cand.op.Data.Offset, err)
		}
	}
	limited := io.LimitReader(r, cand.op.Data.Size)

	dataAbsorber := hashsum.New()
	teed := hashsum.Tee(limited, dataAbsorber)

	decompressor, err := d.Codecs.Decompressor(cand.op.DataCompression, teed)
	if err != nil {
		io.Copy(io.Discard, teed) //nolint:errcheck
		return err
	}
	defer decompressor.Close()

	staging := ws.StagingPath(cand.op.Path)
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("repair: %s: creating staging file: %w", cand.op.Path, err)
	}

	outputAbsorber := hashsum.New()
	_, copyErr := io.Copy(io.MultiWriter(f, outputAbsorber), decompressor)
	io.Copy(io.Discard, teed) //nolint:errcheck

	if copyErr != nil {
		f.Close()
		os.Remove(staging)
		return fmt.Errorf("repair: %s: applying fetched data: %w", cand.op.Path, copyErr)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return fmt.Errorf("repair: %s: closing staging file: %w", cand.op.Path, err)
	}

	if !hashsum.Verify(cand.op.DataSHA1, dataAbsorber.Digest()) {
		os.Remove(staging)
		return fmt.Errorf("repair: %s: data hash mismatch after fetch", cand.op.Path)
	}
	if outputAbsorber.Count() != cand.op.FinalSize || !hashsum.Verify(cand.op.FinalSHA1, outputAbsorber.Digest()) {
		os.Remove(staging)
		return fmt.Errorf("repair: %s: final hash mismatch after fetch", cand.op.Path)
	}

	return ws.Commit(staging, ws.FinalPath(cand.op.Path))
}
