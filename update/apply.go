package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/a-h/revctl/codec"
	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/hashsum"
	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/operation"
	"github.com/a-h/revctl/workspace"
)

// applyOperation executes the commit protocol for one operation. failedOp
// is non-nil, and err nil, for any per-operation integrity or
// unsupported-codec failure: recorded, not fatal, handed to the repair
// driver. A non-nil err signals a run-invalidating failure: a broken
// transport stream or a local filesystem error beyond the single retry
// createStaging allows.
func (d *Driver) applyOperation(ws *workspace.Workspace, codecs *codec.Registry, it *operation.Iterator, op model.Operation, log *slog.Logger) (*workspace.FailedOp, error) {
	switch op.Kind {
	case model.KindMkdir:
		if err := ws.Mkdir(op.Path); err != nil {
			return nil, err
		}
		return nil, nil

	case model.KindRemove:
		if err := ws.Remove(op.Path); err != nil {
			return nil, err
		}
		return nil, nil

	case model.KindRmdir:
		ok, err := ws.Rmdir(op.Path)
		if err != nil {
			return nil, err
		}
		if !ok && log != nil {
			// A non-empty directory is not something the repair driver can
			// address, so this is reported and skipped rather than failed.
			log.Warn("rmdir: directory not empty, leaving in place", slog.String("path", op.Path))
		}
		return nil, nil

	case model.KindCheck:
		return d.checkOperation(ws, op)

	case model.KindAdd, model.KindPatch:
		return d.applyDataOperation(ws, codecs, it, op)

	default:
		return nil, fmt.Errorf("update: unknown operation kind %q at %q", op.Kind, op.Path)
	}
}

func (d *Driver) checkOperation(ws *workspace.Workspace, op model.Operation) (*workspace.FailedOp, error) {
	f, err := ws.ReadFinal(op.Path)
	if err != nil {
		return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageFinal), Expected: op.FinalSHA1, Actual: "<missing>"}, nil
	}
	defer f.Close()

	absorber := hashsum.New()
	if _, err := io.Copy(absorber, f); err != nil {
		return nil, &errs.FilesystemError{Path: op.Path, Kind: "read", Err: err}
	}
	if absorber.Count() != op.FinalSize || !hashsum.Verify(op.FinalSHA1, absorber.Digest()) {
		return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageFinal), Expected: op.FinalSHA1, Actual: absorber.Digest()}, nil
	}
	return nil, nil
}

func (d *Driver) applyDataOperation(ws *workspace.Workspace, codecs *codec.Registry, it *operation.Iterator, op model.Operation) (*workspace.FailedOp, error) {
	dataReader, err := it.DataReader(op)
	if err != nil {
		return nil, err
	}
	dataAbsorber := hashsum.New()
	teed := hashsum.Tee(dataReader, dataAbsorber)

	decompressor, err := codecs.Decompressor(op.DataCompression, teed)
	if err != nil {
		// Unknown codec: drain the slice to keep the forward stream
		// aligned for the next operation, then hand this path to the
		// repair driver, which may find an alternative package using a
		// supported codec.
		io.Copy(io.Discard, teed) //nolint:errcheck
		return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageData), Expected: string(op.DataCompression), Actual: "unsupported"}, nil
	}
	defer decompressor.Close()

	var original []byte
	if op.Kind == model.KindPatch {
		original, err = d.readOriginal(ws, op.Path)
		if err != nil {
			return nil, err
		}
		localAbsorber := hashsum.New()
		localAbsorber.Write(original) //nolint:errcheck
		if int64(len(original)) != op.LocalSize || !hashsum.Verify(op.LocalSHA1, localAbsorber.Digest()) {
			io.Copy(io.Discard, teed) //nolint:errcheck
			return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageLocal), Expected: op.LocalSHA1, Actual: localAbsorber.Digest()}, nil
		}
	}

	staging := ws.StagingPath(op.Path)
	f, ferr := createStaging(staging)
	if ferr != nil {
		return nil, ferr
	}

	outputAbsorber := hashsum.New()
	out := io.MultiWriter(f, outputAbsorber)

	var applyErr error
	if op.Kind == model.KindPatch {
		patcher, perr := codecs.Patcher(op.PatchType)
		if perr != nil {
			f.Close()
			os.Remove(staging)
			io.Copy(io.Discard, teed) //nolint:errcheck
			return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageData), Expected: string(op.PatchType), Actual: "unsupported"}, nil
		}
		applyErr = patcher(original, decompressor, out)
	} else {
		_, applyErr = io.Copy(out, decompressor)
	}

	// A context cancellation mid-read (Ctrl-C, or a progress callback
	// returning false) surfaces here as an error indistinguishable in
	// shape from a real transport or codec failure; treated as one it
	// would wrongly become a permanent FailedOp and skip the resumption
	// cursor past an operation that was never actually applied. Reported
	// as a genuine error instead, so the caller halts the run and leaves
	// the cursor where it was.
	if errors.Is(applyErr, context.Canceled) || errors.Is(applyErr, context.DeadlineExceeded) {
		f.Close()
		os.Remove(staging)
		return nil, applyErr
	}

	// Drain whatever the codec/patcher left unread so the forward stream
	// stays aligned for the next operation and dataAbsorber sees every
	// byte of the data slice, not just the bytes the codec consumed.
	io.Copy(io.Discard, teed) //nolint:errcheck
	d.Progress.FileDownloaded()

	if applyErr != nil {
		f.Close()
		os.Remove(staging)
		return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageFinal), Expected: "", Actual: applyErr.Error()}, nil
	}

	if err := f.Close(); err != nil {
		os.Remove(staging)
		return nil, &errs.FilesystemError{Path: op.Path, Kind: "close", Err: err}
	}

	if !hashsum.Verify(op.DataSHA1, dataAbsorber.Digest()) {
		os.Remove(staging)
		return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageData), Expected: op.DataSHA1, Actual: dataAbsorber.Digest()}, nil
	}
	if outputAbsorber.Count() != op.FinalSize {
		os.Remove(staging)
		return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageFinal), Expected: fmt.Sprintf("%d bytes", op.FinalSize), Actual: fmt.Sprintf("%d bytes", outputAbsorber.Count())}, nil
	}
	if !hashsum.Verify(op.FinalSHA1, outputAbsorber.Digest()) {
		os.Remove(staging)
		return &workspace.FailedOp{Path: op.Path, Stage: string(errs.StageFinal), Expected: op.FinalSHA1, Actual: outputAbsorber.Digest()}, nil
	}

	if err := ws.Commit(staging, ws.FinalPath(op.Path)); err != nil {
		return nil, err
	}

	d.Progress.Applied(dataAbsorber.Count(), outputAbsorber.Count())
	d.Progress.FileApplied()
	d.Metrics.RecordApply(context.Background(), d.RepositoryLabel, outputAbsorber.Count())
	return nil, nil
}

func (d *Driver) readOriginal(ws *workspace.Workspace, path string) ([]byte, error) {
	f, err := ws.ReadFinal(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, &errs.FilesystemError{Path: path, Kind: "read", Err: err}
	}
	return b, nil
}

func createStaging(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		// Retried once, then fatal.
		f, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, &errs.FilesystemError{Path: path, Kind: "create-staging", Err: err}
		}
	}
	return f, nil
}
