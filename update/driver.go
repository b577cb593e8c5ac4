// Package update drives the download-and-apply phase: for each package a
// plan names, a downloader task streams its binary into a bounded channel
// while an applier task drains it one operation at a time, verifying and
// committing each as it goes. The two-task split over a bounded channel
// pairs a producer goroutine with a bounded work channel and a consumer
// that commits results one at a time.
package update

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/a-h/revctl/codec"
	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/metrics"
	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/operation"
	"github.com/a-h/revctl/planner"
	"github.com/a-h/revctl/progress"
	"github.com/a-h/revctl/repo"
	"github.com/a-h/revctl/workspace"
)

// Driver owns everything one update run needs.
type Driver struct {
	Log      *slog.Logger
	Repo     repo.Client
	Codecs   *codec.Registry
	Progress *progress.Aggregator
	Limiter  *rate.Limiter

	// Metrics records downloaded/applied counters to Prometheus/OTel,
	// labeled by RepositoryLabel; the zero value is a safe no-op.
	Metrics         metrics.Metrics
	RepositoryLabel string

	// ChannelBytes and ChunkSize override the package defaults when non-zero.
	ChannelBytes int64
	ChunkSize    int
}

// Result is the outcome of one Run.
type Result struct {
	FailedOps []workspace.FailedOp
	Cancelled bool
}

// Run drives ws from its recorded current revision to goal. If state.json
// names an in-progress run toward the same goal and planner.Validate still
// accepts its plan, the run resumes at the recorded cursor; otherwise a
// fresh plan is computed from graph.
func (d *Driver) Run(ctx context.Context, ws *workspace.Workspace, graph *planner.Graph, goal string) (Result, error) {
	state, err := ws.LoadState()
	if err != nil {
		return Result{}, err
	}

	plan, packageCursor, opCursor, byteCursor := d.resolvePlan(state, graph, goal)
	if plan == nil {
		plan, err = planner.Plan(graph, state.CurrentRevision, goal)
		if err != nil {
			return Result{FailedOps: state.FailedOps}, err
		}
	}

	// A progress callback returning false is a cooperative-cancellation
	// request; tying it to ctx lets every ctx.Err() check already in this
	// package's loops double as the progress-cancellation check.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.Progress.SetCancelFunc(cancel)

	d.Progress.SetPackageTotal(len(plan))
	d.Progress.SetTotals(int64(len(plan)), planner.TotalSize(plan), planner.TotalSize(plan))

	state.InProgress = &workspace.InProgress{
		Goal:            goal,
		PlannedPackages: plan,
		PackageCursor:   packageCursor,
		OpCursor:        opCursor,
		ByteCursor:      byteCursor,
	}
	if err := ws.SaveState(state); err != nil {
		return Result{}, err
	}

	for packageCursor < len(plan) {
		if ctx.Err() != nil {
			return Result{FailedOps: state.FailedOps, Cancelled: true}, nil
		}

		pkg := plan[packageCursor]
		meta, err := d.Repo.LoadMetadata(ctx, pkg.Name)
		if err != nil {
			return Result{FailedOps: state.FailedOps}, err
		}
		if meta.Descriptor() != (model.PackageRef{From: pkg.From, To: pkg.To, Size: pkg.Size}) {
			return Result{FailedOps: state.FailedOps}, &errs.MalformedRepository{
				Which: pkg.Name + ".metadata", Detail: "from/to/size no longer matches the package index",
			}
		}

		cancelled, err := d.runPackage(ctx, ws, &state, packageCursor, pkg, meta, opCursor, byteCursor)
		if err != nil {
			return Result{FailedOps: state.FailedOps}, err
		}
		if cancelled {
			return Result{FailedOps: state.FailedOps, Cancelled: true}, nil
		}

		packageCursor++
		opCursor, byteCursor = 0, 0
		state.InProgress.PackageCursor = packageCursor
		state.InProgress.OpCursor = 0
		state.InProgress.ByteCursor = 0
		if err := ws.SaveState(state); err != nil {
			return Result{FailedOps: state.FailedOps}, err
		}
	}

	// Committing current=goal and erasing the in-progress block is the
	// repair driver's job when failed_ops is non-empty. With nothing to
	// repair, this run performs that commit itself.
	if len(state.FailedOps) == 0 {
		state.CurrentRevision = goal
		state.InProgress = nil
	}
	if err := ws.SaveState(state); err != nil {
		return Result{FailedOps: state.FailedOps}, err
	}

	d.Progress.Finish()
	return Result{FailedOps: state.FailedOps}, nil
}

// resolvePlan returns a resumable plan and cursor from state, or a nil plan
// if a fresh one must be computed.
func (d *Driver) resolvePlan(state workspace.State, graph *planner.Graph, goal string) (plan []model.PackageRef, packageCursor, opCursor int, byteCursor int64) {
	ip := state.InProgress
	if ip == nil || ip.Goal != goal {
		return nil, 0, 0, 0
	}
	if err := planner.Validate(graph, ip.PlannedPackages); err != nil {
		if d.Log != nil {
			d.Log.Warn("in-progress plan no longer consistent with repository, replanning", slog.String("error", err.Error()))
		}
		return nil, 0, 0, 0
	}
	if d.Log != nil {
		d.Log.Info("resuming in-progress update",
			slog.Int("packageCursor", ip.PackageCursor), slog.Int("opCursor", ip.OpCursor), slog.Int64("byteCursor", ip.ByteCursor))
	}
	return ip.PlannedPackages, ip.PackageCursor, ip.OpCursor, ip.ByteCursor
}

// runPackage streams one package's binary and commits its operations from
// opIndex/byteCursor onward, persisting the cursor into state after every
// committed operation.
func (d *Driver) runPackage(ctx context.Context, ws *workspace.Workspace, state *workspace.State, packageIndex int, pkg model.PackageRef, meta model.Metadata, opIndex int, byteCursor int64) (cancelled bool, err error) {
	stream, resumedFromZero, err := d.Repo.OpenPackageStream(ctx, pkg.Name, repo.ByteRange{Start: byteCursor})
	if err != nil {
		return false, err
	}
	defer stream.Close()

	if resumedFromZero && byteCursor != 0 {
		// The transport could not honor the resume offset; restart this
		// package's operations from the beginning rather than let the
		// iterator's cursor desync from the stream's actual content.
		if d.Log != nil {
			d.Log.Warn("range fallback mid-package, restarting package from the beginning")
		}
		opIndex, byteCursor = 0, 0
	}

	channelBytes := d.ChannelBytes
	if channelBytes <= 0 {
		channelBytes = defaultChannelBytes
	}
	bc := newBoundedChannel(channelBytes, d.ChunkSize)

	pumpErrCh := make(chan error, 1)
	go func() {
		pumpErrCh <- pump(ctx, stream, bc, d.Limiter, d.Progress, d.Metrics, d.RepositoryLabel, d.ChunkSize)
	}()

	it, err := operation.NewIterator(meta, contextReader{ctx: ctx, bc: bc})
	if err != nil {
		<-pumpErrCh
		return false, err
	}
	it.Seek(opIndex, byteCursor)

	d.Progress.PackageStarted()

	for {
		if ctx.Err() != nil {
			<-pumpErrCh
			return true, nil
		}
		op, idx, ok := it.Next()
		if !ok {
			break
		}

		failedOp, applyErr := d.applyOperation(ws, d.Codecs, it, op, d.Log)
		if applyErr != nil {
			<-pumpErrCh
			if errors.Is(applyErr, context.Canceled) || errors.Is(applyErr, context.DeadlineExceeded) {
				return true, nil
			}
			return false, applyErr
		}
		if failedOp != nil {
			failedOp.PackageIndex = packageIndex
			failedOp.OpIndex = idx
			state.FailedOps = append(state.FailedOps, *failedOp)
			d.Progress.FileFailed()
		}

		state.InProgress.OpCursor = idx + 1
		state.InProgress.ByteCursor = it.Pos()
		if err := ws.SaveState(*state); err != nil {
			<-pumpErrCh
			return false, err
		}
	}

	if err := <-pumpErrCh; err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
