// Command revctl drives the planning, download/apply, and repair pipeline
// against a local workspace from a single binary composing its subcommands
// behind one kong.CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/time/rate"

	"github.com/a-h/revctl/codec"
	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/metadatacache"
	"github.com/a-h/revctl/metrics"
	"github.com/a-h/revctl/planner"
	"github.com/a-h/revctl/progress"
	"github.com/a-h/revctl/repair"
	"github.com/a-h/revctl/repo"
	"github.com/a-h/revctl/repoauth"
	"github.com/a-h/revctl/update"
	"github.com/a-h/revctl/workspace"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Globals holds the flags shared by every subcommand, embedded into CLI.
type Globals struct {
	Workspace  string `help:"Workspace directory to update." default:"." env:"REVCTL_WORKSPACE"`
	Repository string `help:"Base URL of the repository (http(s)://... or s3://bucket/prefix)." env:"REVCTL_REPOSITORY"`
	Username   string `help:"HTTP Basic username for the repository." env:"REVCTL_USERNAME"`
	Password   string `help:"HTTP Basic password for the repository." env:"REVCTL_PASSWORD"`
	BearerToken string `help:"Bearer token presented to the repository instead of HTTP Basic." env:"REVCTL_BEARER_TOKEN"`

	CacheType string `help:"Metadata cache backend (sqlite, rqlite, postgres, or none)." default:"none" enum:"sqlite,rqlite,postgres,none" env:"REVCTL_CACHE_TYPE"`
	CacheDSN  string `help:"Metadata cache connection string." default:"" env:"REVCTL_CACHE_DSN"`

	VersionScheme string `help:"Version syntax used to order revisions and resolve constraint goals (lexical, semver, pep440)." default:"lexical" enum:"lexical,semver,pep440" env:"REVCTL_VERSION_SCHEME"`

	MetricsListenAddr string `help:"Address to serve Prometheus metrics on (empty disables metrics)." default:"" env:"REVCTL_METRICS_LISTEN_ADDR"`

	Verbose bool `help:"Enable debug logging." env:"REVCTL_VERBOSE"`
}

func (g *Globals) logger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// client resolves the repository transport named by g.Repository: a
// static HTTP(S) tree, or an S3-compatible bucket behind an s3:// URL.
func (g *Globals) client(ctx context.Context, log *slog.Logger) (repo.Client, error) {
	if g.Repository == "" {
		return nil, fmt.Errorf("revctl: --repository is required")
	}

	var base repo.Client
	if strings.HasPrefix(g.Repository, "s3://") {
		bucket, prefix := splitS3URL(g.Repository)
		s3Repo, err := repo.NewS3Repository(ctx, repo.S3Config{Bucket: bucket, Prefix: prefix})
		if err != nil {
			return nil, err
		}
		base = s3Repo
	} else {
		var auth repoauth.Source = repoauth.None{}
		switch {
		case g.BearerToken != "":
			auth = &repoauth.Bearer{Token: g.BearerToken}
		case g.Username != "":
			auth = repoauth.Basic{Username: g.Username, Password: g.Password}
		}
		httpRepo, err := repo.NewHTTPRepository(log, g.Repository, auth)
		if err != nil {
			return nil, err
		}
		base = httpRepo
	}

	if g.CacheType == "none" || g.CacheType == "" {
		return base, nil
	}
	cache, _, err := metadatacache.Open(ctx, g.CacheType, g.CacheDSN)
	if err != nil {
		return nil, fmt.Errorf("revctl: opening metadata cache: %w", err)
	}
	return &metadatacache.CachedClient{Underlying: base, Cache: cache}, nil
}

// splitS3URL splits "s3://bucket/some/prefix" into ("bucket", "some/prefix").
func splitS3URL(u string) (bucket, prefix string) {
	rest := strings.TrimPrefix(u, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix
}

func (g *Globals) openWorkspace() (*workspace.Workspace, error) {
	return workspace.Open(g.Workspace)
}

// resolveGoal interprets to as a goal revision: an exact match against
// versions is used as-is, otherwise it is resolved as a constraint
// ("latest", a semver range, a PEP 440 specifier) via the configured
// VersionScheme. An empty to resolves to the repository's current pointer.
func (g *Globals) resolveGoal(to string, idx repo.Index) (string, error) {
	if to == "" {
		return idx.Current.Revision, nil
	}
	candidates := make([]string, len(idx.Versions))
	for i, v := range idx.Versions {
		candidates[i] = v.Revision
	}
	for _, c := range candidates {
		if c == to {
			return to, nil
		}
	}
	scheme := planner.SchemeByName(g.VersionScheme)
	resolved, err := scheme.Resolve(to, candidates)
	if err != nil {
		// Not a known constraint either: treat to as a literal revision,
		// letting the planner report NoPath/unreachable rather than this
		// helper rejecting a syntax it doesn't recognize.
		return to, nil
	}
	return resolved, nil
}

func (g *Globals) maybeMetrics(log *slog.Logger) metrics.Metrics {
	if g.MetricsListenAddr == "" {
		return metrics.Metrics{}
	}
	m, err := metrics.New()
	if err != nil {
		log.Warn("revctl: failed to initialize metrics, continuing without them", slog.Any("error", err))
		return metrics.Metrics{}
	}
	go func() {
		if err := metrics.ListenAndServe(g.MetricsListenAddr); err != nil {
			log.Warn("revctl: metrics listener exited", slog.Any("error", err))
		}
	}()
	return m
}

// CLI is the root kong command: one CLI struct of sub-Cmd structs sharing
// one embedded Globals.
type CLI struct {
	Globals
	Update   UpdateCmd   `cmd:"" help:"Update the workspace to a goal revision."`
	Status   StatusCmd   `cmd:"" help:"Report the workspace's current revision and verify its integrity."`
	Plan     PlanCmd     `cmd:"" help:"Preview the package plan to a goal revision without fetching any package bytes."`
	Repair   RepairCmd   `cmd:"" help:"Repair files that failed integrity checking."`
	Versions VersionsCmd `cmd:"" help:"List the repository's published versions in scheme order."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// VersionsCmd lists every published revision, ordered by Globals'
// VersionScheme, marking the repository's current pointer and the
// workspace's own recorded revision.
type VersionsCmd struct{}

func (c *VersionsCmd) Run(g *Globals) error {
	log := g.logger()
	ctx := context.Background()

	ws, err := g.openWorkspace()
	if err != nil {
		return err
	}
	state, err := ws.LoadState()
	if err != nil {
		return err
	}

	client, err := g.client(ctx, log)
	if err != nil {
		return err
	}
	idx, err := repo.LoadIndex(ctx, client)
	if err != nil {
		return err
	}

	revisions := make([]string, len(idx.Versions))
	for i, v := range idx.Versions {
		revisions[i] = v.Revision
	}
	planner.SchemeByName(g.VersionScheme).Sort(revisions)

	for _, r := range revisions {
		markers := ""
		if r == idx.Current.Revision {
			markers += " (repository current)"
		}
		if r == state.CurrentRevision {
			markers += " (workspace current)"
		}
		fmt.Printf("%s%s\n", r, markers)
	}
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Println(Version)
	return nil
}

// PlanCmd runs planning only: it loads the repository's index and prints
// the resulting package plan and its total size, touching the network only
// for the three index JSON documents and each candidate package's metadata.
type PlanCmd struct {
	To string `arg:"" help:"Goal revision (defaults to the repository's current pointer)." optional:""`
}

func (c *PlanCmd) Run(g *Globals) error {
	log := g.logger()
	ctx := context.Background()

	ws, err := g.openWorkspace()
	if err != nil {
		return err
	}
	state, err := ws.LoadState()
	if err != nil {
		return err
	}

	client, err := g.client(ctx, log)
	if err != nil {
		return err
	}
	idx, err := repo.LoadIndex(ctx, client)
	if err != nil {
		return err
	}

	goal, err := g.resolveGoal(c.To, idx)
	if err != nil {
		return err
	}

	graph := planner.NewGraph(idx.Packages)
	plan, err := planner.Plan(graph, state.CurrentRevision, goal)
	if err != nil {
		return err
	}

	if len(plan) == 0 {
		fmt.Printf("already at %q; nothing to download\n", goal)
		return nil
	}
	fmt.Printf("plan to %q (%d package(s), %d bytes total):\n", goal, len(plan), planner.TotalSize(plan))
	for i, p := range plan {
		fmt.Printf("  %d. %s (%s -> %s, %d bytes)\n", i+1, p.Name, displayRevision(p.From), p.To, p.Size)
	}
	return nil
}

func displayRevision(r string) string {
	if r == planner.Empty {
		return "<empty>"
	}
	return r
}

// StatusCmd reports the workspace's current revision, whether an update is
// in progress, and runs the invariant-1 integrity scan, which modifies no
// workspace file but records any violation it finds in state.json's failed
// ops.
type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	log := g.logger()
	ctx := context.Background()

	ws, err := g.openWorkspace()
	if err != nil {
		return err
	}
	state, err := ws.LoadState()
	if err != nil {
		return err
	}

	fmt.Printf("current revision: %s\n", displayRevision(state.CurrentRevision))
	if state.InProgress != nil {
		fmt.Printf("update in progress: goal=%s package=%d/%d op=%d\n",
			state.InProgress.Goal, state.InProgress.PackageCursor+1, len(state.InProgress.PlannedPackages), state.InProgress.OpCursor)
	}
	if len(state.FailedOps) > 0 {
		fmt.Printf("%d path(s) already recorded as failed:\n", len(state.FailedOps))
		for _, f := range state.FailedOps {
			fmt.Printf("  %s (unrecoverable=%v)\n", f.Path, f.Unrecoverable)
		}
	}

	client, err := g.client(ctx, log)
	if err != nil {
		return err
	}
	idx, err := repo.LoadIndex(ctx, client)
	if err != nil {
		return err
	}

	rd := &repair.Driver{Log: log, Repo: client}
	found, err := rd.Scan(ctx, ws, idx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("integrity: all files verified OK")
		return nil
	}
	fmt.Printf("integrity: %d file(s) failed verification (run `revctl repair` to fix):\n", len(found))
	for _, f := range found {
		fmt.Printf("  %s\n", f.Path)
	}
	return nil
}

// RepairCmd runs the repair driver over whatever an update run or a prior
// `status` scan recorded in failed_ops.
type RepairCmd struct{}

func (c *RepairCmd) Run(g *Globals) error {
	log := g.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := g.openWorkspace()
	if err != nil {
		return err
	}
	if err := ws.Lock(); err != nil {
		return err
	}
	defer ws.Unlock() //nolint:errcheck

	client, err := g.client(ctx, log)
	if err != nil {
		return err
	}
	idx, err := repo.LoadIndex(ctx, client)
	if err != nil {
		return err
	}

	m := g.maybeMetrics(log)
	prog := progress.New(cliProgressPrinter(), nil)
	rd := &repair.Driver{Log: log, Repo: client, Codecs: codec.NewRegistry(), Progress: prog}
	result, err := rd.Run(ctx, ws, idx)
	if err != nil {
		return err
	}

	for range result.Repaired {
		m.RecordRepair(ctx, true)
	}
	for range result.Unrecoverable {
		m.RecordRepair(ctx, false)
	}

	fmt.Printf("repaired %d path(s)\n", len(result.Repaired))
	if len(result.Unrecoverable) > 0 {
		fmt.Printf("%d path(s) unrecoverable:\n", len(result.Unrecoverable))
		for _, p := range result.Unrecoverable {
			fmt.Printf("  %s\n", p)
		}
		return &errs.IntegrityFailure{Path: result.Unrecoverable[0], Stage: "final"}
	}
	return nil
}

// UpdateCmd plans then runs the update, falling through to the repair
// driver if the update leaves any path in failed_ops.
type UpdateCmd struct {
	To string `arg:"" help:"Goal revision (defaults to the repository's current pointer)." optional:""`

	BandwidthLimit int64 `help:"Maximum download bytes/sec (0 = unlimited)." default:"0"`
	ChannelBytes   int64 `help:"Bounded downloader/applier channel capacity in bytes (0 = default 4MiB)." default:"0"`
}

func (c *UpdateCmd) Run(g *Globals) error {
	log := g.logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := g.openWorkspace()
	if err != nil {
		return err
	}
	if err := ws.Lock(); err != nil {
		return err
	}
	defer ws.Unlock() //nolint:errcheck

	client, err := g.client(ctx, log)
	if err != nil {
		return err
	}
	idx, err := repo.LoadIndex(ctx, client)
	if err != nil {
		return err
	}
	if cached, ok := client.(*metadatacache.CachedClient); ok {
		if err := cached.PruneToIndex(ctx, idx.Packages); err != nil {
			log.Warn("revctl: pruning metadata cache", slog.Any("error", err))
		}
	}

	goal, err := g.resolveGoal(c.To, idx)
	if err != nil {
		return err
	}
	graph := planner.NewGraph(idx.Packages)

	var limiter *rate.Limiter
	if c.BandwidthLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.BandwidthLimit), int(c.BandwidthLimit))
	}

	m := g.maybeMetrics(log)
	prog := progress.New(cliProgressPrinter(), nil)
	codecs := codec.NewRegistry()

	driver := &update.Driver{
		Log:             log,
		Repo:            client,
		Codecs:          codecs,
		Progress:        prog,
		Limiter:         limiter,
		Metrics:         m,
		RepositoryLabel: g.Repository,
		ChannelBytes:    c.ChannelBytes,
	}
	result, err := driver.Run(ctx, ws, graph, goal)
	if err != nil {
		m.RecordRunOutcome(ctx, "error")
		return err
	}
	if result.Cancelled {
		m.RecordRunOutcome(ctx, "cancelled")
		return &errs.Cancelled{}
	}

	for _, f := range result.FailedOps {
		m.RecordFailedOp(ctx, f.Stage)
	}

	if len(result.FailedOps) == 0 {
		m.RecordRunOutcome(ctx, "success")
		fmt.Printf("updated to %q\n", goal)
		return nil
	}

	log.Warn("revctl: update left failed operations, running repair", slog.Int("count", len(result.FailedOps)))
	rd := &repair.Driver{Log: log, Repo: client, Codecs: codecs, Progress: prog}
	repairResult, err := rd.Run(ctx, ws, idx)
	if err != nil {
		m.RecordRunOutcome(ctx, "error")
		return err
	}
	if len(repairResult.Unrecoverable) > 0 {
		m.RecordRunOutcome(ctx, "unrecoverable")
		fmt.Printf("updated to %q with %d unrecoverable path(s):\n", goal, len(repairResult.Unrecoverable))
		for _, p := range repairResult.Unrecoverable {
			fmt.Printf("  %s\n", p)
		}
		return &errs.IntegrityFailure{Path: repairResult.Unrecoverable[0], Stage: "final"}
	}

	m.RecordRunOutcome(ctx, "success")
	fmt.Printf("updated to %q (repaired %d path(s))\n", goal, len(repairResult.Repaired))
	return nil
}

// cliProgressPrinter renders a throttled one-line progress summary to
// stderr, using the aggregator's humanized helpers.
func cliProgressPrinter() progress.Callback {
	return func(s progress.Snapshot, _ any) bool {
		fmt.Fprintf(os.Stderr, "\rpackages %d/%d  downloaded %s  rate %s  failed %d",
			s.Packages.Start, s.Packages.End, s.HumanDownloadedBytes(), s.HumanDownloadRate(), s.FailedFiles)
		if s.Terminal {
			fmt.Fprintln(os.Stderr)
		}
		return true
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("revctl"),
		kong.Description("Synchronize a local workspace with a revision published in a differential update repository"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run(&cli.Globals)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("revctl: run failed", slog.Any("error", err))
	}
	ctx.Exit(errs.ExitCode(err))
}
