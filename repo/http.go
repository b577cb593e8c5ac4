package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"path"
	"sync/atomic"
	"time"

	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/repoauth"
)

// connectTimeout and streamIdleTimeout are the client's default per-request
// connect and read timeouts. jsonTimeout bounds the small, non-streaming
// document GETs (current/versions/packages/metadata) end to end; a package
// binary GET has no such bound since its body may be read slowly over a
// long-lived download, so it is instead protected by streamIdleTimeout,
// which aborts only once a read makes no progress for that long.
const (
	connectTimeout    = 10 * time.Second
	streamIdleTimeout = 60 * time.Second
	jsonTimeout       = 60 * time.Second
)

// HTTPRepository reads a repository published as a plain static HTTP(S)
// tree, with bounded exponential backoff retries on idempotent GETs and
// HTTP Range support for resumable downloads and selective repair.
type HTTPRepository struct {
	log  *slog.Logger
	base *url.URL

	// jsonClient bounds current/versions/packages/metadata GETs with an
	// overall deadline; streamClient serves package binary GETs, where
	// only the connect and header stages are deadline-bound up front and
	// body stalls are caught separately by stallReader.
	jsonClient   *http.Client
	streamClient *http.Client

	auth    repoauth.Source
	retries RetryPolicy
}

// RetryPolicy configures the bounded exponential backoff retry behavior:
// 5 attempts, 1s-30s by default.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Sleep       func(time.Duration)
}

// DefaultRetryPolicy returns the client's default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MinBackoff:  1 * time.Second,
		MaxBackoff:  30 * time.Second,
		Sleep:       time.Sleep,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.MinBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// NewHTTPRepository returns a client reading from baseURL, authenticating
// every request with auth (use repoauth.None{} for a public repository).
func NewHTTPRepository(log *slog.Logger, baseURL string, auth repoauth.Source) (*HTTPRepository, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("repo: invalid base URL %q: %w", baseURL, err)
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: connectTimeout,
	}
	return &HTTPRepository{
		log:  log,
		base: u,
		jsonClient: &http.Client{
			Timeout:   jsonTimeout,
			Transport: transport,
		},
		streamClient: &http.Client{
			Transport: transport,
		},
		auth:    auth,
		retries: DefaultRetryPolicy(),
	}, nil
}

var _ Client = (*HTTPRepository)(nil)

func (r *HTTPRepository) resolve(name string) string {
	u := *r.base
	u.Path = path.Join(u.Path, name)
	return u.String()
}

func (r *HTTPRepository) getWithRetry(ctx context.Context, client *http.Client, name string, rangeHeader string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < r.retries.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.resolve(name), nil)
		if err != nil {
			return nil, fmt.Errorf("repo: building request for %q: %w", name, err)
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		if err := r.auth.Apply(req); err != nil {
			return nil, fmt.Errorf("repo: applying credentials: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = &errs.Network{Kind: "transport", Retryable: true, Err: err}
			r.sleepBeforeRetry(attempt)
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = &errs.Network{Kind: fmt.Sprintf("http %d", resp.StatusCode), Retryable: true, Err: fmt.Errorf("server error fetching %q", name)}
			r.sleepBeforeRetry(attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, &errs.Network{Kind: fmt.Sprintf("http %d", resp.StatusCode), Retryable: false, Err: fmt.Errorf("fetching %q", name)}
		}
		return resp, nil
	}
	if r.log != nil {
		r.log.Warn("repo: retries exhausted", slog.String("name", name), slog.Any("error", lastErr))
	}
	return nil, lastErr
}

func (r *HTTPRepository) sleepBeforeRetry(attempt int) {
	if r.retries.Sleep == nil {
		return
	}
	r.retries.Sleep(r.retries.backoff(attempt))
}

func (r *HTTPRepository) getJSON(ctx context.Context, name string, v any) error {
	resp, err := r.getWithRetry(ctx, r.jsonClient, name, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &errs.MalformedRepository{Which: name, Detail: err.Error()}
	}
	return nil
}

func (r *HTTPRepository) LoadCurrent(ctx context.Context) (model.Current, error) {
	var c model.Current
	if err := r.getJSON(ctx, "current", &c); err != nil {
		return model.Current{}, err
	}
	if c.SchemaVersion != model.SchemaVersion {
		return model.Current{}, &errs.MalformedRepository{Which: "current", Detail: fmt.Sprintf("unsupported schema version %q", c.SchemaVersion)}
	}
	return c, nil
}

func (r *HTTPRepository) LoadVersions(ctx context.Context) ([]model.Version, error) {
	var doc model.VersionsDoc
	if err := r.getJSON(ctx, "versions", &doc); err != nil {
		return nil, err
	}
	if doc.SchemaVersion != model.SchemaVersion {
		return nil, &errs.MalformedRepository{Which: "versions", Detail: fmt.Sprintf("unsupported schema version %q", doc.SchemaVersion)}
	}
	return doc.Versions, nil
}

func (r *HTTPRepository) LoadPackages(ctx context.Context) ([]model.PackageRef, error) {
	var doc model.PackagesDoc
	if err := r.getJSON(ctx, "packages", &doc); err != nil {
		return nil, err
	}
	if doc.SchemaVersion != model.SchemaVersion {
		return nil, &errs.MalformedRepository{Which: "packages", Detail: fmt.Sprintf("unsupported schema version %q", doc.SchemaVersion)}
	}
	return doc.Packages, nil
}

func (r *HTTPRepository) LoadMetadata(ctx context.Context, packageName string) (model.Metadata, error) {
	var meta model.Metadata
	if err := r.getJSON(ctx, packageName+".metadata", &meta); err != nil {
		return model.Metadata{}, err
	}
	if meta.SchemaVersion != model.SchemaVersion {
		return model.Metadata{}, &errs.MalformedRepository{Which: packageName + ".metadata", Detail: fmt.Sprintf("unsupported schema version %q", meta.SchemaVersion)}
	}
	return meta, nil
}

func (r *HTTPRepository) OpenPackageStream(ctx context.Context, packageName string, rng ByteRange) (io.ReadCloser, bool, error) {
	header := ""
	if rng.Length != 0 {
		header = fmt.Sprintf("bytes=%d-%d", rng.Start, rng.Start+rng.Length-1)
	} else if rng.Start != 0 {
		header = fmt.Sprintf("bytes=%d-", rng.Start)
	}

	resp, err := r.getWithRetry(ctx, r.streamClient, packageName, header)
	if err != nil {
		return nil, false, err
	}

	body := newStallReader(resp.Body, streamIdleTimeout)

	if header != "" && resp.StatusCode != http.StatusPartialContent {
		// The transport could not honor the requested range; fall back to
		// a full re-download rather than misinterpreting byte offsets, and
		// log it so operators can see range fallbacks happening.
		if r.log != nil {
			r.log.Warn("repo: server did not honor range request, falling back to full download",
				slog.String("package", packageName), slog.String("range", header))
		}
		return body, true, nil
	}
	return body, false, nil
}

// stallReader wraps a response body and aborts it if no Read succeeds
// within idle of the previous one, enforcing a read timeout that resets on
// progress rather than bounding the download's total duration. Unlike
// context cancellation, a stall is reported as an *errs.Network so it is
// never mistaken for a cooperative ctx.Canceled shutdown downstream.
type stallReader struct {
	body    io.ReadCloser
	timer   *time.Timer
	idle    time.Duration
	stalled atomic.Bool
}

func newStallReader(body io.ReadCloser, idle time.Duration) *stallReader {
	s := &stallReader{body: body, idle: idle}
	s.timer = time.AfterFunc(idle, func() {
		s.stalled.Store(true)
		body.Close()
	})
	return s
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 {
		s.timer.Reset(s.idle)
	}
	if err != nil && s.stalled.Load() {
		return n, &errs.Network{Kind: "stall", Retryable: true, Err: fmt.Errorf("no data received for %s", s.idle)}
	}
	return n, err
}

func (s *stallReader) Close() error {
	s.timer.Stop()
	return s.body.Close()
}
