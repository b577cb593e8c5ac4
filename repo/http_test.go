package repo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/repoauth"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPRepository {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	repo, err := NewHTTPRepository(nil, srv.URL, repoauth.None{})
	if err != nil {
		t.Fatalf("NewHTTPRepository: %v", err)
	}
	repo.retries.Sleep = nil // don't actually sleep in tests.
	repo.retries.MaxAttempts = 3
	return repo
}

func TestLoadCurrent(t *testing.T) {
	repo := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/current" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(model.Current{SchemaVersion: "1", Revision: "v3"})
	})

	got, err := repo.LoadCurrent(context.Background())
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if got.Revision != "v3" {
		t.Errorf("Revision = %q, want v3", got.Revision)
	}
}

func TestLoadCurrentRejectsBadSchema(t *testing.T) {
	repo := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Current{SchemaVersion: "2", Revision: "v3"})
	})
	_, err := repo.LoadCurrent(context.Background())
	if _, ok := err.(*errs.MalformedRepository); !ok {
		t.Fatalf("expected *errs.MalformedRepository, got %T: %v", err, err)
	}
}

func TestOpenPackageStreamHonorsRange(t *testing.T) {
	content := []byte("0123456789")
	repo := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "pkg", time.Time{}, bytesReaderAt(content))
	})

	stream, fellBack, err := repo.OpenPackageStream(context.Background(), "pkg", ByteRange{Start: 3, Length: 4})
	if err != nil {
		t.Fatalf("OpenPackageStream: %v", err)
	}
	defer stream.Close()
	if fellBack {
		t.Errorf("expected range to be honored")
	}
	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3456" {
		t.Errorf("got %q, want %q", got, "3456")
	}
}

func TestGetWithRetryRetriesOn5xx(t *testing.T) {
	attempts := 0
	repo := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(model.Current{SchemaVersion: "1", Revision: "v1"})
	})

	got, err := repo.LoadCurrent(context.Background())
	if err != nil {
		t.Fatalf("LoadCurrent: %v", err)
	}
	if got.Revision != "v1" {
		t.Errorf("Revision = %q, want v1", got.Revision)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestGetWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	repo := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := repo.LoadCurrent(context.Background())
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if attempts != repo.retries.MaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, repo.retries.MaxAttempts)
	}
}

func TestStallReaderAbortsOnNoProgress(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	body := newStallReader(pr, 20*time.Millisecond)
	defer body.Close()

	buf := make([]byte, 16)
	_, err := body.Read(buf)
	var netErr *errs.Network
	if !errors.As(err, &netErr) {
		t.Fatalf("Read = %v, want *errs.Network", err)
	}
	if netErr.Kind != "stall" || !netErr.Retryable {
		t.Fatalf("got %+v, want a retryable stall error", netErr)
	}
}

func TestStallReaderResetsOnProgress(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	body := newStallReader(pr, 30*time.Millisecond)
	defer body.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			time.Sleep(15 * time.Millisecond)
			pw.Write([]byte("x"))
		}
	}()

	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		if _, err := body.Read(buf); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
	}
	<-done
}

// bytesReaderAt adapts a []byte to io.ReadSeeker for http.ServeContent.
func bytesReaderAt(b []byte) io.ReadSeeker {
	return &sliceReadSeeker{b: b}
}

type sliceReadSeeker struct {
	b   []byte
	pos int64
}

func (s *sliceReadSeeker) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.b)) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *sliceReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var np int64
	switch whence {
	case io.SeekStart:
		np = offset
	case io.SeekCurrent:
		np = s.pos + offset
	case io.SeekEnd:
		np = int64(len(s.b)) + offset
	}
	s.pos = np
	return np, nil
}
