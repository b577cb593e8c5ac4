// Package metadatacache caches parsed package metadata documents behind a
// pluggable key/value store, so repeated planning and repair passes over a
// large repository index don't re-fetch and re-parse every package's
// metadata JSON on every invocation: a cold client fetching all of them is
// the dominant latency cost for `revctl status`/`revctl plan`. Entries are
// keyed by URL-escaped package name and stored via kv's optimistic
// concurrency counter.
package metadatacache

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/a-h/kv"
	"github.com/a-h/kv/postgreskv"
	"github.com/a-h/kv/rqlitekv"
	"github.com/a-h/kv/sqlitekv"
	"github.com/jackc/pgx/v5/pgxpool"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/a-h/revctl/model"
)

// Cache stores parsed model.Metadata documents keyed by package name.
type Cache struct {
	store kv.Store
}

// New wraps an already-opened kv.Store.
func New(store kv.Store) *Cache {
	return &Cache{store: store}
}

// Open resolves dbType/dsn to a backend, initializes its schema, and
// returns a ready Cache plus a closer to release its connection pool.
func Open(ctx context.Context, dbType, dsn string) (cache *Cache, closer func() error, err error) {
	var store kv.Store
	switch dbType {
	case "sqlite":
		store, closer, err = newSqliteStore(dsn)
	case "rqlite":
		store, closer, err = newRqliteStore(dsn)
	case "postgres":
		store, closer, err = newPostgresStore(ctx, dsn)
	default:
		return nil, nil, fmt.Errorf("metadatacache: unsupported database type %q", dbType)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = closer()
		return nil, nil, err
	}
	return New(store), closer, nil
}

func newSqliteStore(dsn string) (kv.Store, func() error, error) {
	dsnURI, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	opts := sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI,
	}
	if strings.EqualFold(dsnURI.Query().Get("_journal_mode"), "wal") {
		opts.Flags |= sqlite.OpenWAL
	}
	pool, err := sqlitex.NewPool(dsn, opts)
	if err != nil {
		return nil, nil, err
	}
	return sqlitekv.NewStore(pool), pool.Close, nil
}

func newRqliteStore(dsn string) (kv.Store, func() error, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, err
	}
	client := rqlitehttp.NewClient(dsn, nil)
	if u.User != nil {
		pwd, _ := u.User.Password()
		client.SetBasicAuth(u.User.Username(), pwd)
	}
	return rqlitekv.NewStore(client), func() error { return nil }, nil
}

func newPostgresStore(ctx context.Context, dsn string) (kv.Store, func() error, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return postgreskv.NewStore(pool), func() error { pool.Close(); return nil }, nil
}

func key(packageName string) string {
	return path.Join("/revctl/metadata", url.PathEscape(packageName))
}

// entry is the cached value: the metadata plus the descriptor it was
// fetched against, so a cache hit can be rejected if the repository's
// package index now disagrees (e.g. a repository was rebuilt with the
// same package name pointing at different bytes).
type entry struct {
	Descriptor model.PackageRef `json:"descriptor"`
	Metadata   model.Metadata   `json:"metadata"`
}

// Get returns the cached metadata for ref, if present and still matching
// ref's (from, to, size) descriptor.
func (c *Cache) Get(ctx context.Context, ref model.PackageRef) (model.Metadata, bool, error) {
	var e entry
	_, ok, err := c.store.Get(ctx, key(ref.Name), &e)
	if err != nil {
		return model.Metadata{}, false, err
	}
	if !ok || e.Descriptor != ref {
		return model.Metadata{}, false, nil
	}
	return e.Metadata, true, nil
}

// Put caches meta against ref, overwriting any previous entry.
func (c *Cache) Put(ctx context.Context, ref model.PackageRef, meta model.Metadata) error {
	return c.store.Put(ctx, key(ref.Name), -1, entry{Descriptor: ref, Metadata: meta})
}

// Invalidate removes a package's cached metadata, e.g. after repair
// observes the repository rebuilt a package under the same name.
func (c *Cache) Invalidate(ctx context.Context, packageName string) error {
	_, err := c.store.Delete(ctx, key(packageName))
	return err
}

// Prune removes every cached entry whose package name is not in keep,
// so a cache doesn't grow unbounded across repository revisions with
// many superseded package names.
func (c *Cache) Prune(ctx context.Context, keep map[string]bool) error {
	rows, err := c.store.GetPrefix(ctx, "/revctl/metadata/", 0, -1)
	if err != nil {
		return err
	}
	for _, row := range rows {
		name, err := url.PathUnescape(path.Base(row.Key))
		if err != nil {
			continue
		}
		if keep[name] {
			continue
		}
		if _, err := c.store.Delete(ctx, row.Key); err != nil {
			return err
		}
	}
	return nil
}
