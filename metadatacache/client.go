package metadatacache

import (
	"context"
	"io"

	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/repo"
)

// CachedClient wraps a repo.Client, serving LoadMetadataFor from Cache when
// a package's descriptor still matches what the repository's current index
// offers, and populating Cache on every miss. Every repo.Client method,
// LoadMetadata included, passes straight through to the underlying client.
type CachedClient struct {
	Underlying repo.Client
	Cache      *Cache
}

var _ repo.Client = (*CachedClient)(nil)

func (c *CachedClient) LoadCurrent(ctx context.Context) (model.Current, error) {
	return c.Underlying.LoadCurrent(ctx)
}

func (c *CachedClient) LoadVersions(ctx context.Context) ([]model.Version, error) {
	return c.Underlying.LoadVersions(ctx)
}

func (c *CachedClient) LoadPackages(ctx context.Context) ([]model.PackageRef, error) {
	return c.Underlying.LoadPackages(ctx)
}

// LoadMetadata fetches from the underlying client without reading or
// populating Cache. Cached reads, validated against the package's current
// descriptor, go through LoadMetadataFor.
func (c *CachedClient) LoadMetadata(ctx context.Context, packageName string) (model.Metadata, error) {
	return c.Underlying.LoadMetadata(ctx, packageName)
}

// LoadMetadataFor serves ref's metadata from Cache when present and still
// matching ref's (from, to, size) descriptor, falling back to the
// underlying client and populating Cache on a miss or stale hit.
func (c *CachedClient) LoadMetadataFor(ctx context.Context, ref model.PackageRef) (model.Metadata, error) {
	if meta, ok, err := c.Cache.Get(ctx, ref); err == nil && ok {
		return meta, nil
	}
	// A present-but-stale entry (descriptor mismatch) is never served by
	// Get; drop it here rather than leaving a dead row for every
	// repository rebuild that changes a package's (from, to, size).
	_ = c.Cache.Invalidate(ctx, ref.Name)
	meta, err := c.Underlying.LoadMetadata(ctx, ref.Name)
	if err != nil {
		return model.Metadata{}, err
	}
	_ = c.Cache.Put(ctx, ref, meta)
	return meta, nil
}

// PruneToIndex removes every cached entry whose package name is not in
// packages, so a long-lived cache doesn't accumulate entries for package
// names a repository rewrite or rebuild has superseded.
func (c *CachedClient) PruneToIndex(ctx context.Context, packages []model.PackageRef) error {
	keep := make(map[string]bool, len(packages))
	for _, p := range packages {
		keep[p.Name] = true
	}
	return c.Cache.Prune(ctx, keep)
}

func (c *CachedClient) OpenPackageStream(ctx context.Context, packageName string, r repo.ByteRange) (io.ReadCloser, bool, error) {
	return c.Underlying.OpenPackageStream(ctx, packageName, r)
}
