// Package repo implements the repository client: fetching the three index
// JSON documents, a package's metadata, and opening a (optionally ranged)
// byte stream over a package's binary. Two transports are provided,
// HTTPRepository for a plain static HTTP(S) host and S3Repository for a
// repository published directly to an S3-compatible bucket, behind a single
// read-only, range-capable Client interface.
package repo

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/model"
	"github.com/a-h/revctl/operation"
)

// ByteRange requests bytes [Start, Start+Length) of a package's binary.
// Length == 0 requests everything from Start to the end of the object, so
// the zero value requests the whole object.
type ByteRange struct {
	Start  int64
	Length int64
}

// Client is the repository client surface.
type Client interface {
	LoadCurrent(ctx context.Context) (model.Current, error)
	LoadVersions(ctx context.Context) ([]model.Version, error)
	LoadPackages(ctx context.Context) ([]model.PackageRef, error)
	LoadMetadata(ctx context.Context, packageName string) (model.Metadata, error)
	// OpenPackageStream returns a reader over a package's binary, honoring
	// r unless it is the zero value. If the transport cannot honor the requested
	// range it falls back to a full download starting at byte 0, and
	// resumedFromZero reports that fallback so callers relying on a byte
	// offset can adjust bookkeeping.
	OpenPackageStream(ctx context.Context, packageName string, r ByteRange) (stream io.ReadCloser, resumedFromZero bool, err error)
}

// Index is the parsed, cross-validated union of the repository's three
// JSON documents.
type Index struct {
	Current  model.Current
	Versions []model.Version
	Packages []model.PackageRef
}

// pathFinal tracks, per (path, to-revision), the final_sha1 every loaded
// package metadata claims, so LoadIndex can detect disagreeing packages.
type pathFinal struct {
	path    string
	to      string
	sha1    string
	sha1Set bool
	size    int64
}

// refCachedMetadataLoader is implemented by Client wrappers (see
// metadatacache.CachedClient) that can validate a cache hit against a
// package's current (from, to, size) descriptor before serving it.
type refCachedMetadataLoader interface {
	LoadMetadataFor(ctx context.Context, ref model.PackageRef) (model.Metadata, error)
}

// loadMetadata prefers a descriptor-validated cache hit when client
// supports it, falling back to a plain fetch otherwise.
func loadMetadata(ctx context.Context, client Client, ref model.PackageRef) (model.Metadata, error) {
	if cached, ok := client.(refCachedMetadataLoader); ok {
		return cached.LoadMetadataFor(ctx, ref)
	}
	return client.LoadMetadata(ctx, ref.Name)
}

// LoadIndex loads and cross-validates the repository's index. It fetches
// every package's metadata once and rejects the repository with
// *errs.MalformedRepository if two packages sharing a `to` revision
// disagree about a path's final_sha1 or final_size.
func LoadIndex(ctx context.Context, c Client) (Index, error) {
	idx := Index{}
	var err error
	if idx.Current, err = c.LoadCurrent(ctx); err != nil {
		return Index{}, err
	}
	if idx.Versions, err = c.LoadVersions(ctx); err != nil {
		return Index{}, err
	}
	if idx.Packages, err = c.LoadPackages(ctx); err != nil {
		return Index{}, err
	}

	seen := map[string]pathFinal{} // key: to + "\x00" + path
	for _, p := range idx.Packages {
		meta, err := loadMetadata(ctx, c, p)
		if err != nil {
			return Index{}, err
		}
		if err := operation.ValidateOrder(meta.Operations); err != nil {
			return Index{}, &errs.MalformedRepository{Which: p.Name + ".metadata", Detail: err.Error()}
		}
		for _, op := range meta.Operations {
			if op.Kind != model.KindAdd && op.Kind != model.KindPatch && op.Kind != model.KindCheck {
				continue
			}
			key := meta.To + "\x00" + op.Path
			prev, ok := seen[key]
			if !ok {
				seen[key] = pathFinal{path: op.Path, to: meta.To, sha1: op.FinalSHA1, sha1Set: true, size: op.FinalSize}
				continue
			}
			if prev.sha1 != op.FinalSHA1 || prev.size != op.FinalSize {
				return Index{}, &errs.MalformedRepository{
					Which: "packages",
					Detail: fmt.Sprintf("path %q at revision %q: disagreeing final state (sha1 %s/%s, size %d/%d) across packages",
						op.Path, meta.To, prev.sha1, op.FinalSHA1, prev.size, op.FinalSize),
				}
			}
		}
	}

	return idx, nil
}
