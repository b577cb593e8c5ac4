// Package codec implements a registry of named, streaming decompressors and
// a named streaming patcher, resolved by lowercase name at the point an
// operation needs them. Unknown names yield errs.UnsupportedCodec rather
// than a panic, so the applier can hand the operation off to the repair
// driver instead of aborting the run.
package codec

import (
	"io"

	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/model"
)

// Decompressor is an incremental byte-in/byte-out stream transform. It must
// not require the upstream reader to reach EOF before producing output,
// since the applier pulls from it while the downloader is still streaming
// the package's bytes.
type Decompressor = io.ReadCloser

// DecompressorFactory wraps a compressed-data source with a Decompressor.
type DecompressorFactory func(r io.Reader) (Decompressor, error)

// Patcher applies a decompressed delta stream against the full contents of
// the file being patched, writing the reconstructed final bytes to out.
type Patcher func(original []byte, delta io.Reader, out io.Writer) error

// Registry resolves codec names to factories.
type Registry struct {
	decompressors map[model.Compression]DecompressorFactory
	patchers      map[model.PatchType]Patcher
}

// NewRegistry returns a Registry with every built-in codec wired in: brotli,
// zstd, lzma and the identity pseudo-codec none as decompressors, vcdiff as
// the only patcher, and ue4pak as a decompressor that dispatches to one of
// the others per an embedded frame tag (see ue4pak.go).
func NewRegistry() *Registry {
	reg := &Registry{
		decompressors: make(map[model.Compression]DecompressorFactory, 5),
		patchers:      make(map[model.PatchType]Patcher, 1),
	}
	reg.decompressors[model.CompressionNone] = newIdentityDecompressor
	reg.decompressors[model.CompressionBrotli] = newBrotliDecompressor
	reg.decompressors[model.CompressionZstd] = newZstdDecompressor
	reg.decompressors[model.CompressionLZMA] = newLZMADecompressor
	reg.decompressors[model.CompressionUE4Pak] = reg.newUE4PakDecompressor
	reg.patchers[model.PatchVCDiff] = ApplyVCDiff
	return reg
}

// Decompressor resolves name to a Decompressor wrapping src, or returns
// *errs.UnsupportedCodec.
func (r *Registry) Decompressor(name model.Compression, src io.Reader) (Decompressor, error) {
	factory, ok := r.decompressors[name]
	if !ok {
		return nil, &errs.UnsupportedCodec{Name: string(name)}
	}
	return factory(src)
}

// Patcher resolves name to a Patcher, or returns *errs.UnsupportedCodec.
func (r *Registry) Patcher(name model.PatchType) (Patcher, error) {
	patcher, ok := r.patchers[name]
	if !ok {
		return nil, &errs.UnsupportedCodec{Name: string(name)}
	}
	return patcher, nil
}

// Register adds or replaces the decompressor factory for name, letting
// callers extend the registry with codecs this package does not ship.
func (r *Registry) Register(name model.Compression, factory DecompressorFactory) {
	r.decompressors[name] = factory
}
