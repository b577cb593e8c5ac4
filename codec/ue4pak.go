package codec

import (
	"fmt"
	"io"

	"github.com/a-h/revctl/model"
)

// ue4pak frame tags, one byte at the start of the stream, naming the inner
// codec the rest of the stream was compressed with. Unreal Engine's pak
// format itself stores a compression method per block inside the pak
// index, outside the byte stream this registry ever sees; this frame tag
// is this client's own minimal stand-in so `ue4pak` can be treated like any
// other named decompressor: a byte-in/byte-out stream transformer.
const (
	ue4pakTagNone   byte = 0
	ue4pakTagZstd   byte = 1
	ue4pakTagBrotli byte = 2
	ue4pakTagLZMA   byte = 3
)

func (r *Registry) newUE4PakDecompressor(src io.Reader) (Decompressor, error) {
	var tag [1]byte
	if _, err := io.ReadFull(src, tag[:]); err != nil {
		return nil, fmt.Errorf("ue4pak: reading frame tag: %w", err)
	}

	var inner model.Compression
	switch tag[0] {
	case ue4pakTagNone:
		inner = model.CompressionNone
	case ue4pakTagZstd:
		inner = model.CompressionZstd
	case ue4pakTagBrotli:
		inner = model.CompressionBrotli
	case ue4pakTagLZMA:
		inner = model.CompressionLZMA
	default:
		return nil, fmt.Errorf("ue4pak: unknown inner codec tag %d", tag[0])
	}

	return r.Decompressor(inner, src)
}
