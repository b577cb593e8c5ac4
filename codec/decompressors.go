package codec

import (
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// nopCloser adapts a reader with no Close method to io.ReadCloser without
// pulling in io.NopCloser's "any io.Reader" signature mismatch for readers
// that already happen to have an unrelated Close.
type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

func newIdentityDecompressor(r io.Reader) (Decompressor, error) {
	return nopCloser{r}, nil
}

func newBrotliDecompressor(r io.Reader) (Decompressor, error) {
	return nopCloser{brotli.NewReader(r)}, nil
}

func newZstdDecompressor(r io.Reader) (Decompressor, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zstdCloser{dec}, nil
}

// zstdCloser adapts *zstd.Decoder.Close (which has no error return) to
// io.ReadCloser.
type zstdCloser struct {
	*zstd.Decoder
}

func (z zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func newLZMADecompressor(r io.Reader) (Decompressor, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return nopCloser{xr}, nil
}
