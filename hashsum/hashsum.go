// Package hashsum provides streaming integrity primitives: a SHA-1 absorber
// that can be driven incrementally alongside decompression and disk
// writes, plus a byte counter for progress accounting. The pattern is
// tee-ing a stream through a running hash while it is consumed for another
// purpose, so nothing is read from disk or the network twice.
package hashsum

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
)

// Absorber hashes bytes as they pass through it and counts them, without
// buffering. It implements io.Writer so it can be composed with io.TeeReader
// or io.MultiWriter at any stage of a pipeline.
type Absorber struct {
	h     hash.Hash
	count int64
}

// New returns a ready-to-use SHA-1 absorber.
func New() *Absorber {
	return &Absorber{h: sha1.New()}
}

// Write implements io.Writer, feeding p into the running hash and counter.
func (a *Absorber) Write(p []byte) (int, error) {
	n, err := a.h.Write(p)
	a.count += int64(n)
	return n, err
}

// Count returns the number of bytes absorbed so far.
func (a *Absorber) Count() int64 {
	return a.count
}

// Digest returns the lowercase hex SHA-1 digest of everything absorbed so
// far. It does not reset the absorber.
func (a *Absorber) Digest() string {
	sum := a.h.Sum(nil)
	return hex.EncodeToString(sum)
}

// Tee returns a reader that absorbs every byte read from r before returning
// it to the caller, so a single pass over r can both hash it and feed it
// onward to a decompressor or file writer.
func Tee(r io.Reader, a *Absorber) io.Reader {
	return io.TeeReader(r, a)
}

// Verify compares a computed digest against an expected lowercase hex SHA-1
// string, case-insensitively, and reports whether they match.
func Verify(expected, actual string) bool {
	if len(expected) != len(actual) {
		return false
	}
	for i := 0; i < len(expected); i++ {
		a, b := expected[i], actual[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
