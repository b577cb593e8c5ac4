// Package model describes the JSON-level shape of the repository index and
// per-package metadata documents: versions, packages, and the operations a
// package carries. Numeric fields that can exceed 2^53 (sizes, offsets) are
// encoded as decimal strings on the wire, per the repository's external
// interface.
package model

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the only "version" value this client understands for any
// of the repository's JSON documents.
const SchemaVersion = "1"

// Version describes one published revision.
type Version struct {
	Revision    string `json:"revision"`
	Description string `json:"description,omitempty"`
}

// PackageRef identifies one edge of the version graph: a transition from one
// revision to another (From == "" means a standalone install of To).
type PackageRef struct {
	From string `json:"from"`
	To   string `json:"to"`
	Name string `json:"name"`
	Size int64  `json:"size,string"`
}

// IsStandalone reports whether this package installs To from nothing.
func (p PackageRef) IsStandalone() bool {
	return p.From == ""
}

// Current is the repository's pointer to its active revision.
type Current struct {
	SchemaVersion string `json:"version"`
	Revision      string `json:"revision"`
}

// VersionsDoc is the repository's `versions` document.
type VersionsDoc struct {
	SchemaVersion string    `json:"version"`
	Versions      []Version `json:"versions"`
}

// PackagesDoc is the repository's `packages` document.
type PackagesDoc struct {
	SchemaVersion string       `json:"version"`
	Packages      []PackageRef `json:"packages"`
}

// Compression names a decompressor a data-bearing operation was encoded with.
type Compression string

const (
	CompressionBrotli Compression = "brotli"
	CompressionZstd   Compression = "zstd"
	CompressionLZMA   Compression = "lzma"
	CompressionUE4Pak Compression = "ue4pak"
	CompressionNone   Compression = "none"
)

// PatchType names a patcher a `patch` operation was encoded with.
type PatchType string

// PatchVCDiff is the only patch type this spec defines.
const PatchVCDiff PatchType = "vcdiff"

// Kind discriminates the variants of Operation.
type Kind string

const (
	KindAdd   Kind = "add"
	KindPatch Kind = "patch"
	KindCheck Kind = "check"
	KindRemove Kind = "rm"
	KindMkdir Kind = "mkdir"
	KindRmdir Kind = "rmdir"
)

// HasData reports whether operations of this kind carry a data_slice into
// the package binary.
func (k Kind) HasData() bool {
	return k == KindAdd || k == KindPatch
}

// DataSlice is an (offset, size) pair into a package's binary blob.
type DataSlice struct {
	Offset int64
	Size   int64
}

// End returns the first offset past this slice.
func (d DataSlice) End() int64 {
	return d.Offset + d.Size
}

// Operation is one filesystem action at a workspace-relative path, carried
// by a package's metadata. Only the fields relevant to Kind are populated;
// each variant requires its own subset (add needs dataSha1/finalSha1,
// patch additionally needs localSha1, check needs only finalSha1, and
// rm/mkdir/rmdir need only a path).
type Operation struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`

	Data            DataSlice   `json:"-"`
	DataSHA1        string      `json:"dataSha1,omitempty"`
	DataCompression Compression `json:"dataCompression,omitempty"`

	PatchType PatchType `json:"patchType,omitempty"`
	LocalSize int64     `json:"-"`
	LocalSHA1 string    `json:"localSha1,omitempty"`

	FinalSize int64  `json:"-"`
	FinalSHA1 string `json:"finalSha1,omitempty"`
}

// rawOperation mirrors the wire encoding, where every numeric field is a
// decimal string and only the fields relevant to Kind are present.
type rawOperation struct {
	Kind            Kind        `json:"kind"`
	Path            string      `json:"path"`
	DataOffset      *string     `json:"dataOffset,omitempty"`
	DataSize        *string     `json:"dataSize,omitempty"`
	DataSHA1        string      `json:"dataSha1,omitempty"`
	DataCompression Compression `json:"dataCompression,omitempty"`
	PatchType       PatchType   `json:"patchType,omitempty"`
	LocalSize       *string     `json:"localSize,omitempty"`
	LocalSHA1       string      `json:"localSha1,omitempty"`
	FinalSize       *string     `json:"finalSize,omitempty"`
	FinalSHA1       string      `json:"finalSha1,omitempty"`
}

func parseDecimal(field string, s *string) (int64, error) {
	if s == nil {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(*s, "%d", &n); err != nil {
		return 0, fmt.Errorf("field %s: invalid decimal integer %q: %w", field, *s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("field %s: negative integer %q", field, *s)
	}
	return n, nil
}

// UnmarshalJSON decodes an operation and validates the required-field table
// for its Kind.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var raw rawOperation
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	op := Operation{
		Kind:            raw.Kind,
		Path:            raw.Path,
		DataSHA1:        raw.DataSHA1,
		DataCompression: raw.DataCompression,
		PatchType:       raw.PatchType,
		LocalSHA1:       raw.LocalSHA1,
		FinalSHA1:       raw.FinalSHA1,
	}

	var err error
	if op.Data.Offset, err = parseDecimal("dataOffset", raw.DataOffset); err != nil {
		return err
	}
	if op.Data.Size, err = parseDecimal("dataSize", raw.DataSize); err != nil {
		return err
	}
	if op.LocalSize, err = parseDecimal("localSize", raw.LocalSize); err != nil {
		return err
	}
	if op.FinalSize, err = parseDecimal("finalSize", raw.FinalSize); err != nil {
		return err
	}

	if err := op.validate(); err != nil {
		return err
	}

	*o = op
	return nil
}

// MarshalJSON encodes an operation back to the wire shape, emitting only the
// fields relevant to Kind.
func (o Operation) MarshalJSON() ([]byte, error) {
	raw := rawOperation{
		Kind:            o.Kind,
		Path:            o.Path,
		DataSHA1:        o.DataSHA1,
		DataCompression: o.DataCompression,
		PatchType:       o.PatchType,
		LocalSHA1:       o.LocalSHA1,
		FinalSHA1:       o.FinalSHA1,
	}
	if o.Kind.HasData() {
		off := fmt.Sprintf("%d", o.Data.Offset)
		size := fmt.Sprintf("%d", o.Data.Size)
		raw.DataOffset = &off
		raw.DataSize = &size
	}
	if o.Kind == KindPatch {
		ls := fmt.Sprintf("%d", o.LocalSize)
		raw.LocalSize = &ls
	}
	if o.Kind == KindAdd || o.Kind == KindPatch || o.Kind == KindCheck {
		fs := fmt.Sprintf("%d", o.FinalSize)
		raw.FinalSize = &fs
	}
	return json.Marshal(raw)
}

func (o Operation) validate() error {
	if o.Path == "" && o.Kind != "" {
		return fmt.Errorf("operation %s: path is required", o.Kind)
	}
	switch o.Kind {
	case KindAdd:
		if o.DataSHA1 == "" || o.FinalSHA1 == "" {
			return fmt.Errorf("operation add %s: dataSha1 and finalSha1 are required", o.Path)
		}
	case KindPatch:
		if o.DataSHA1 == "" || o.FinalSHA1 == "" || o.LocalSHA1 == "" {
			return fmt.Errorf("operation patch %s: dataSha1, localSha1 and finalSha1 are required", o.Path)
		}
		if o.PatchType != PatchVCDiff {
			return fmt.Errorf("operation patch %s: unsupported patchType %q", o.Path, o.PatchType)
		}
	case KindCheck:
		if o.FinalSHA1 == "" {
			return fmt.Errorf("operation check %s: finalSha1 is required", o.Path)
		}
	case KindRemove, KindMkdir, KindRmdir:
		// Path only.
	default:
		return fmt.Errorf("unknown operation kind %q at path %q", o.Kind, o.Path)
	}
	return nil
}

// Metadata is a package's full operation list plus its descriptor.
type Metadata struct {
	SchemaVersion string      `json:"version"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Size          int64       `json:"size,string"`
	Operations    []Operation `json:"operations"`
}

// Descriptor returns the (from, to, size) triple used to validate that a
// resumed plan still matches what the repository currently offers.
func (m Metadata) Descriptor() PackageRef {
	return PackageRef{From: m.From, To: m.To, Size: m.Size}
}
