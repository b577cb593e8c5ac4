// Package operation implements the operation model: given a package's
// metadata, it exposes an ordered iterator over its operations and, for
// data-bearing operations, a lazy reader that pulls exactly data_size bytes
// from the package's single forward byte stream at the operation's offset,
// discarding any gap since the previous data-bearing operation.
package operation

import (
	"fmt"
	"io"

	"github.com/a-h/revctl/model"
)

// ValidateOrder enforces the data-slice invariant: among operations that
// carry a data_slice, offsets must be strictly ascending with no overlaps,
// so the package binary can be consumed as a single forward stream. It is
// run at parse time, before any byte of the package stream is read.
func ValidateOrder(ops []model.Operation) error {
	var prevEnd int64 = -1
	for i, op := range ops {
		if !op.Kind.HasData() {
			continue
		}
		if op.Data.Offset < 0 || op.Data.Size < 0 {
			return fmt.Errorf("operation %d (%s %s): negative data slice", i, op.Kind, op.Path)
		}
		if op.Data.Offset < prevEnd {
			return fmt.Errorf("operation %d (%s %s): data slice offset %d overlaps or precedes previous end %d", i, op.Kind, op.Path, op.Data.Offset, prevEnd)
		}
		prevEnd = op.Data.End()
	}
	return nil
}

// Iterator walks a package's operations in metadata order, pulling
// data-bearing operations' bytes from a single forward-only stream over
// the package binary.
type Iterator struct {
	ops    []model.Operation
	stream io.Reader
	idx    int
	pos    int64 // absolute offset into the package binary consumed so far.
}

// NewIterator returns an Iterator over meta's operations, reading
// data-bearing payloads from stream starting at absolute offset 0.
// meta.Operations must already satisfy ValidateOrder.
func NewIterator(meta model.Metadata, stream io.Reader) (*Iterator, error) {
	if err := ValidateOrder(meta.Operations); err != nil {
		return nil, err
	}
	return &Iterator{ops: meta.Operations, stream: stream}, nil
}

// Len returns the total number of operations.
func (it *Iterator) Len() int { return len(it.ops) }

// Pos returns the absolute byte offset into the package binary the stream
// has been consumed up to, for persisting as a resumption cursor.
func (it *Iterator) Pos() int64 { return it.pos }

// Seek moves the iterator to operation index i and records streamOffset as
// the stream's current position; it reads nothing from the stream itself
// (any gap before the next data offset is discarded by DataReader). It is
// used to resume an interrupted run at a previously-recorded cursor; the
// downloader must have already positioned stream at the corresponding byte
// offset via HTTP Range.
func (it *Iterator) Seek(i int, streamOffset int64) {
	it.idx = i
	it.pos = streamOffset
}

// Next returns the operation at the current cursor and advances it. ok is
// false once every operation has been returned.
func (it *Iterator) Next() (op model.Operation, idx int, ok bool) {
	if it.idx >= len(it.ops) {
		return model.Operation{}, 0, false
	}
	op, idx = it.ops[it.idx], it.idx
	it.idx++
	return op, idx, true
}

// DataReader returns a reader yielding exactly op.Data.Size bytes for a
// data-bearing operation, first discarding any gap between the stream's
// current position and op.Data.Offset, which is cheaper than issuing a
// ranged request for every gap. It must be called at most once per
// operation, in order.
func (it *Iterator) DataReader(op model.Operation) (io.Reader, error) {
	if !op.Kind.HasData() {
		return nil, fmt.Errorf("operation %s %s carries no data slice", op.Kind, op.Path)
	}
	if gap := op.Data.Offset - it.pos; gap > 0 {
		if _, err := io.CopyN(io.Discard, it.stream, gap); err != nil {
			return nil, fmt.Errorf("operation %s %s: discarding %d-byte gap before offset %d: %w", op.Kind, op.Path, gap, op.Data.Offset, err)
		}
	} else if gap < 0 {
		return nil, fmt.Errorf("operation %s %s: stream position %d already past data offset %d", op.Kind, op.Path, it.pos, op.Data.Offset)
	}
	it.pos = op.Data.Offset + op.Data.Size
	return io.LimitReader(it.stream, op.Data.Size), nil
}
