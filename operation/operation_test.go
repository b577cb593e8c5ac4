package operation

import (
	"bytes"
	"io"
	"testing"

	"github.com/a-h/revctl/model"
)

func TestValidateOrderRejectsOverlap(t *testing.T) {
	ops := []model.Operation{
		{Kind: model.KindAdd, Path: "a", Data: model.DataSlice{Offset: 0, Size: 10}, DataSHA1: "x", FinalSHA1: "y"},
		{Kind: model.KindAdd, Path: "b", Data: model.DataSlice{Offset: 5, Size: 10}, DataSHA1: "x", FinalSHA1: "y"},
	}
	if err := ValidateOrder(ops); err == nil {
		t.Fatalf("expected overlap to be rejected")
	}
}

func TestValidateOrderAcceptsGaps(t *testing.T) {
	ops := []model.Operation{
		{Kind: model.KindAdd, Path: "a", Data: model.DataSlice{Offset: 0, Size: 10}, DataSHA1: "x", FinalSHA1: "y"},
		{Kind: model.KindAdd, Path: "b", Data: model.DataSlice{Offset: 20, Size: 5}, DataSHA1: "x", FinalSHA1: "y"},
		{Kind: model.KindMkdir, Path: "c"},
	}
	if err := ValidateOrder(ops); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIteratorSkipsGapsAndReadsExactSizes(t *testing.T) {
	payload := bytes.Repeat([]byte{0}, 0)
	payload = append(payload, []byte("AAAAA")...)     // op1 data, offset 0..5
	payload = append(payload, []byte("xxxxxxxxxx")...) // gap, offset 5..15
	payload = append(payload, []byte("BBB")...)        // op2 data, offset 15..18

	ops := []model.Operation{
		{Kind: model.KindAdd, Path: "a", Data: model.DataSlice{Offset: 0, Size: 5}, DataSHA1: "x", FinalSHA1: "y"},
		{Kind: model.KindMkdir, Path: "dir"},
		{Kind: model.KindAdd, Path: "b", Data: model.DataSlice{Offset: 15, Size: 3}, DataSHA1: "x", FinalSHA1: "y"},
	}
	meta := model.Metadata{SchemaVersion: "1", Operations: ops}

	it, err := NewIterator(meta, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}

	op, _, ok := it.Next()
	if !ok {
		t.Fatal("expected first operation")
	}
	r, err := it.DataReader(op)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "AAAAA" {
		t.Errorf("op1 data = %q, want %q", got, "AAAAA")
	}

	op, _, ok = it.Next()
	if !ok || op.Kind != model.KindMkdir {
		t.Fatalf("expected mkdir operation, got %+v ok=%v", op, ok)
	}

	op, _, ok = it.Next()
	if !ok {
		t.Fatal("expected third operation")
	}
	r, err = it.DataReader(op)
	if err != nil {
		t.Fatal(err)
	}
	got, err = io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "BBB" {
		t.Errorf("op2 data = %q, want %q (gap should have been discarded)", got, "BBB")
	}

	if _, _, ok := it.Next(); ok {
		t.Errorf("expected no more operations")
	}
}
