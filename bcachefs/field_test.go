package bcachefs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/xerrors"
)

func TestResizeField(t *testing.T) {
	sb := &Superblock{}

	f := sb.resizeField(FieldReplicas, 3)
	if len(f.Data) != 16 {
		t.Fatalf("expected 16 payload bytes, actual %d", len(f.Data))
	}
	copy(f.Data, []byte{1, 2, 3, 4})

	// grow: content kept, new bytes zero
	f = sb.resizeField(FieldReplicas, 5)
	if len(f.Data) != 32 {
		t.Fatalf("expected 32 payload bytes, actual %d", len(f.Data))
	}
	if !bytes.Equal(f.Data[:4], []byte{1, 2, 3, 4}) {
		t.Error("payload lost across growth")
	}
	for _, b := range f.Data[4:] {
		if b != 0 {
			t.Fatal("expected zero fill past the old payload")
		}
	}

	// shrink
	f = sb.resizeField(FieldReplicas, 2)
	if len(f.Data) != 8 {
		t.Fatalf("expected 8 payload bytes, actual %d", len(f.Data))
	}

	if len(sb.Fields) != 1 {
		t.Fatalf("expected a single field, actual %d", len(sb.Fields))
	}
}

func TestDecodeFieldsRejectsBadArea(t *testing.T) {
	mkField := func(u64s uint32, typ FieldType, payload []byte) []byte {
		b := make([]byte, 8+len(payload))
		binary.LittleEndian.PutUint32(b[0:4], u64s)
		binary.LittleEndian.PutUint32(b[4:8], uint32(typ))
		copy(b[8:], payload)
		return b
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "zero length field",
			raw:  mkField(0, FieldMembers, nil),
		},
		{
			name: "field past end of area",
			raw:  mkField(4, FieldMembers, make([]byte, 8)),
		},
		{
			name: "trailing runt",
			raw:  append(mkField(1, FieldMembers, nil), 0xff),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFields(tt.raw)
			if err == nil || err.Error() != "Invalid superblock: invalid optional field" {
				t.Errorf("expected invalid optional field error, actual %v", err)
			}
		})
	}
}

func TestHandleResizeFieldBudget(t *testing.T) {
	sb := testSuperblock()
	h := &Handle{SB: sb, buf: NewBuffer()}

	// layout bits 7: 64KiB per copy
	if _, err := h.ResizeField(FieldReplicas, 16); err != nil {
		t.Fatal(err)
	}

	before := sb.FieldsU64s()
	hugeU64s := uint32((sb.Layout.MaxSBSize()-headerSize)/8) + 1

	_, err := h.ResizeField(FieldReplicas, hugeU64s)
	if !xerrors.Is(err, ErrTooBig) {
		t.Fatalf("expected ErrTooBig, actual %v", err)
	}
	if sb.FieldsU64s() != before {
		t.Error("image changed by a rejected resize")
	}
}
