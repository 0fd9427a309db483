package bcachefs

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

// FieldType tags a variable-length sub-record inside the superblock. The
// enumeration is part of the on-disk format.
type FieldType uint32

const (
	FieldJournal FieldType = iota
	FieldMembers
	FieldCrypt
	FieldReplicas
	FieldNR
)

var fieldNames = [FieldNR]string{
	FieldJournal:  "journal",
	FieldMembers:  "members",
	FieldCrypt:    "crypt",
	FieldReplicas: "replicas",
}

func (t FieldType) String() string {
	if t < FieldNR {
		return fieldNames[t]
	}
	return "unknown"
}

// Field is one typed sub-record. Data is the payload, always a multiple of
// 8 bytes; the on-disk length (U64s) includes the 8-byte field header.
type Field struct {
	Type FieldType
	Data []byte
}

// U64s is the on-disk length of the field in 8-byte words, header included.
func (f *Field) U64s() uint32 {
	return uint32(1 + len(f.Data)/8)
}

func (f *Field) encodeInto(buf *bytes.Buffer) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.U64s())
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(f.Type))
	buf.Write(hdr[:])
	buf.Write(f.Data)
}

// decodeFields parses the packed field area. Every declared extent must stay
// within the area and no field may be empty.
func decodeFields(raw []byte) ([]Field, error) {
	var fields []Field
	for len(raw) > 0 {
		if len(raw) < 8 {
			return nil, xerrors.New("Invalid superblock: invalid optional field")
		}
		u64s := binary.LittleEndian.Uint32(raw[0:4])
		typ := FieldType(binary.LittleEndian.Uint32(raw[4:8]))
		if u64s == 0 {
			return nil, xerrors.New("Invalid superblock: invalid optional field")
		}
		n := int(u64s) * 8
		if n > len(raw) {
			return nil, xerrors.New("Invalid superblock: invalid optional field")
		}
		data := make([]byte, n-8)
		copy(data, raw[8:n])
		fields = append(fields, Field{Type: typ, Data: data})
		raw = raw[n:]
	}
	return fields, nil
}

// Field returns the first field of the given type, or nil. Linear scan;
// directory order carries no meaning beyond iteration order.
func (sb *Superblock) Field(t FieldType) *Field {
	for i := range sb.Fields {
		if sb.Fields[i].Type == t {
			return &sb.Fields[i]
		}
	}
	return nil
}

// resizeField grows or shrinks the payload of the field of type t to u64s
// words (header included), zero-filling newly exposed bytes; a missing field
// is appended at the end. No size budget is enforced here.
func (sb *Superblock) resizeField(t FieldType, u64s uint32) *Field {
	if u64s == 0 {
		u64s = 1
	}
	newLen := int(u64s-1) * 8

	f := sb.Field(t)
	if f == nil {
		sb.Fields = append(sb.Fields, Field{Type: t, Data: make([]byte, newLen)})
		return &sb.Fields[len(sb.Fields)-1]
	}

	switch {
	case newLen < len(f.Data):
		f.Data = f.Data[:newLen]
	case newLen > len(f.Data):
		nd := make([]byte, newLen)
		copy(nd, f.Data)
		f.Data = nd
	}
	return f
}

// ResizeField resizes a field on this device's superblock, enforcing the
// per-copy budget from the embedded layout. On failure the image is left
// untouched.
func (h *Handle) ResizeField(t FieldType, u64s uint32) (*Field, error) {
	var oldU64s uint32
	if f := h.SB.Field(t); f != nil {
		oldU64s = f.U64s()
	}
	newTotal := totalBytesFor(h.SB.FieldsU64s() - oldU64s + u64s)

	if err := h.buf.EnsureSBCapacity(int(newTotal), h.SB.Layout.MaxSBSize()); err != nil {
		return nil, err
	}
	return h.SB.resizeField(t, u64s), nil
}

// resizeField resizes a field on the filesystem-wide superblock. Every
// online member must have room for the grown image or the whole resize is
// aborted; nothing is committed partially. Must be called with SBLock held.
func (c *FileSystem) resizeField(t FieldType, u64s uint32) (*Field, error) {
	var oldU64s uint32
	if f := c.sb.Field(t); f != nil {
		oldU64s = f.U64s()
	}
	d := int64(u64s) - int64(oldU64s)

	// XXX: offline members are not space-checked
	for _, ca := range c.onlineMembers() {
		devU64s := int64(ca.sb.SB.FieldsU64s()) + d
		devTotal := totalBytesFor(uint32(devU64s))
		if err := ca.sb.buf.EnsureSBCapacity(int(devTotal), ca.sb.SB.Layout.MaxSBSize()); err != nil {
			return nil, xerrors.Errorf("%s: %w", ca.sb.dev.Path(), err)
		}
	}

	c.buf.EnsureCapacity(int(totalBytesFor(uint32(int64(c.sb.FieldsU64s()) + d))))
	return c.sb.resizeField(t, u64s), nil
}
