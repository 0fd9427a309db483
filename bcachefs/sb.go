package bcachefs

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Magic identifies a bcachefs superblock and layout
// (c68573f6-4e1a-45ca-8265-f57f48ba6d81).
var Magic = [16]byte{
	0xc6, 0x85, 0x73, 0xf6, 0x4e, 0x1a, 0x45, 0xca,
	0x82, 0x65, 0xf5, 0x7f, 0x48, 0xba, 0x6d, 0x81,
}

const (
	// Version is the single supported on-disk version. Anything else is
	// rejected; no forward or backward compatibility at this layer.
	Version = 4

	MembersMax  = 64
	ReplicasMax = 4

	// BtreeNodeSizeMax is in sectors (256KiB).
	BtreeNodeSizeMax = 512

	// MinBuckets is the required number of usable buckets past
	// first_bucket on every member.
	MinBuckets = 1 << 10

	LabelSize = 32

	nsecPerSec = 1000000000
)

// headerSize is the fixed superblock header, including the embedded layout.
const headerSize = 752

// sbOnDisk is the fixed header as stored, little-endian, checksum first.
type sbOnDisk struct {
	Csum          Csum
	Version       uint64
	Magic         [16]byte
	UUID          uuid.UUID
	UserUUID      uuid.UUID
	Label         [32]byte
	Offset        uint64
	Seq           uint64
	BlockSize     uint16
	DevIdx        uint8
	NrDevices     uint8
	U64s          uint32
	TimeBaseLo    uint64
	TimeBaseHi    uint32
	TimePrecision uint32
	Flags         [8]uint64
	Features      [2]uint64
	Compat        [2]uint64
	Layout        Layout
}

// Superblock is a decoded superblock image: the fixed header plus the packed
// sequence of typed fields.
type Superblock struct {
	Csum          Csum
	Version       uint64
	Magic         [16]byte
	UUID          uuid.UUID
	UserUUID      uuid.UUID
	Label         [32]byte
	Offset        uint64 // sector this copy was read from / written to
	Seq           uint64
	BlockSize     uint16 // sectors
	DevIdx        uint8
	NrDevices     uint8
	TimeBaseLo    uint64
	TimeBaseHi    uint32
	TimePrecision uint32
	Flags         [8]uint64
	Features      [2]uint64
	Compat        [2]uint64
	Layout        Layout

	Fields []Field
}

/* flag bitfields, all in Flags[0] */

func getBits(v uint64, lo, hi uint) uint64 {
	return (v >> lo) & (1<<(hi-lo) - 1)
}

func setBits(v *uint64, lo, hi uint, val uint64) {
	mask := uint64(1<<(hi-lo)-1) << lo
	*v = *v&^mask | (val << lo & mask)
}

func (sb *Superblock) CsumType() CsumType { return CsumType(getBits(sb.Flags[0], 0, 4)) }
func (sb *Superblock) SetCsumType(t CsumType) { setBits(&sb.Flags[0], 0, 4, uint64(t)) }

func (sb *Superblock) MetaReplicasWant() uint8     { return uint8(getBits(sb.Flags[0], 4, 8)) }
func (sb *Superblock) SetMetaReplicasWant(n uint8) { setBits(&sb.Flags[0], 4, 8, uint64(n)) }

func (sb *Superblock) DataReplicasWant() uint8     { return uint8(getBits(sb.Flags[0], 8, 12)) }
func (sb *Superblock) SetDataReplicasWant(n uint8) { setBits(&sb.Flags[0], 8, 12, uint64(n)) }

func (sb *Superblock) MetaReplicasReq() uint8     { return uint8(getBits(sb.Flags[0], 12, 16)) }
func (sb *Superblock) SetMetaReplicasReq(n uint8) { setBits(&sb.Flags[0], 12, 16, uint64(n)) }

func (sb *Superblock) DataReplicasReq() uint8     { return uint8(getBits(sb.Flags[0], 16, 20)) }
func (sb *Superblock) SetDataReplicasReq(n uint8) { setBits(&sb.Flags[0], 16, 20, uint64(n)) }

// BtreeNodeSize is in sectors.
func (sb *Superblock) BtreeNodeSize() uint32     { return uint32(getBits(sb.Flags[0], 20, 36)) }
func (sb *Superblock) SetBtreeNodeSize(n uint32) { setBits(&sb.Flags[0], 20, 36, uint64(n)) }

func (sb *Superblock) GCReserve() uint8     { return uint8(getBits(sb.Flags[0], 36, 44)) }
func (sb *Superblock) SetGCReserve(n uint8) { setBits(&sb.Flags[0], 36, 44, uint64(n)) }

func (sb *Superblock) Initialized() bool { return getBits(sb.Flags[0], 44, 45) != 0 }
func (sb *Superblock) SetInitialized(v bool) {
	setBits(&sb.Flags[0], 44, 45, boolFlag(v))
}

func (sb *Superblock) Clean() bool { return getBits(sb.Flags[0], 45, 46) != 0 }
func (sb *Superblock) SetClean(v bool) {
	setBits(&sb.Flags[0], 45, 46, boolFlag(v))
}

func boolFlag(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func (sb *Superblock) LabelString() string {
	return string(bytes.TrimRight(sb.Label[:], "\x00"))
}

func (sb *Superblock) SetLabel(label string) {
	sb.Label = [32]byte{}
	copy(sb.Label[:], label)
}

// FieldsU64s is the length of the packed field area in 8-byte words.
func (sb *Superblock) FieldsU64s() uint32 {
	var n uint32
	for i := range sb.Fields {
		n += sb.Fields[i].U64s()
	}
	return n
}

// TotalBytes is the encoded size of the whole image.
func (sb *Superblock) TotalBytes() uint64 {
	return headerSize + 8*uint64(sb.FieldsU64s())
}

func totalBytesFor(u64s uint32) uint64 {
	return headerSize + 8*uint64(u64s)
}

// decodeHeader reads just the fixed header; b must hold headerSize bytes.
func decodeHeader(b []byte) (*Superblock, error) {
	var d sbOnDisk
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &d); err != nil {
		return nil, xerrors.Errorf("failed to read superblock header: %w", err)
	}
	return &Superblock{
		Csum:          d.Csum,
		Version:       d.Version,
		Magic:         d.Magic,
		UUID:          d.UUID,
		UserUUID:      d.UserUUID,
		Label:         d.Label,
		Offset:        d.Offset,
		Seq:           d.Seq,
		BlockSize:     d.BlockSize,
		DevIdx:        d.DevIdx,
		NrDevices:     d.NrDevices,
		TimeBaseLo:    d.TimeBaseLo,
		TimeBaseHi:    d.TimeBaseHi,
		TimePrecision: d.TimePrecision,
		Flags:         d.Flags,
		Features:      d.Features,
		Compat:        d.Compat,
		Layout:        d.Layout,
	}, nil
}

// headerU64s peeks the field-area length out of a raw header.
func headerU64s(b []byte) uint32 {
	// offset of U64s within sbOnDisk
	const off = 16 + 8 + 16 + 16 + 16 + 32 + 8 + 8 + 2 + 1 + 1
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// Decode parses a full superblock image: header plus fields.
func Decode(b []byte) (*Superblock, error) {
	if len(b) < headerSize {
		return nil, xerrors.New("superblock image shorter than header")
	}
	sb, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}

	u64s := headerU64s(b)
	total := totalBytesFor(u64s)
	if total > uint64(len(b)) {
		return nil, xerrors.New("Invalid superblock: invalid optional field")
	}

	sb.Fields, err = decodeFields(b[headerSize:total])
	if err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *Superblock) onDisk() *sbOnDisk {
	return &sbOnDisk{
		Csum:          sb.Csum,
		Version:       sb.Version,
		Magic:         sb.Magic,
		UUID:          sb.UUID,
		UserUUID:      sb.UserUUID,
		Label:         sb.Label,
		Offset:        sb.Offset,
		Seq:           sb.Seq,
		BlockSize:     sb.BlockSize,
		DevIdx:        sb.DevIdx,
		NrDevices:     sb.NrDevices,
		U64s:          sb.FieldsU64s(),
		TimeBaseLo:    sb.TimeBaseLo,
		TimeBaseHi:    sb.TimeBaseHi,
		TimePrecision: sb.TimePrecision,
		Flags:         sb.Flags,
		Features:      sb.Features,
		Compat:        sb.Compat,
		Layout:        sb.Layout,
	}
}

// Encode produces the raw image and stamps the checksum, which covers
// everything after the checksum word itself.
func (sb *Superblock) Encode() ([]byte, error) {
	if !sb.CsumType().Valid() {
		return nil, ErrUnknownCsumType
	}

	total := sb.TotalBytes()
	buf := bytes.NewBuffer(make([]byte, 0, total))
	if err := binary.Write(buf, binary.LittleEndian, sb.onDisk()); err != nil {
		return nil, xerrors.Errorf("failed to write superblock header: %w", err)
	}
	for i := range sb.Fields {
		sb.Fields[i].encodeInto(buf)
	}

	raw := buf.Bytes()
	sb.Csum = checksum(sb.CsumType(), raw[csumSize:])
	binary.LittleEndian.PutUint64(raw[0:8], sb.Csum.Lo)
	binary.LittleEndian.PutUint64(raw[8:16], sb.Csum.Hi)
	return raw, nil
}

// csumSize is the checksum word at the head of the image, excluded from the
// checksummed range.
const csumSize = 16

// Clone deep-copies the superblock, fields included.
func (sb *Superblock) Clone() *Superblock {
	out := *sb
	out.Fields = make([]Field, len(sb.Fields))
	for i := range sb.Fields {
		data := make([]byte, len(sb.Fields[i].Data))
		copy(data, sb.Fields[i].Data)
		out.Fields[i] = Field{Type: sb.Fields[i].Type, Data: data}
	}
	return &out
}

// CopyFrom propagates the shared portion of src: header fields that are
// filesystem-wide, and every field except the device-local journal. The
// destination keeps its own dev_idx, offset, layout and checksum.
func (dst *Superblock) CopyFrom(src *Superblock) {
	dst.Version = src.Version
	dst.Seq = src.Seq
	dst.UUID = src.UUID
	dst.UserUUID = src.UserUUID
	dst.Label = src.Label
	dst.BlockSize = src.BlockSize
	dst.NrDevices = src.NrDevices
	dst.TimeBaseLo = src.TimeBaseLo
	dst.TimeBaseHi = src.TimeBaseHi
	dst.TimePrecision = src.TimePrecision
	dst.Flags = src.Flags
	dst.Features = src.Features
	dst.Compat = src.Compat

	for i := range src.Fields {
		f := &src.Fields[i]
		if f.Type == FieldJournal {
			continue
		}
		d := dst.resizeField(f.Type, f.U64s())
		copy(d.Data, f.Data)
	}
}
