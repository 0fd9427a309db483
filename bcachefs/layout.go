package bcachefs

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/xerrors"
)

const (
	// SBSector is the well-known sector of the primary superblock.
	SBSector = 8
	// LayoutSector holds the superblock layout on every member device.
	LayoutSector = 7

	LayoutSize      = 512
	MaxSuperblocks  = 61
	layoutTypeFixed = 0

	// DefaultSBMaxSizeBits gives each superblock copy a 1MiB budget
	// (512 << 11 bytes), matching the default format.
	DefaultSBMaxSizeBits = 11
)

// Layout is the fixed 512-byte directory of superblock copy locations,
// stored at LayoutSector and embedded in every superblock.
type Layout struct {
	Magic         [16]byte
	LayoutType    uint8
	SBMaxSizeBits uint8
	NrSuperblocks uint8
	Pad           [5]byte
	SBOffset      [MaxSuperblocks]uint64 // sectors
}

// MaxSBSize is the per-copy on-disk budget in bytes.
func (l *Layout) MaxSBSize() uint64 {
	return 512 << l.SBMaxSizeBits
}

// Validate checks the layout for a sane, non-overlapping set of superblock
// offsets. Pure; no I/O.
func (l *Layout) Validate() error {
	if l.Magic != Magic {
		return xerrors.New("Not a bcachefs superblock layout")
	}
	if l.LayoutType != layoutTypeFixed {
		return xerrors.New("Invalid superblock layout type")
	}
	if l.NrSuperblocks == 0 {
		return xerrors.New("Invalid superblock layout: no superblocks")
	}
	if int(l.NrSuperblocks) > len(l.SBOffset) {
		return xerrors.New("Invalid superblock layout: too many superblocks")
	}

	maxSectors := uint64(1) << l.SBMaxSizeBits

	prev := l.SBOffset[0]
	for i := 1; i < int(l.NrSuperblocks); i++ {
		offset := l.SBOffset[i]
		if offset < prev+maxSectors {
			return xerrors.New("Invalid superblock layout: superblocks overlap")
		}
		prev = offset
	}
	return nil
}

func DecodeLayout(b []byte) (*Layout, error) {
	var l Layout
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &l); err != nil {
		return nil, xerrors.Errorf("failed to read superblock layout: %w", err)
	}
	return &l, nil
}

func (l *Layout) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, LayoutSize))
	if err := binary.Write(buf, binary.LittleEndian, l); err != nil {
		// fixed-size struct, cannot fail
		panic(err)
	}
	return buf.Bytes()
}

// defaultLayout places nr copies starting at SBSector, each separated by the
// per-copy budget.
func defaultLayout(sbMaxSizeBits uint8, nr uint8) Layout {
	l := Layout{
		Magic:         Magic,
		LayoutType:    layoutTypeFixed,
		SBMaxSizeBits: sbMaxSizeBits,
		NrSuperblocks: nr,
	}
	offset := uint64(SBSector)
	for i := uint8(0); i < nr; i++ {
		l.SBOffset[i] = offset
		offset += 1 << sbMaxSizeBits
	}
	return l
}
