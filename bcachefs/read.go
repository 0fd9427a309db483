package bcachefs

import (
	"golang.org/x/xerrors"

	"github.com/masahiro331/go-bcachefs/blockio"
	"github.com/masahiro331/go-bcachefs/log"
)

// Options control how a device's superblock is opened and read.
type Options struct {
	// Offset overrides the well-known superblock sector. When set, backup
	// locations are not tried.
	Offset uint64
	// NoExcl opens the device without an exclusive claim.
	NoExcl bool
	// NoChanges opens read-only; the write path validates but issues no I/O.
	NoChanges bool
	// MetadataChecksum selects the digest stamped on superblock writes.
	// Zero value means crc32c.
	MetadataChecksum CsumType
}

func (o Options) mode() blockio.Mode {
	mode := blockio.ModeRead
	if !o.NoExcl {
		mode |= blockio.ModeExcl
	}
	if !o.NoChanges {
		mode |= blockio.ModeWrite
	}
	return mode
}

// Handle is one device's superblock: the decoded image, the buffer backing
// its on-disk form, and the device it came from.
type Handle struct {
	SB   *Superblock
	buf  *Buffer
	dev  *blockio.Device
	mode blockio.Mode
}

func (h *Handle) Device() *blockio.Device { return h.dev }

// Close releases the device and the buffer. Safe on a partially initialized
// handle.
func (h *Handle) Close() {
	if h.dev != nil {
		h.dev.Close()
	}
	*h = Handle{}
}

// readOne reads, verifies and decodes one superblock copy at the given
// sector. The buffer grows and the copy is reread when the declared length
// exceeds what was fetched.
func (h *Handle) readOne(offset uint64) error {
	for {
		raw := h.buf.Bytes()
		if err := h.dev.ReadAt(raw, int64(offset)*512); err != nil {
			return xerrors.Errorf("IO error: %w", err)
		}

		hdr, err := decodeHeader(raw[:headerSize])
		if err != nil {
			return err
		}
		if hdr.Magic != Magic {
			return ErrBadMagic
		}
		if hdr.Version != Version {
			return ErrUnsupportedVersion
		}

		total := totalBytesFor(headerU64s(raw))
		if total > hdr.Layout.MaxSBSize() {
			return xerrors.Errorf("%w: %d bytes", ErrTooBig, total)
		}
		if total > uint64(h.buf.Len()) {
			h.buf.EnsureCapacity(int(total))
			continue
		}

		if !hdr.CsumType().Valid() {
			return ErrUnknownCsumType
		}
		if checksum(hdr.CsumType(), raw[csumSize:total]) != hdr.Csum {
			return ErrBadChecksum
		}

		sb, err := Decode(raw[:total])
		if err != nil {
			return err
		}
		h.SB = sb
		return nil
	}
}

// ReadSuper locates, reads, checksums and version-checks the superblock on
// one device. A failure at the primary offset falls back to the backup
// locations listed by the layout at LayoutSector, unless the caller supplied
// an explicit offset. All resources are released on failure.
func ReadSuper(path string, opts Options) (*Handle, error) {
	offset := opts.Offset
	if offset == 0 {
		offset = SBSector
	}

	dev, err := blockio.Open(path, opts.mode())
	if err != nil {
		return nil, err
	}

	h := &Handle{buf: NewBuffer(), dev: dev, mode: opts.mode()}

	err = h.readOne(offset)
	if err == nil {
		return h.checkBlockSize()
	}

	if offset != SBSector {
		h.Close()
		return nil, xerrors.Errorf("error reading superblock: %w", err)
	}

	log.Logger.Errorf("%s: error reading default superblock: %v", path, err)

	// Error reading primary superblock - read location of backup
	// superblocks:
	lraw := make([]byte, LayoutSize)
	if err := h.dev.ReadAt(lraw, LayoutSector*512); err != nil {
		h.Close()
		return nil, xerrors.Errorf("IO error: %w", err)
	}

	layout, err := DecodeLayout(lraw)
	if err == nil {
		err = layout.Validate()
	}
	if err != nil {
		h.Close()
		return nil, err
	}

	for i := 0; i < int(layout.NrSuperblocks); i++ {
		backup := layout.SBOffset[i]
		if backup == SBSector {
			continue
		}
		if err = h.readOne(backup); err == nil {
			return h.checkBlockSize()
		}
	}

	h.Close()
	return nil, err
}

func (h *Handle) checkBlockSize() (*Handle, error) {
	log.Logger.Debugf("read sb version %d, seq %d, nr_devices %d, fields %d",
		h.SB.Version, h.SB.Seq, h.SB.NrDevices, len(h.SB.Fields))

	if uint32(h.SB.BlockSize)*512 < h.dev.LogicalBlockSize() {
		err := xerrors.New("Superblock block size smaller than device block size")
		h.Close()
		return nil, err
	}
	return h, nil
}
