package bcachefs

import (
	"golang.org/x/xerrors"
)

var (
	// ErrTooBig is returned when a superblock would grow past the
	// per-copy budget fixed by the layout (512 << sb_max_size_bits).
	// This is a format limit, not a resource limit.
	ErrTooBig = xerrors.New("superblock too big")

	// ErrInconsistent is returned once a filesystem has been marked
	// inconsistent; no further superblock writes are issued.
	ErrInconsistent = xerrors.New("filesystem inconsistent")

	ErrBadMagic           = xerrors.New("Not a bcachefs superblock")
	ErrUnsupportedVersion = xerrors.New("Unsupported superblock version")
	ErrBadChecksum        = xerrors.New("bad checksum reading superblock")
	ErrUnknownCsumType    = xerrors.New("unknown csum type")
)
