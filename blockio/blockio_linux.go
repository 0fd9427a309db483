//go:build linux

package blockio

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

func openFlags(path string, mode Mode) (int, error) {
	var flags int
	switch {
	case mode&ModeWrite != 0:
		flags = unix.O_RDWR
	case mode&ModeRead != 0:
		flags = unix.O_RDONLY
	default:
		return 0, xerrors.New("no open mode given")
	}

	// O_EXCL on a block device claims it exclusively. It must not be set
	// for regular files, where it only pairs with O_CREAT.
	if mode&ModeExcl != 0 {
		if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeDevice != 0 {
			flags |= unix.O_EXCL
		}
	}
	return flags, nil
}

func isBusy(err error) bool {
	return xerrors.Is(err, unix.EBUSY)
}

func (d *Device) blockSize64() (uint64, error) {
	sz, err := unix.IoctlGetInt(int(d.f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, xerrors.Errorf("failed to query device size: %w", err)
	}
	return uint64(sz), nil
}

func (d *Device) sectorSize() (uint32, error) {
	ssz, err := unix.IoctlGetInt(int(d.f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, xerrors.Errorf("failed to query logical block size: %w", err)
	}
	return uint32(ssz), nil
}
