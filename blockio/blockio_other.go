//go:build !linux

package blockio

import (
	"os"

	"golang.org/x/xerrors"
)

func openFlags(_ string, mode Mode) (int, error) {
	switch {
	case mode&ModeWrite != 0:
		return os.O_RDWR, nil
	case mode&ModeRead != 0:
		return os.O_RDONLY, nil
	default:
		return 0, xerrors.New("no open mode given")
	}
}

func isBusy(error) bool { return false }

func (d *Device) blockSize64() (uint64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, xerrors.Errorf("failed to stat device: %w", err)
	}
	return uint64(fi.Size()), nil
}

func (d *Device) sectorSize() (uint32, error) {
	return SectorSize, nil
}
