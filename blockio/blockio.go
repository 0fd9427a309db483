package blockio

import (
	"os"

	"golang.org/x/xerrors"
)

const SectorSize = 512

// Mode controls how a device is opened.
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	// ModeExcl requests an exclusive claim on the device. Only meaningful
	// for block devices; regular files (test images) ignore it.
	ModeExcl
)

// Device is the block I/O collaborator: synchronous reads and writes
// addressed by byte offset, plus asynchronous writes with a completion
// callback. A Device may be backed by a real block device or by a regular
// file standing in for one.
type Device struct {
	f     *os.File
	path  string
	mode  Mode
	block bool
}

func Open(path string, mode Mode) (*Device, error) {
	flags, err := openFlags(path, mode)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if os.IsPermission(err) || isBusy(err) {
			return nil, xerrors.Errorf("device busy: %w", err)
		}
		return nil, xerrors.Errorf("failed to open device: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("failed to stat device: %w", err)
	}

	return &Device{
		f:     f,
		path:  path,
		mode:  mode,
		block: fi.Mode()&os.ModeDevice != 0,
	}, nil
}

func (d *Device) Path() string { return d.path }

// ReadAt reads exactly len(b) bytes at the given byte offset.
func (d *Device) ReadAt(b []byte, off int64) error {
	n, err := d.f.ReadAt(b, off)
	if err != nil {
		return xerrors.Errorf("failed to read %d bytes at %d: %w", len(b), off, err)
	}
	if n != len(b) {
		return xerrors.Errorf("short read at %d: %d of %d bytes", off, n, len(b))
	}
	return nil
}

// WriteAt writes all of b at the given byte offset and waits for it.
func (d *Device) WriteAt(b []byte, off int64) error {
	if d.mode&ModeWrite == 0 {
		return xerrors.New("device opened read-only")
	}
	n, err := d.f.WriteAt(b, off)
	if err != nil {
		return xerrors.Errorf("failed to write %d bytes at %d: %w", len(b), off, err)
	}
	if n != len(b) {
		return xerrors.Errorf("short write at %d: %d of %d bytes", off, n, len(b))
	}
	return nil
}

// WriteAsync issues the write on its own goroutine and invokes done with the
// completion status. The buffer must not be modified until done runs.
func (d *Device) WriteAsync(b []byte, off int64, done func(error)) {
	go func() {
		done(d.WriteAt(b, off))
	}()
}

// Size returns the device capacity in bytes.
func (d *Device) Size() (uint64, error) {
	if d.block {
		return d.blockSize64()
	}
	fi, err := d.f.Stat()
	if err != nil {
		return 0, xerrors.Errorf("failed to stat device: %w", err)
	}
	return uint64(fi.Size()), nil
}

// LogicalBlockSize returns the device's logical block size in bytes; regular
// files report the conventional 512.
func (d *Device) LogicalBlockSize() uint32 {
	if d.block {
		if ssz, err := d.sectorSize(); err == nil {
			return ssz
		}
	}
	return SectorSize
}

func (d *Device) Sync() error {
	return d.f.Sync()
}

func (d *Device) Close() error {
	return d.f.Close()
}
