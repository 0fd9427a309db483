package bcachefs

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/masahiro331/go-bcachefs/log"
)

// Summary caches filesystem-wide fields off the authoritative image,
// refreshed after every successful superblock write.
type Summary struct {
	UUID          uuid.UUID
	UserUUID      uuid.UUID
	BlockSize     uint16
	BtreeNodeSize uint32
	NrDevices     uint8
	Clean         bool
	TimeBaseLo    uint64
	TimeBaseHi    uint32
	TimePrecision uint32
}

// DeviceHandle is one online or offline member: its superblock handle and
// cached member info.
type DeviceHandle struct {
	Idx    uint8
	sb     *Handle
	online atomic.Bool
	mi     atomic.Pointer[Member] // refreshed by sbUpdate
}

func (ca *DeviceHandle) Online() bool { return ca.online.Load() }

// Member is the cached member table entry. Lock-free; reads the snapshot
// published by the last superblock update.
func (ca *DeviceHandle) Member() Member {
	if m := ca.mi.Load(); m != nil {
		return *m
	}
	return Member{}
}
func (ca *DeviceHandle) Path() string   { return ca.sb.dev.Path() }

// FileSystem is the explicit per-mount context owning the authoritative
// superblock image, the member devices and the replica index. Its lifecycle
// is tied to mount/unmount, never to the process.
type FileSystem struct {
	// SBLock serializes every superblock mutation - field resizes,
	// replica updates and the write path - and must be held across the
	// whole read-modify-write sequence of any mutation.
	SBLock sync.Mutex

	sb  *Superblock // authoritative image; guarded by SBLock
	buf *Buffer     // filesystem-wide logical buffer

	devs [MembersMax]atomic.Pointer[DeviceHandle]

	// replicas is read lock-free via copy-on-write snapshots; replicasGC
	// is the in-progress index of a GC cycle, guarded by SBLock.
	replicas   atomic.Pointer[replicaIndex]
	replicasGC *replicaIndex
	gcActive   atomic.Bool

	opts Options

	// summary is published as an immutable snapshot so status queries
	// stay lock-free while writes refresh it under SBLock.
	summary atomic.Pointer[Summary]

	inconsistent atomic.Bool
	errored      atomic.Bool
}

// Open reads the superblock of every given device, elects the newest
// (highest seq) image as authoritative and assembles the filesystem context.
func Open(paths []string, opts Options) (*FileSystem, error) {
	if len(paths) == 0 {
		return nil, xerrors.New("no devices given")
	}

	handles := make([]*Handle, 0, len(paths))
	closeAll := func() {
		for _, h := range handles {
			h.Close()
		}
	}

	for _, path := range paths {
		h, err := ReadSuper(path, opts)
		if err != nil {
			closeAll()
			return nil, xerrors.Errorf("failed to read superblock from %s: %w", path, err)
		}
		if err := h.Validate(); err != nil {
			path := h.dev.Path()
			h.Close()
			closeAll()
			return nil, xerrors.Errorf("%s: invalid superblock: %w", path, err)
		}
		handles = append(handles, h)
	}

	best := handles[0]
	for _, h := range handles[1:] {
		if h.SB.Seq > best.SB.Seq {
			best = h
		}
	}
	for _, h := range handles {
		if h.SB.UUID != best.SB.UUID {
			err := xerrors.Errorf("%s does not belong to this filesystem", h.dev.Path())
			closeAll()
			return nil, err
		}
		if h.SB.Seq != best.SB.Seq {
			log.Logger.Warnf("%s has superblock seq %d, newest is %d; will be resynced on next write",
				h.dev.Path(), h.SB.Seq, best.SB.Seq)
		}
	}

	c := &FileSystem{
		buf:  NewBuffer(),
		opts: opts,
	}

	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	for _, h := range handles {
		idx := h.SB.DevIdx
		if c.dev(idx) != nil {
			err := xerrors.Errorf("duplicate device index %d (%s)", idx, h.dev.Path())
			closeAll()
			return nil, err
		}
		ca := &DeviceHandle{Idx: idx, sb: h}
		ca.online.Store(true)
		c.setDev(idx, ca)
	}

	if err := c.sbToFS(best.SB); err != nil {
		closeAll()
		return nil, err
	}
	return c, nil
}

// Close releases every member device. The context must not be used
// afterwards.
func (c *FileSystem) Close() error {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	var errs error
	for i := 0; i < MembersMax; i++ {
		if ca := c.dev(uint8(i)); ca != nil {
			if ca.sb.dev != nil {
				errs = multierr.Append(errs, ca.sb.dev.Close())
			}
			c.setDev(uint8(i), nil)
		}
	}
	return errs
}

func (c *FileSystem) dev(i uint8) *DeviceHandle {
	return c.devs[i].Load()
}

func (c *FileSystem) setDev(i uint8, ca *DeviceHandle) {
	c.devs[i].Store(ca)
}

// Summary returns the cached filesystem-wide fields. Lock-free.
func (c *FileSystem) Summary() Summary {
	if s := c.summary.Load(); s != nil {
		return *s
	}
	return Summary{}
}

// Super exposes the authoritative image. SBLock must be held.
func (c *FileSystem) Super() *Superblock { return c.sb }

// onlineMembers snapshots the currently online member handles in slot order.
func (c *FileSystem) onlineMembers() []*DeviceHandle {
	var out []*DeviceHandle
	for i := 0; i < MembersMax; i++ {
		if ca := c.dev(uint8(i)); ca != nil && ca.online.Load() {
			out = append(out, ca)
		}
	}
	return out
}

// sbToFS installs src as the authoritative image (journal field excluded,
// it is device-local), rebuilds the replica index and refreshes the summary.
// SBLock must be held.
func (c *FileSystem) sbToFS(src *Superblock) error {
	var journalU64s uint32
	if f := src.Field(FieldJournal); f != nil {
		journalU64s = f.U64s()
	}
	c.buf.EnsureCapacity(int(totalBytesFor(src.FieldsU64s() - journalU64s)))

	if c.sb == nil {
		c.sb = &Superblock{
			Magic:  src.Magic,
			DevIdx: src.DevIdx,
			Layout: src.Layout,
		}
	}
	c.sb.CopyFrom(src)

	if err := c.rebuildReplicas(); err != nil {
		return err
	}
	c.sbUpdate()
	return nil
}

// sbFromFS propagates the authoritative image into one member's buffer,
// keeping the member's own journal field. SBLock must be held.
func (c *FileSystem) sbFromFS(ca *DeviceHandle) error {
	var journalU64s uint32
	if f := ca.sb.SB.Field(FieldJournal); f != nil {
		journalU64s = f.U64s()
	}
	u64s := c.sb.FieldsU64s() + journalU64s

	if err := ca.sb.buf.EnsureSBCapacity(int(totalBytesFor(u64s)), ca.sb.SB.Layout.MaxSBSize()); err != nil {
		return xerrors.Errorf("%s: %w", ca.sb.dev.Path(), err)
	}
	ca.sb.SB.CopyFrom(c.sb)
	return nil
}

// sbUpdate publishes fresh summary and per-device member snapshots from the
// authoritative image. SBLock must be held; readers are lock-free.
func (c *FileSystem) sbUpdate() {
	src := c.sb
	c.summary.Store(&Summary{
		UUID:          src.UUID,
		UserUUID:      src.UserUUID,
		BlockSize:     src.BlockSize,
		BtreeNodeSize: src.BtreeNodeSize(),
		NrDevices:     src.NrDevices,
		Clean:         src.Clean(),
		TimeBaseLo:    src.TimeBaseLo,
		TimeBaseHi:    src.TimeBaseHi,
		TimePrecision: src.TimePrecision,
	})

	members, err := src.Members()
	if err != nil {
		return
	}
	for i := range members {
		if ca := c.dev(uint8(i)); ca != nil {
			m := members[i]
			ca.mi.Store(&m)
		}
	}
}

// inconsistentError marks the filesystem inconsistent; no further superblock
// writes are issued until the operator intervenes.
func (c *FileSystem) inconsistentError(format string, args ...interface{}) {
	log.Logger.Errorf("filesystem inconsistent: "+format, args...)
	c.inconsistent.Store(true)
	c.errored.Store(true)
}

// devFatalIOErr reports a device-fatal I/O error: the device is taken
// offline but the surrounding multi-device operation keeps going.
func (c *FileSystem) devFatalIOErr(ca *DeviceHandle, op string, err error) {
	log.Logger.Errorf("fatal IO error on %s: %s: %v", ca.sb.dev.Path(), op, err)
	ca.online.Store(false)
}
