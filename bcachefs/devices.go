package bcachefs

import (
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/masahiro331/go-bcachefs/blockio"
	"github.com/masahiro331/go-bcachefs/log"
)

// degradeGuard rejects an operation that would leave some data type with no
// online replica, treating the given device as already gone. Data types with
// no replica entries never block.
func (c *FileSystem) degradeGuard(ca *DeviceHandle) error {
	s := c.replicasStatus(ca)
	for _, t := range []DataType{DataJournal, DataBtree, DataUser} {
		n := s.Replicas[t].NrOnline
		if n == 0 {
			return xerrors.Errorf("insufficient %s replicas without %s", t, ca.Path())
		}
	}
	return nil
}

// DeviceAdd formats a new member device into the filesystem and brings it
// online. Returns the assigned device index.
func (c *FileSystem) DeviceAdd(opts DeviceOptions) (uint8, error) {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	dev, err := blockio.Open(opts.Path, blockio.ModeRead|blockio.ModeWrite|blockio.ModeExcl)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (uint8, error) {
		dev.Close()
		return 0, err
	}

	size, err := dev.Size()
	if err != nil {
		return fail(err)
	}
	if opts.Size != 0 && opts.Size < size {
		size = opts.Size
	}
	sectors := size / 512

	layout := c.sb.Layout
	sbEnd := layout.SBOffset[layout.NrSuperblocks-1] + 1<<layout.SBMaxSizeBits

	bucketSize := opts.BucketSize
	if bucketSize == 0 {
		bucketSize = pickBucketSize(sectors, c.sb.BlockSize, sbEnd)
	}
	firstBucket := (sbEnd + uint64(bucketSize) - 1) / uint64(bucketSize)
	nbuckets := sectors / uint64(bucketSize)
	if firstBucket > uint64(^uint16(0)) {
		return fail(xerrors.Errorf("%s: first bucket out of range", opts.Path))
	}
	if nbuckets < firstBucket+MinBuckets {
		return fail(xerrors.Errorf("%s: device too small", opts.Path))
	}

	members, err := c.sb.Members()
	if err != nil {
		return fail(err)
	}

	// reuse a vacated slot if there is one
	slot := -1
	for i := range members {
		if !members[i].Exists() {
			slot = i
			break
		}
	}
	if slot < 0 {
		if len(members) >= MembersMax {
			return fail(xerrors.New("no free device slots"))
		}
		slot = len(members)
		if _, err := c.resizeField(FieldMembers, membersFieldU64s(slot+1)); err != nil {
			return fail(err)
		}
		members = append(members, Member{})
		c.sb.NrDevices = uint8(slot + 1)
	}

	m := Member{
		UUID:        uuid.New(),
		Nbuckets:    nbuckets,
		FirstBucket: uint16(firstBucket),
		BucketSize:  bucketSize,
	}
	m.SetState(opts.State)
	members[slot] = m
	c.sb.setMembers(members)

	nj := journalBucketCount(nbuckets)
	buckets := make([]uint64, nj)
	for j := range buckets {
		buckets[j] = firstBucket + uint64(j)
	}

	devSB := c.sb.Clone()
	devSB.DevIdx = uint8(slot)
	devSB.Layout = layout
	devSB.setJournalBuckets(buckets)

	h := &Handle{
		SB:   devSB,
		buf:  NewBuffer(),
		dev:  dev,
		mode: blockio.ModeRead | blockio.ModeWrite,
	}
	if err := h.Validate(); err != nil {
		return fail(xerrors.Errorf("%s: invalid superblock: %w", opts.Path, err))
	}
	if err := writeAllCopies(h); err != nil {
		return fail(err)
	}

	ca := &DeviceHandle{Idx: uint8(slot), sb: h}
	ca.online.Store(true)
	c.setDev(uint8(slot), ca)

	if err := c.WriteSuper(); err != nil {
		return uint8(slot), err
	}
	log.Logger.Infof("added device %s at index %d", opts.Path, slot)
	return uint8(slot), nil
}

// DeviceRemove drops a member from the filesystem. Refused while the device
// still holds data unless forced.
func (c *FileSystem) DeviceRemove(idx uint8, force bool) error {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	ca := c.dev(idx)
	if ca == nil {
		return xerrors.Errorf("no device at index %d", idx)
	}

	if !force {
		if mask := c.DevHasData(ca) &^ (1 << DataSB); mask != 0 {
			return xerrors.Errorf("%s still has data (mask %#x)", ca.Path(), mask)
		}
		if err := c.degradeGuard(ca); err != nil {
			return err
		}
	}

	members, err := c.sb.Members()
	if err != nil {
		return err
	}
	members[idx] = Member{}
	c.sb.setMembers(members)

	// an offlined member's device was already closed
	wasOnline := ca.online.Swap(false)
	c.setDev(idx, nil)
	if wasOnline && ca.sb.dev != nil {
		if err := ca.sb.dev.Close(); err != nil {
			log.Logger.Warnf("closing %s: %v", ca.Path(), err)
		}
	}

	return c.WriteSuper()
}

// DeviceOffline takes a member offline without removing it. Refused when it
// would leave a data type with no online replica, unless forced.
func (c *FileSystem) DeviceOffline(idx uint8, force bool) error {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	ca := c.dev(idx)
	if ca == nil {
		return xerrors.Errorf("no device at index %d", idx)
	}
	if !ca.online.Load() {
		return nil
	}
	if !force {
		if err := c.degradeGuard(ca); err != nil {
			return err
		}
	}

	ca.online.Store(false)
	if ca.sb.dev != nil {
		ca.sb.dev.Close()
	}
	log.Logger.Infof("device %s offline", ca.Path())
	return nil
}

// DeviceOnline brings a previously offline member back, rereading and
// resyncing its superblock.
func (c *FileSystem) DeviceOnline(path string) error {
	h, err := ReadSuper(path, c.opts)
	if err != nil {
		return err
	}
	if err := h.Validate(); err != nil {
		h.Close()
		return xerrors.Errorf("%s: invalid superblock: %w", path, err)
	}

	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	if h.SB.UUID != c.sb.UUID {
		h.Close()
		return xerrors.Errorf("%s does not belong to this filesystem", path)
	}

	idx := h.SB.DevIdx
	if old := c.dev(idx); old != nil && old.online.Load() {
		h.Close()
		return xerrors.Errorf("device index %d already online", idx)
	}

	ca := &DeviceHandle{Idx: idx, sb: h}
	ca.online.Store(true)
	c.setDev(idx, ca)
	c.sbUpdate()

	return c.WriteSuper()
}

// DeviceSetState changes a member's participation state. Leaving rw is
// gated like going offline, unless forced.
func (c *FileSystem) DeviceSetState(idx uint8, state MemberState, force bool) error {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	ca := c.dev(idx)
	if ca == nil {
		return xerrors.Errorf("no device at index %d", idx)
	}

	if state != MemberRW && !force {
		if err := c.degradeGuard(ca); err != nil {
			return err
		}
	}

	members, err := c.sb.Members()
	if err != nil {
		return err
	}
	members[idx].SetState(state)
	c.sb.setMembers(members)

	return c.WriteSuper()
}

// DeviceEvacuate marks a member read-only and reports which data types still
// have replicas on it; moving that data is the extent subsystem's job.
func (c *FileSystem) DeviceEvacuate(idx uint8) (uint, error) {
	if err := c.DeviceSetState(idx, MemberRO, false); err != nil {
		return 0, err
	}
	ca := c.dev(idx)
	if ca == nil {
		return 0, xerrors.Errorf("no device at index %d", idx)
	}
	return c.DevHasData(ca), nil
}

// SetNrJournalBuckets grows a member's device-local journal bucket list.
func (c *FileSystem) SetNrJournalBuckets(idx uint8, nr uint64) error {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	ca := c.dev(idx)
	if ca == nil {
		return xerrors.Errorf("no device at index %d", idx)
	}
	if !ca.online.Load() {
		return xerrors.Errorf("device %d is offline", idx)
	}

	cur := ca.sb.SB.JournalBuckets()
	if nr <= uint64(len(cur)) {
		return xerrors.Errorf("journal has %d buckets, can only grow", len(cur))
	}

	mi, err := c.sb.Member(idx)
	if err != nil {
		return err
	}

	next := uint64(mi.FirstBucket)
	for _, b := range cur {
		if b >= next {
			next = b + 1
		}
	}
	add := nr - uint64(len(cur))
	if next+add > mi.Nbuckets {
		return xerrors.Errorf("not enough buckets for %d journal buckets", nr)
	}

	buckets := append(append([]uint64{}, cur...), make([]uint64, add)...)
	for i := uint64(0); i < add; i++ {
		buckets[uint64(len(cur))+i] = next + i
	}

	payload := encodeJournalBuckets(buckets)
	f, err := ca.sb.ResizeField(FieldJournal, uint32(1+len(payload)/8))
	if err != nil {
		return err
	}
	copy(f.Data, payload)

	return c.WriteSuper()
}
