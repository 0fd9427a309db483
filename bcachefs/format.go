package bcachefs

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/masahiro331/go-bcachefs/blockio"
	"github.com/masahiro331/go-bcachefs/log"
)

// FormatOptions describe a fresh filesystem. Zero values select defaults.
type FormatOptions struct {
	UUID            uuid.UUID // random when zero
	Label           string
	BlockSize       uint16 // sectors; default one page
	MetaReplicas    uint8  // wanted; default 1
	DataReplicas    uint8  // wanted; default 1
	MetaReplicasReq uint8  // required; default 1
	DataReplicasReq uint8  // required; default 1
	BtreeNodeSize   uint32 // sectors; default 256, clamped to bucket size
	GCReserve       uint8  // percent; default 8
	TimePrecision   uint32 // nanoseconds; default 1
	SBMaxSizeBits   uint8  // default DefaultSBMaxSizeBits
	NrSuperblocks   uint8  // copies per device; default 2
	CsumType        CsumType
}

// DeviceOptions describe one member being formatted.
type DeviceOptions struct {
	Path       string
	Size       uint64 // bytes; whole device when zero
	BucketSize uint16 // sectors; heuristic when zero
	State      MemberState
}

func (o *FormatOptions) setDefaults() {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	if o.BlockSize == 0 {
		o.BlockSize = PageSectors
	}
	if o.MetaReplicas == 0 {
		o.MetaReplicas = 1
	}
	if o.DataReplicas == 0 {
		o.DataReplicas = 1
	}
	if o.MetaReplicasReq == 0 {
		o.MetaReplicasReq = 1
	}
	if o.DataReplicasReq == 0 {
		o.DataReplicasReq = 1
	}
	if o.BtreeNodeSize == 0 {
		o.BtreeNodeSize = 256
	}
	if o.GCReserve == 0 {
		o.GCReserve = 8
	}
	if o.TimePrecision == 0 {
		o.TimePrecision = 1
	}
	if o.SBMaxSizeBits == 0 {
		o.SBMaxSizeBits = DefaultSBMaxSizeBits
	}
	if o.NrSuperblocks == 0 {
		o.NrSuperblocks = 2
	}
	if o.CsumType == CsumNone {
		o.CsumType = CsumCRC32C
	}
}

// pickBucketSize prefers 1MiB buckets, halving until the device yields a
// reasonable bucket count past the superblock region, but never below the
// block size or a page.
func pickBucketSize(sectors uint64, blockSize uint16, sbEnd uint64) uint16 {
	min := uint16(PageSectors)
	if blockSize > min {
		min = blockSize
	}
	bs := uint16(2048)
	for bs > min && sectors < sbEnd+2048*uint64(bs) {
		bs >>= 1
	}
	return bs
}

// journalBucketCount sizes the initial journal at roughly 1/256 of the
// device, clamped to [8, 256].
func journalBucketCount(nbuckets uint64) uint64 {
	nr := nbuckets / 256
	if nr < 8 {
		nr = 8
	}
	if nr > 256 {
		nr = 256
	}
	return nr
}

func (sb *Superblock) setJournalBuckets(buckets []uint64) {
	payload := encodeJournalBuckets(buckets)
	f := sb.resizeField(FieldJournal, uint32(1+len(payload)/8))
	copy(f.Data, payload)
}

// Format creates a fresh superblock across the given devices and writes
// every copy to every one of them. The returned superblock is the
// filesystem-wide template (no device-local journal field).
func Format(opts FormatOptions, devOpts []DeviceOptions) (*Superblock, error) {
	opts.setDefaults()

	if len(devOpts) == 0 {
		return nil, xerrors.New("no devices given")
	}
	if len(devOpts) > MembersMax {
		return nil, xerrors.Errorf("too many devices: %d > %d", len(devOpts), MembersMax)
	}
	for _, n := range []uint8{opts.MetaReplicas, opts.DataReplicas, opts.MetaReplicasReq, opts.DataReplicasReq} {
		if n == 0 || n >= ReplicasMax {
			return nil, xerrors.Errorf("invalid replicas %d", n)
		}
	}

	layout := defaultLayout(opts.SBMaxSizeBits, opts.NrSuperblocks)
	// first sector past the last superblock copy region
	sbEnd := layout.SBOffset[opts.NrSuperblocks-1] + 1<<opts.SBMaxSizeBits

	devices := make([]*blockio.Device, len(devOpts))
	closeAll := func() {
		for _, d := range devices {
			if d != nil {
				d.Close()
			}
		}
	}

	members := make([]Member, len(devOpts))
	journals := make([][]uint64, len(devOpts))

	for i, o := range devOpts {
		dev, err := blockio.Open(o.Path, blockio.ModeRead|blockio.ModeWrite|blockio.ModeExcl)
		if err != nil {
			closeAll()
			return nil, err
		}
		devices[i] = dev

		size, err := dev.Size()
		if err != nil {
			closeAll()
			return nil, err
		}
		if o.Size != 0 && o.Size < size {
			size = o.Size
		}
		sectors := size / 512

		bucketSize := o.BucketSize
		if bucketSize == 0 {
			bucketSize = pickBucketSize(sectors, opts.BlockSize, sbEnd)
		}
		if !isPowerOfTwo(uint64(bucketSize)) {
			closeAll()
			return nil, xerrors.Errorf("%s: bucket size %d not a power of two", o.Path, bucketSize)
		}

		firstBucket := (sbEnd + uint64(bucketSize) - 1) / uint64(bucketSize)
		nbuckets := sectors / uint64(bucketSize)
		if firstBucket > uint64(^uint16(0)) {
			closeAll()
			return nil, xerrors.Errorf("%s: first bucket out of range", o.Path)
		}
		if nbuckets < firstBucket+MinBuckets {
			closeAll()
			return nil, xerrors.Errorf("%s: device too small: %d buckets of %d sectors", o.Path, nbuckets, bucketSize)
		}

		members[i] = Member{
			UUID:        uuid.New(),
			Nbuckets:    nbuckets,
			FirstBucket: uint16(firstBucket),
			BucketSize:  bucketSize,
		}
		members[i].SetState(o.State)

		nj := journalBucketCount(nbuckets)
		buckets := make([]uint64, nj)
		for j := range buckets {
			buckets[j] = firstBucket + uint64(j)
		}
		journals[i] = buckets
	}

	btreeNodeSize := opts.BtreeNodeSize
	for i := range members {
		if uint32(members[i].BucketSize) < btreeNodeSize {
			btreeNodeSize = uint32(members[i].BucketSize)
		}
	}

	now := time.Now()
	sb := &Superblock{
		Version:       Version,
		Magic:         Magic,
		UUID:          uuid.New(),
		UserUUID:      opts.UUID,
		BlockSize:     opts.BlockSize,
		NrDevices:     uint8(len(devOpts)),
		TimeBaseLo:    uint64(now.UnixNano()),
		TimePrecision: opts.TimePrecision,
		Layout:        layout,
	}
	sb.SetLabel(opts.Label)
	sb.SetCsumType(opts.CsumType)
	sb.SetMetaReplicasWant(opts.MetaReplicas)
	sb.SetDataReplicasWant(opts.DataReplicas)
	sb.SetMetaReplicasReq(opts.MetaReplicasReq)
	sb.SetDataReplicasReq(opts.DataReplicasReq)
	sb.SetBtreeNodeSize(btreeNodeSize)
	sb.SetGCReserve(opts.GCReserve)
	sb.SetClean(true)
	sb.setMembers(members)

	var g errgroup.Group
	for i := range devOpts {
		i := i
		g.Go(func() error {
			devSB := sb.Clone()
			devSB.DevIdx = uint8(i)
			devSB.setJournalBuckets(journals[i])

			h := &Handle{
				SB:   devSB,
				buf:  NewBuffer(),
				dev:  devices[i],
				mode: blockio.ModeRead | blockio.ModeWrite,
			}
			if err := h.Validate(); err != nil {
				return xerrors.Errorf("%s: invalid superblock: %w", devices[i].Path(), err)
			}
			return writeAllCopies(h)
		})
	}
	if err := g.Wait(); err != nil {
		closeAll()
		return nil, err
	}
	closeAll()

	log.Logger.Infof("formatted %d device(s), user uuid %s", len(devOpts), opts.UUID)
	return sb, nil
}

// writeAllCopies synchronously writes the layout record and every superblock
// copy the layout lists.
func writeAllCopies(h *Handle) error {
	if err := h.dev.WriteAt(h.SB.Layout.Encode(), LayoutSector*512); err != nil {
		return err
	}

	bs := int(h.dev.LogicalBlockSize())
	for i := 0; i < int(h.SB.Layout.NrSuperblocks); i++ {
		h.SB.Offset = h.SB.Layout.SBOffset[i]

		raw, err := h.SB.Encode()
		if err != nil {
			return err
		}
		n := (len(raw) + bs - 1) / bs * bs
		buf := make([]byte, n)
		copy(buf, raw)

		if err := h.dev.WriteAt(buf, int64(h.SB.Offset)*512); err != nil {
			return err
		}
	}
	return h.dev.Sync()
}
