package bcachefs

import (
	"math"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// Validate runs full semantic validation of the decoded superblock, in a
// fixed order: the first failing check wins and nothing is auto-repaired.
// This is the gatekeeper before any superblock is trusted or written.
func (h *Handle) Validate() error {
	sb := h.SB

	if sb.Version != Version {
		return ErrUnsupportedVersion
	}

	blockSize := uint64(sb.BlockSize)
	if !isPowerOfTwo(blockSize) || blockSize > PageSectors {
		return xerrors.New("Bad block size")
	}

	if sb.UserUUID == uuid.Nil {
		return xerrors.New("Bad user UUID")
	}
	if sb.UUID == uuid.Nil {
		return xerrors.New("Bad internal UUID")
	}

	if sb.NrDevices == 0 ||
		sb.NrDevices <= sb.DevIdx ||
		sb.NrDevices > MembersMax {
		return xerrors.New("Bad cache device number in set")
	}

	if sb.MetaReplicasWant() == 0 || sb.MetaReplicasWant() >= ReplicasMax {
		return xerrors.New("Invalid number of metadata replicas")
	}
	if sb.MetaReplicasReq() == 0 || sb.MetaReplicasReq() >= ReplicasMax {
		return xerrors.New("Invalid number of metadata replicas")
	}
	if sb.DataReplicasWant() == 0 || sb.DataReplicasWant() >= ReplicasMax {
		return xerrors.New("Invalid number of data replicas")
	}
	if sb.DataReplicasReq() == 0 || sb.DataReplicasReq() >= ReplicasMax {
		return xerrors.New("Invalid number of data replicas")
	}

	if sb.BtreeNodeSize() == 0 {
		return xerrors.New("Btree node size not set")
	}
	if !isPowerOfTwo(uint64(sb.BtreeNodeSize())) {
		return xerrors.New("Btree node size not a power of two")
	}
	if sb.BtreeNodeSize() > BtreeNodeSizeMax {
		return xerrors.New("Btree node size too large")
	}

	if sb.GCReserve() < 5 {
		return xerrors.New("gc reserve percentage too small")
	}

	if sb.TimePrecision == 0 || sb.TimePrecision > nsecPerSec {
		return xerrors.New("invalid time precision")
	}

	if err := sb.Layout.Validate(); err != nil {
		return err
	}

	for i := range sb.Fields {
		if sb.Fields[i].U64s() == 0 {
			return xerrors.New("Invalid superblock: invalid optional field")
		}
		if sb.Fields[i].Type >= FieldNR {
			return xerrors.New("Invalid superblock: unknown optional field type")
		}
	}

	if err := validateMembers(sb); err != nil {
		return err
	}

	mi, err := sb.Member(sb.DevIdx)
	if err != nil {
		return err
	}

	if mi.Nbuckets > math.MaxInt64 {
		return xerrors.New("Too many buckets")
	}
	if mi.Nbuckets-uint64(mi.FirstBucket) < MinBuckets {
		return xerrors.New("Not enough buckets")
	}
	if !isPowerOfTwo(uint64(mi.BucketSize)) ||
		mi.BucketSize < PageSectors ||
		uint64(mi.BucketSize) < blockSize {
		return xerrors.New("Bad bucket size")
	}

	if size, err := h.dev.Size(); err != nil {
		return xerrors.Errorf("failed to query device size: %w", err)
	} else if size/512 < uint64(mi.BucketSize)*mi.Nbuckets {
		return xerrors.New("Invalid superblock: device too small")
	}

	if err := validateJournal(sb, mi); err != nil {
		return err
	}

	return validateReplicas(sb)
}
