package bcachefs

import (
	"bytes"
	"encoding/binary"
	"sort"

	"golang.org/x/xerrors"
)

// JournalBuckets decodes the device-local journal bucket list; a missing
// field is an empty list.
func (sb *Superblock) JournalBuckets() []uint64 {
	f := sb.Field(FieldJournal)
	if f == nil {
		return nil
	}
	buckets := make([]uint64, len(f.Data)/8)
	if err := binary.Read(bytes.NewReader(f.Data), binary.LittleEndian, buckets); err != nil {
		panic(err) // length is a multiple of 8 by construction
	}
	return buckets
}

func encodeJournalBuckets(buckets []uint64) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(buckets)*8))
	if err := binary.Write(buf, binary.LittleEndian, buckets); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// validateJournal checks the journal bucket list against the device's own
// member entry. An absent or empty list is fine; the journal may live on
// other members.
func validateJournal(sb *Superblock, mi Member) error {
	buckets := sb.JournalBuckets()
	if len(buckets) == 0 {
		return nil
	}

	b := make([]uint64, len(buckets))
	copy(b, buckets)
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })

	if b[0] == 0 {
		return xerrors.New("journal bucket at sector 0")
	}
	if b[0] < uint64(mi.FirstBucket) {
		return xerrors.New("journal bucket before first bucket")
	}
	if b[len(b)-1] >= mi.Nbuckets {
		return xerrors.New("journal bucket past end of device")
	}
	for i := 0; i+1 < len(b); i++ {
		if b[i] == b[i+1] {
			return xerrors.New("duplicate journal buckets")
		}
	}
	return nil
}
