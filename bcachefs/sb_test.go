package bcachefs

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func testSuperblock() *Superblock {
	sb := &Superblock{
		Version:       Version,
		Magic:         Magic,
		UUID:          uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		UserUUID:      uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"),
		Offset:        SBSector,
		Seq:           1,
		BlockSize:     PageSectors,
		NrDevices:     2,
		TimeBaseLo:    1000,
		TimePrecision: 1,
		Layout:        defaultLayout(7, 2),
	}
	sb.SetLabel("testfs")
	sb.SetCsumType(CsumCRC32C)
	sb.SetMetaReplicasWant(2)
	sb.SetDataReplicasWant(2)
	sb.SetMetaReplicasReq(1)
	sb.SetDataReplicasReq(1)
	sb.SetBtreeNodeSize(8)
	sb.SetGCReserve(8)
	sb.SetClean(true)

	members := []Member{
		{UUID: uuid.New(), Nbuckets: 4096, FirstBucket: 33, BucketSize: 8},
		{UUID: uuid.New(), Nbuckets: 4096, FirstBucket: 33, BucketSize: 8},
	}
	members[0].SetState(MemberRW)
	members[1].SetState(MemberRW)
	sb.setMembers(members)
	sb.setJournalBuckets([]uint64{33, 34, 35, 36, 37, 38, 39, 40})
	return sb
}

func TestSuperblockFlags(t *testing.T) {
	sb := testSuperblock()

	if got := sb.CsumType(); got != CsumCRC32C {
		t.Errorf("expected csum type %s, actual %s", CsumCRC32C, got)
	}
	if got := sb.MetaReplicasWant(); got != 2 {
		t.Errorf("expected 2 metadata replicas, actual %d", got)
	}
	if got := sb.BtreeNodeSize(); got != 8 {
		t.Errorf("expected btree node size 8, actual %d", got)
	}
	if !sb.Clean() {
		t.Error("expected clean flag set")
	}
	if sb.Initialized() {
		t.Error("expected initialized flag clear")
	}

	// neighbouring bitfields must not clobber each other
	sb.SetBtreeNodeSize(512)
	sb.SetGCReserve(20)
	if got := sb.DataReplicasWant(); got != 2 {
		t.Errorf("expected 2 data replicas after neighbour writes, actual %d", got)
	}
	if got := sb.BtreeNodeSize(); got != 512 {
		t.Errorf("expected btree node size 512, actual %d", got)
	}
	if got := sb.GCReserve(); got != 20 {
		t.Errorf("expected gc reserve 20, actual %d", got)
	}
}

func TestSuperblockEncodeDecode(t *testing.T) {
	sb := testSuperblock()

	raw, err := sb.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(raw)) != sb.TotalBytes() {
		t.Fatalf("expected %d bytes, actual %d", sb.TotalBytes(), len(raw))
	}
	if got := checksum(CsumCRC32C, raw[csumSize:]); got != sb.Csum {
		t.Fatalf("expected stamped checksum %+v, actual %+v", sb.Csum, got)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.UUID != sb.UUID || got.Seq != sb.Seq || got.Flags != sb.Flags {
		t.Error("header fields did not survive the round trip")
	}
	if got.LabelString() != "testfs" {
		t.Errorf("expected label testfs, actual %q", got.LabelString())
	}
	if len(got.Fields) != len(sb.Fields) {
		t.Fatalf("expected %d fields, actual %d", len(sb.Fields), len(got.Fields))
	}
	for i := range sb.Fields {
		if got.Fields[i].Type != sb.Fields[i].Type ||
			!bytes.Equal(got.Fields[i].Data, sb.Fields[i].Data) {
			t.Errorf("field %s did not survive the round trip", sb.Fields[i].Type)
		}
	}

	// re-encoding the decode must be byte identical
	raw2, err := got.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, raw2) {
		t.Error("expected identical bytes after decode and re-encode")
	}
}

func TestDecodeRejectsBadFieldArea(t *testing.T) {
	sb := testSuperblock()
	raw, err := sb.Encode()
	if err != nil {
		t.Fatal(err)
	}

	// declare one more word than the image holds
	grown := make([]byte, len(raw))
	copy(grown, raw)
	u64s := headerU64s(grown)
	const off = 16 + 8 + 16 + 16 + 16 + 32 + 8 + 8 + 2 + 1 + 1
	putU32(grown[off:], u64s+1)
	if _, err := Decode(grown); err == nil {
		t.Error("expected error for overlong field area")
	}

	if _, err := Decode(raw[:headerSize-1]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestCopyFromKeepsDeviceLocalState(t *testing.T) {
	src := testSuperblock()
	src.Seq = 9
	src.SetLabel("renamed")

	dst := testSuperblock()
	dst.DevIdx = 1
	dst.Offset = 136
	dst.setJournalBuckets([]uint64{100, 101})
	journalBefore := append([]uint64{}, dst.JournalBuckets()...)

	dst.CopyFrom(src)

	if dst.Seq != 9 || dst.LabelString() != "renamed" {
		t.Error("shared header fields not propagated")
	}
	if dst.DevIdx != 1 {
		t.Errorf("expected dev idx 1 kept, actual %d", dst.DevIdx)
	}
	if dst.Offset != 136 {
		t.Errorf("expected offset 136 kept, actual %d", dst.Offset)
	}
	got := dst.JournalBuckets()
	if len(got) != len(journalBefore) {
		t.Fatalf("expected journal kept (%d buckets), actual %d", len(journalBefore), len(got))
	}
	for i := range got {
		if got[i] != journalBefore[i] {
			t.Fatal("journal buckets changed by copy")
		}
	}
}

func TestClone(t *testing.T) {
	sb := testSuperblock()
	c := sb.Clone()

	f := c.Field(FieldMembers)
	f.Data[0] ^= 0xff
	if sb.Field(FieldMembers).Data[0] == f.Data[0] {
		t.Error("expected clone to own its field payloads")
	}
}
