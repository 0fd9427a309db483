package bcachefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/masahiro331/go-bcachefs/blockio"
)

// testDevice creates a sparse image file of the given size and opens it.
func testDevice(t *testing.T, size int64) *blockio.Device {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dev.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	dev, err := blockio.Open(path, blockio.ModeRead|blockio.ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(sb *Superblock)
		expected string
	}{
		{
			name:   "valid",
			mutate: func(sb *Superblock) {},
		},
		{
			name:     "unsupported version",
			mutate:   func(sb *Superblock) { sb.Version = 5 },
			expected: "Unsupported superblock version",
		},
		{
			name:     "block size not a power of two",
			mutate:   func(sb *Superblock) { sb.BlockSize = 3 },
			expected: "Bad block size",
		},
		{
			name:     "block size too large",
			mutate:   func(sb *Superblock) { sb.BlockSize = 2 * PageSectors },
			expected: "Bad block size",
		},
		{
			name:     "zero user uuid",
			mutate:   func(sb *Superblock) { sb.UserUUID = uuid.Nil },
			expected: "Bad user UUID",
		},
		{
			name:     "zero internal uuid",
			mutate:   func(sb *Superblock) { sb.UUID = uuid.Nil },
			expected: "Bad internal UUID",
		},
		{
			name:     "zero devices",
			mutate:   func(sb *Superblock) { sb.NrDevices = 0 },
			expected: "Bad cache device number in set",
		},
		{
			name:     "dev idx out of range",
			mutate:   func(sb *Superblock) { sb.DevIdx = 2 },
			expected: "Bad cache device number in set",
		},
		{
			name:     "zero metadata replicas",
			mutate:   func(sb *Superblock) { sb.SetMetaReplicasWant(0) },
			expected: "Invalid number of metadata replicas",
		},
		{
			name:     "metadata replicas required too high",
			mutate:   func(sb *Superblock) { sb.SetMetaReplicasReq(ReplicasMax) },
			expected: "Invalid number of metadata replicas",
		},
		{
			name:     "zero data replicas",
			mutate:   func(sb *Superblock) { sb.SetDataReplicasWant(0) },
			expected: "Invalid number of data replicas",
		},
		{
			name:     "btree node size not set",
			mutate:   func(sb *Superblock) { sb.SetBtreeNodeSize(0) },
			expected: "Btree node size not set",
		},
		{
			name:     "btree node size not a power of two",
			mutate:   func(sb *Superblock) { sb.SetBtreeNodeSize(6) },
			expected: "Btree node size not a power of two",
		},
		{
			name:     "btree node size too large",
			mutate:   func(sb *Superblock) { sb.SetBtreeNodeSize(2 * BtreeNodeSizeMax) },
			expected: "Btree node size too large",
		},
		{
			name:     "gc reserve too small",
			mutate:   func(sb *Superblock) { sb.SetGCReserve(4) },
			expected: "gc reserve percentage too small",
		},
		{
			name:     "zero time precision",
			mutate:   func(sb *Superblock) { sb.TimePrecision = 0 },
			expected: "invalid time precision",
		},
		{
			name:     "broken embedded layout",
			mutate:   func(sb *Superblock) { sb.Layout.NrSuperblocks = 0 },
			expected: "Invalid superblock layout: no superblocks",
		},
		{
			name: "unknown field type",
			mutate: func(sb *Superblock) {
				sb.Fields = append(sb.Fields, Field{Type: FieldNR, Data: make([]byte, 8)})
			},
			expected: "Invalid superblock: unknown optional field type",
		},
		{
			name: "missing member table",
			mutate: func(sb *Superblock) {
				sb.Fields = sb.Fields[:0]
			},
			expected: "Invalid superblock: member info area missing",
		},
		{
			name: "bucket size below btree node size",
			mutate: func(sb *Superblock) {
				sb.SetBtreeNodeSize(16)
			},
			expected: "bucket size smaller than btree node size",
		},
		{
			name: "not enough buckets",
			mutate: func(sb *Superblock) {
				members, _ := sb.Members()
				members[0].Nbuckets = 512
				sb.setMembers(members)
			},
			expected: "Not enough buckets",
		},
		{
			name: "bucket size below a page",
			mutate: func(sb *Superblock) {
				sb.SetBtreeNodeSize(4)
				members, _ := sb.Members()
				members[0].BucketSize = 4
				sb.setMembers(members)
			},
			expected: "Bad bucket size",
		},
		{
			name: "journal bucket at sector 0",
			mutate: func(sb *Superblock) {
				sb.setJournalBuckets([]uint64{0, 34, 35})
			},
			expected: "journal bucket at sector 0",
		},
		{
			name: "journal bucket before first bucket",
			mutate: func(sb *Superblock) {
				sb.setJournalBuckets([]uint64{1, 34, 35})
			},
			expected: "journal bucket before first bucket",
		},
		{
			name: "duplicate journal buckets",
			mutate: func(sb *Superblock) {
				sb.setJournalBuckets([]uint64{33, 33, 34})
			},
			expected: "duplicate journal buckets",
		},
		{
			name: "journal bucket past end of device",
			mutate: func(sb *Superblock) {
				sb.setJournalBuckets([]uint64{33, 5000})
			},
			expected: "journal bucket past end of device",
		},
		{
			name: "replicas entry with bad device",
			mutate: func(sb *Superblock) {
				f := sb.resizeField(FieldReplicas, 2)
				f.Data[0] = byte(DataBtree)
				f.Data[1] = 1
				f.Data[2] = 7 // no such member
			},
			expected: "invalid replicas entry: invalid device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Handle{
				SB:  testSuperblock(),
				buf: NewBuffer(),
				dev: testDevice(t, 16<<20),
			}
			tt.mutate(h.SB)

			err := h.Validate()
			if tt.expected == "" {
				if err != nil {
					t.Fatalf("expected valid superblock, actual error %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.expected {
				t.Errorf("expected error %q, actual %v", tt.expected, err)
			}
		})
	}
}

func TestValidateDeviceTooSmall(t *testing.T) {
	h := &Handle{
		SB:  testSuperblock(),
		buf: NewBuffer(),
		dev: testDevice(t, 8<<20),
	}
	err := h.Validate()
	if err == nil || err.Error() != "Invalid superblock: device too small" {
		t.Errorf("expected device too small error, actual %v", err)
	}
}
