package bcachefs

import (
	"bytes"
	"testing"
)

func TestReplicaEntriesCodec(t *testing.T) {
	entries := []ReplicaEntry{
		{DataType: DataJournal, Devs: []uint8{0, 1}},
		{DataType: DataBtree, Devs: []uint8{0, 1, 2}},
		{DataType: DataUser, Devs: []uint8{2}},
	}

	raw := encodeReplicaEntries(entries)
	if len(raw)%8 != 0 {
		t.Fatalf("expected 8-byte aligned payload, actual %d bytes", len(raw))
	}

	got, used, err := decodeReplicaEntries(raw)
	if err != nil {
		t.Fatal(err)
	}
	if used != 2+2+2+3+2+1 {
		t.Errorf("expected 12 used bytes, actual %d", used)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, actual %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i].DataType != entries[i].DataType || !bytes.Equal(got[i].Devs, entries[i].Devs) {
			t.Errorf("entry %d did not survive the round trip", i)
		}
	}
}

func TestDecodeReplicaEntriesTruncated(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "type without count", raw: []byte{byte(DataBtree)}},
		{name: "count past end", raw: []byte{byte(DataBtree), 3, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeReplicaEntries(tt.raw)
			if err == nil || err.Error() != "invalid replicas entry: truncated entry" {
				t.Errorf("expected truncated entry error, actual %v", err)
			}
		})
	}
}

func TestReplicaIndexHas(t *testing.T) {
	entries := []ReplicaEntry{
		{DataType: DataJournal, Devs: []uint8{0, 1}},
		{DataType: DataBtree, Devs: []uint8{0, 1}},
		{DataType: DataBtree, Devs: []uint8{1, 2}},
		{DataType: DataUser, Devs: []uint8{0}},
		{DataType: DataUser, Devs: []uint8{2}},
	}
	r := newReplicaIndex(entries)

	for _, e := range entries {
		if !r.has(e.DataType, e.Devs) {
			t.Errorf("expected index to contain %s %v", e.DataType, e.Devs)
		}
	}
	// device order must not matter
	if !r.has(DataJournal, []uint8{1, 0}) {
		t.Error("expected containment independent of device order")
	}
	if r.has(DataJournal, []uint8{0}) {
		t.Error("subset of a recorded device set must not match")
	}
	if r.has(DataUser, []uint8{1}) {
		t.Error("expected miss for unrecorded combination")
	}
	if r.has(DataBtree, []uint8{200}) {
		t.Error("expected miss for device past the bitmap")
	}
}

func TestReplicaIndexSearchTreeLayout(t *testing.T) {
	// enough entries for a few tree levels
	var entries []ReplicaEntry
	for d := uint8(0); d < 10; d++ {
		entries = append(entries, ReplicaEntry{DataType: DataUser, Devs: []uint8{d}})
	}
	r := newReplicaIndex(entries)

	if r.nr != 10 {
		t.Fatalf("expected 10 records, actual %d", r.nr)
	}
	// in-order traversal of the implicit tree must be sorted
	var inorder [][]byte
	var walk func(k int)
	walk = func(k int) {
		if k >= r.nr {
			return
		}
		walk(2*k + 1)
		inorder = append(inorder, r.entry(k))
		walk(2*k + 2)
	}
	walk(0)
	for i := 0; i+1 < len(inorder); i++ {
		if bytes.Compare(inorder[i], inorder[i+1]) >= 0 {
			t.Fatalf("records %d and %d out of order", i, i+1)
		}
	}

	for d := uint8(0); d < 10; d++ {
		if !r.has(DataUser, []uint8{d}) {
			t.Errorf("expected hit for device %d", d)
		}
	}
}

func TestReplicaIndexWithEntry(t *testing.T) {
	r := newReplicaIndex([]ReplicaEntry{
		{DataType: DataBtree, Devs: []uint8{0, 1}},
	})

	// widening: the new entry references a higher device index
	r2 := r.withEntry(DataUser, []uint8{9})
	if !r2.has(DataBtree, []uint8{0, 1}) {
		t.Error("old entry lost after insert")
	}
	if !r2.has(DataUser, []uint8{9}) {
		t.Error("new entry missing after insert")
	}
	if r.has(DataUser, []uint8{9}) {
		t.Error("insert mutated the source index")
	}
}

func TestReplicaIndexFiltered(t *testing.T) {
	r := newReplicaIndex([]ReplicaEntry{
		{DataType: DataJournal, Devs: []uint8{0}},
		{DataType: DataBtree, Devs: []uint8{0}},
		{DataType: DataUser, Devs: []uint8{0}},
	})

	f := r.filtered(1<<DataBtree | 1<<DataUser)
	if f.nr != 1 {
		t.Fatalf("expected 1 record after filter, actual %d", f.nr)
	}
	if !f.has(DataJournal, []uint8{0}) {
		t.Error("unfiltered entry missing")
	}
	if f.has(DataBtree, []uint8{0}) || f.has(DataUser, []uint8{0}) {
		t.Error("filtered entries still present")
	}
}

func TestReplicaIndexToEntries(t *testing.T) {
	in := []ReplicaEntry{
		{DataType: DataUser, Devs: []uint8{4, 1}},
		{DataType: DataBtree, Devs: []uint8{0, 2}},
	}
	out := newReplicaIndex(in).toEntries()
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, actual %d", len(out))
	}
	for _, e := range out {
		for i := 0; i+1 < len(e.Devs); i++ {
			if e.Devs[i] >= e.Devs[i+1] {
				t.Fatal("expected ascending device order")
			}
		}
	}
}

func TestValidateReplicasField(t *testing.T) {
	tests := []struct {
		name     string
		entries  []byte
		expected string
	}{
		{
			name:    "valid",
			entries: []byte{byte(DataBtree), 2, 0, 1, 0, 0, 0, 0},
		},
		{
			name:     "bad data type",
			entries:  []byte{byte(DataNR), 1, 0, 0, 0, 0, 0, 0},
			expected: "invalid replicas entry: invalid data type",
		},
		{
			name:     "too many devices",
			entries:  []byte{byte(DataUser), 4, 0, 1, 0, 1, 0, 0},
			expected: "invalid replicas entry: too many devices",
		},
		{
			name: "duplicate entries",
			entries: []byte{
				byte(DataUser), 1, 0,
				byte(DataUser), 1, 0,
				0, 0,
			},
			expected: "duplicate replicas entry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := testSuperblock()
			f := sb.resizeField(FieldReplicas, uint32(1+len(tt.entries)/8))
			copy(f.Data, tt.entries)

			err := validateReplicas(sb)
			if tt.expected == "" {
				if err != nil {
					t.Fatalf("expected valid field, actual error %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.expected {
				t.Errorf("expected error %q, actual %v", tt.expected, err)
			}
		})
	}
}
