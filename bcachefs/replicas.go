package bcachefs

import (
	"bytes"
	"math"
	"sort"

	"golang.org/x/xerrors"
)

// DataType classifies what kind of data a replica entry covers. Part of the
// on-disk format; zero terminates the packed entry list.
type DataType uint8

const (
	DataNone DataType = iota
	DataSB
	DataJournal
	DataBtree
	DataUser
	DataCached
	DataNR
)

var dataTypeNames = [DataNR]string{
	DataNone:    "none",
	DataSB:      "sb",
	DataJournal: "journal",
	DataBtree:   "btree",
	DataUser:    "user",
	DataCached:  "cached",
}

func (t DataType) String() string {
	if t < DataNR {
		return dataTypeNames[t]
	}
	return "unknown"
}

// ReplicaEntry is one on-disk replicas-field record: a data type and the
// device indices holding a copy.
type ReplicaEntry struct {
	DataType DataType
	Devs     []uint8
}

// decodeReplicaEntries parses the packed entry list, stopping at a zero data
// type or the end of the payload. It also reports how many payload bytes the
// entries occupy.
func decodeReplicaEntries(data []byte) ([]ReplicaEntry, int, error) {
	var entries []ReplicaEntry
	i := 0
	for i < len(data) && data[i] != 0 {
		if i+2 > len(data) {
			return nil, 0, xerrors.New("invalid replicas entry: truncated entry")
		}
		nr := int(data[i+1])
		if i+2+nr > len(data) {
			return nil, 0, xerrors.New("invalid replicas entry: truncated entry")
		}
		devs := make([]uint8, nr)
		copy(devs, data[i+2:i+2+nr])
		entries = append(entries, ReplicaEntry{
			DataType: DataType(data[i]),
			Devs:     devs,
		})
		i += 2 + nr
	}
	return entries, i, nil
}

func encodeReplicaEntries(entries []ReplicaEntry) []byte {
	var n int
	for i := range entries {
		n += 2 + len(entries[i].Devs)
	}
	n = (n + 7) / 8 * 8 // zero padding doubles as the terminator

	out := make([]byte, n)
	i := 0
	for _, e := range entries {
		out[i] = byte(e.DataType)
		out[i+1] = uint8(len(e.Devs))
		copy(out[i+2:], e.Devs)
		i += 2 + len(e.Devs)
	}
	return out
}

/*
 * Compact in-memory form: one fixed-width record per entry, a data type byte
 * followed by a device bitmap sized for the largest device index seen. The
 * array is kept in an in-order (eytzinger) search tree layout over raw byte
 * comparison.
 */

type replicaIndex struct {
	nr        int
	entrySize int
	entries   []byte
}

func (r *replicaIndex) entry(i int) []byte {
	return r.entries[i*r.entrySize : (i+1)*r.entrySize]
}

func (r *replicaIndex) devSlots() int {
	return (r.entrySize - 1) * 8
}

func entrySetDev(row []byte, dev uint8) {
	row[1+dev/8] |= 1 << (dev % 8)
}

func entryTestDev(row []byte, dev int) bool {
	return row[1+dev/8]&(1<<(dev%8)) != 0
}

func entryRowBytes(e ReplicaEntry, entrySize int) []byte {
	row := make([]byte, entrySize)
	row[0] = byte(e.DataType)
	for _, d := range e.Devs {
		entrySetDev(row, d)
	}
	return row
}

func replicaEntrySize(entries []ReplicaEntry) int {
	maxDev := 0
	for i := range entries {
		for _, d := range entries[i].Devs {
			if int(d) > maxDev {
				maxDev = int(d)
			}
		}
	}
	return 1 + (maxDev+1+7)/8
}

// buildIndex lays sorted rows out as an in-order binary search tree: the
// root at index 0, children of k at 2k+1 and 2k+2.
func buildIndex(entrySize int, rows [][]byte) *replicaIndex {
	r := &replicaIndex{
		nr:        len(rows),
		entrySize: entrySize,
		entries:   make([]byte, len(rows)*entrySize),
	}
	next := 0
	var fill func(k int)
	fill = func(k int) {
		if k >= len(rows) {
			return
		}
		fill(2*k + 1)
		copy(r.entry(k), rows[next])
		next++
		fill(2*k + 2)
	}
	fill(0)
	return r
}

func sortRows(rows [][]byte) {
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i], rows[j]) < 0
	})
}

// newReplicaIndex derives the compact index from on-disk entries: one pass
// for entry count and maximum device index, then conversion and sorting.
func newReplicaIndex(entries []ReplicaEntry) *replicaIndex {
	entrySize := replicaEntrySize(entries)
	rows := make([][]byte, len(entries))
	for i := range entries {
		rows[i] = entryRowBytes(entries[i], entrySize)
	}
	sortRows(rows)
	return buildIndex(entrySize, rows)
}

// rows returns the index's records; sorted order is not guaranteed.
func (r *replicaIndex) rows() [][]byte {
	out := make([][]byte, r.nr)
	for i := 0; i < r.nr; i++ {
		row := make([]byte, r.entrySize)
		copy(row, r.entry(i))
		out[i] = row
	}
	return out
}

func (r *replicaIndex) searchKey(t DataType, devs []uint8) ([]byte, bool) {
	key := make([]byte, r.entrySize)
	key[0] = byte(t)
	for _, d := range devs {
		if int(d) >= r.devSlots() {
			return nil, false
		}
		entrySetDev(key, d)
	}
	return key, true
}

// has checks containment by walking the search tree layout.
func (r *replicaIndex) has(t DataType, devs []uint8) bool {
	key, ok := r.searchKey(t, devs)
	if !ok {
		return false
	}
	i := 0
	for i < r.nr {
		switch bytes.Compare(key, r.entry(i)) {
		case 0:
			return true
		case -1:
			i = 2*i + 1
		default:
			i = 2*i + 2
		}
	}
	return false
}

// withEntry returns a copy of the index with one more (type, device set)
// record, widening the bitmap if the new entry references a higher device
// index.
func (r *replicaIndex) withEntry(t DataType, devs []uint8) *replicaIndex {
	entrySize := replicaEntrySize([]ReplicaEntry{{DataType: t, Devs: devs}})
	if r.entrySize > entrySize {
		entrySize = r.entrySize
	}

	rows := make([][]byte, 0, r.nr+1)
	for i := 0; i < r.nr; i++ {
		row := make([]byte, entrySize)
		copy(row, r.entry(i))
		rows = append(rows, row)
	}
	rows = append(rows, entryRowBytes(ReplicaEntry{DataType: t, Devs: devs}, entrySize))
	sortRows(rows)
	return buildIndex(entrySize, rows)
}

// filtered returns a copy without the entries whose data type is set in
// typemask. Entry width is preserved.
func (r *replicaIndex) filtered(typemask uint) *replicaIndex {
	rows := make([][]byte, 0, r.nr)
	for i := 0; i < r.nr; i++ {
		if typemask&(1<<r.entry(i)[0]) != 0 {
			continue
		}
		row := make([]byte, r.entrySize)
		copy(row, r.entry(i))
		rows = append(rows, row)
	}
	sortRows(rows)
	return buildIndex(r.entrySize, rows)
}

// toEntries converts back to the on-disk record form, device lists in
// ascending index order.
func (r *replicaIndex) toEntries() []ReplicaEntry {
	entries := make([]ReplicaEntry, 0, r.nr)
	for i := 0; i < r.nr; i++ {
		row := r.entry(i)
		e := ReplicaEntry{DataType: DataType(row[0])}
		for dev := 0; dev < r.devSlots(); dev++ {
			if entryTestDev(row, dev) {
				e.Devs = append(e.Devs, uint8(dev))
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// validateReplicas checks the on-disk replicas field: every entry's data
// type and devices must be valid and the compact form free of duplicate
// (type, bitmap) pairs.
func validateReplicas(sb *Superblock) error {
	f := sb.Field(FieldReplicas)
	if f == nil {
		return nil
	}

	entries, _, err := decodeReplicaEntries(f.Data)
	if err != nil {
		return err
	}

	members, err := sb.Members()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.DataType >= DataNR {
			return xerrors.New("invalid replicas entry: invalid data type")
		}
		if len(e.Devs) >= ReplicasMax {
			return xerrors.New("invalid replicas entry: too many devices")
		}
		for _, d := range e.Devs {
			if !memberExists(members, int(d)) {
				return xerrors.New("invalid replicas entry: invalid device")
			}
		}
	}

	entrySize := replicaEntrySize(entries)
	rows := make([][]byte, len(entries))
	for i := range entries {
		rows[i] = entryRowBytes(entries[i], entrySize)
	}
	sortRows(rows)
	for i := 0; i+1 < len(rows); i++ {
		if bytes.Equal(rows[i], rows[i+1]) {
			return xerrors.New("duplicate replicas entry")
		}
	}
	return nil
}

/* filesystem-level replica tracking */

// rebuildReplicas re-derives the compact index from the on-disk replicas
// field and swaps it in; readers keep using the old snapshot until they drop
// it. SBLock must be held.
func (c *FileSystem) rebuildReplicas() error {
	var data []byte
	if f := c.sb.Field(FieldReplicas); f != nil {
		data = f.Data
	}
	entries, _, err := decodeReplicaEntries(data)
	if err != nil {
		return err
	}
	c.replicas.Store(newReplicaIndex(entries))
	return nil
}

// HasReplicas reports whether the (data type, device set) combination is
// already recorded. Lock-free; reads the current snapshot.
func (c *FileSystem) HasReplicas(t DataType, devs []uint8) bool {
	r := c.replicas.Load()
	return r != nil && r.has(t, devs)
}

// CheckMarkReplicas ensures the (data type, device set) combination is
// recorded on disk, taking the slow path only when it is missing or a GC
// cycle is collecting entries.
func (c *FileSystem) CheckMarkReplicas(t DataType, devs []uint8) error {
	if !c.gcActive.Load() && c.HasReplicas(t, devs) {
		return nil
	}
	return c.checkMarkSlowpath(t, devs)
}

func (c *FileSystem) checkMarkSlowpath(t DataType, devs []uint8) error {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	if gc := c.replicasGC; gc != nil && !gc.has(t, devs) {
		c.replicasGC = gc.withEntry(t, devs)
	}

	// recheck, might have raced
	if r := c.replicas.Load(); r != nil && r.has(t, devs) {
		return nil
	}

	var used int
	if f := c.sb.Field(FieldReplicas); f != nil {
		var err error
		_, used, err = decodeReplicaEntries(f.Data)
		if err != nil {
			return err
		}
	}

	entryBytes := 2 + len(devs)
	newU64s := uint32(1 + (used+entryBytes+7)/8)

	f, err := c.resizeField(FieldReplicas, newU64s)
	if err != nil {
		return err
	}

	f.Data[used] = byte(t)
	f.Data[used+1] = uint8(len(devs))
	copy(f.Data[used+2:], devs)

	if err := c.rebuildReplicas(); err != nil {
		for i := used; i < len(f.Data); i++ {
			f.Data[i] = 0
		}
		return err
	}

	return c.WriteSuper()
}

// ReplicasGCStart begins a GC cycle: the stable index, minus entries whose
// data type is set in typemask, becomes the in-progress index that
// concurrent scans repopulate through CheckMarkReplicas. Readers of the
// stable index are never blocked.
func (c *FileSystem) ReplicasGCStart(typemask uint) error {
	if !c.gcActive.CompareAndSwap(false, true) {
		return xerrors.New("replicas gc already in progress")
	}

	c.SBLock.Lock()
	defer c.SBLock.Unlock()

	src := c.replicas.Load()
	if src == nil {
		src = newReplicaIndex(nil)
	}
	c.replicasGC = src.filtered(typemask)
	return nil
}

// ReplicasGCEnd finishes a GC cycle. On failure the in-progress index is
// discarded; on success it is persisted as the new on-disk replicas field
// and swapped in as the stable index.
func (c *FileSystem) ReplicasGCEnd(gcErr error) error {
	c.SBLock.Lock()
	defer c.SBLock.Unlock()
	defer c.gcActive.Store(false)

	r := c.replicasGC
	c.replicasGC = nil
	if r == nil {
		return xerrors.New("no replicas gc in progress")
	}
	if gcErr != nil {
		return nil
	}

	payload := encodeReplicaEntries(r.toEntries())
	f, err := c.resizeField(FieldReplicas, uint32(1+len(payload)/8))
	if err != nil {
		return err
	}
	copy(f.Data, payload)

	c.replicas.Store(r)
	return c.WriteSuper()
}

// ReplicaStatus is the worst-case redundancy for one data type.
type ReplicaStatus struct {
	NrOnline  uint32
	NrOffline uint32
}

// ReplicasStatus aggregates replica redundancy per data type.
type ReplicasStatus struct {
	Replicas [DataNR]ReplicaStatus
}

// ReplicasStatus reports, per data type, the minimum online and maximum
// offline replica counts over all entries of that type. The min/max
// asymmetry is deliberate: it reflects worst-case redundancy and gates
// destructive operations. Data types with no entries report NrOnline of
// ^uint32(0).
func (c *FileSystem) ReplicasStatus() ReplicasStatus {
	return c.replicasStatus(nil)
}

// replicasStatus optionally treats one device as already offline, for
// "what if we removed it" queries. Lock-free.
func (c *FileSystem) replicasStatus(exclude *DeviceHandle) ReplicasStatus {
	var ret ReplicasStatus
	for i := range ret.Replicas {
		ret.Replicas[i].NrOnline = math.MaxUint32
	}

	r := c.replicas.Load()
	if r == nil {
		return ret
	}

	devSlots := r.devSlots()
	if s := c.summary.Load(); s != nil && int(s.NrDevices) < devSlots {
		devSlots = int(s.NrDevices)
	}

	for i := 0; i < r.nr; i++ {
		e := r.entry(i)
		t := DataType(e[0])
		if t >= DataNR {
			continue
		}

		var nrOnline, nrOffline uint32
		for dev := 0; dev < devSlots; dev++ {
			if !entryTestDev(e, dev) {
				continue
			}
			ca := c.dev(uint8(dev))
			if ca != nil && ca.online.Load() && ca != exclude {
				nrOnline++
			} else {
				nrOffline++
			}
		}

		if nrOnline < ret.Replicas[t].NrOnline {
			ret.Replicas[t].NrOnline = nrOnline
		}
		if nrOffline > ret.Replicas[t].NrOffline {
			ret.Replicas[t].NrOffline = nrOffline
		}
	}
	return ret
}

// ReplicasOnline is the effective online replica count: the weaker of
// journal and btree for metadata, user data otherwise.
func (c *FileSystem) ReplicasOnline(meta bool) uint32 {
	s := c.ReplicasStatus()
	if meta {
		j := s.Replicas[DataJournal].NrOnline
		b := s.Replicas[DataBtree].NrOnline
		if b < j {
			return b
		}
		return j
	}
	return s.Replicas[DataUser].NrOnline
}

// DevHasData returns a bitmask of data types with a replica on the device.
func (c *FileSystem) DevHasData(ca *DeviceHandle) uint {
	r := c.replicas.Load()
	if r == nil || int(ca.Idx) >= r.devSlots() {
		return 0
	}
	var ret uint
	for i := 0; i < r.nr; i++ {
		e := r.entry(i)
		if entryTestDev(e, int(ca.Idx)) {
			ret |= 1 << e[0]
		}
	}
	return ret
}
