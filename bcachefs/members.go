package bcachefs

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// MemberState is a device's participation state, stored in the member's
// flag word.
type MemberState uint8

const (
	MemberRW MemberState = iota
	MemberRO
	MemberFailed
	MemberSpare
	memberStateNR
)

var memberStateNames = [memberStateNR]string{
	MemberRW:     "rw",
	MemberRO:     "ro",
	MemberFailed: "failed",
	MemberSpare:  "spare",
}

func (s MemberState) String() string {
	if s < memberStateNR {
		return memberStateNames[s]
	}
	return "unknown"
}

func ParseMemberState(s string) (MemberState, error) {
	for i, name := range memberStateNames {
		if name == s {
			return MemberState(i), nil
		}
	}
	return 0, xerrors.Errorf("bad device state %s", s)
}

// Member is one slot of the member table field, 56 bytes on disk. A slot is
// absent when its UUID is zero.
type Member struct {
	UUID        uuid.UUID
	Nbuckets    uint64
	FirstBucket uint16
	BucketSize  uint16 // sectors
	Pad         uint32
	LastMount   uint64
	Flags       [2]uint64
}

const memberBytes = 56

func (m *Member) Exists() bool {
	return m.UUID != uuid.Nil
}

func (m *Member) State() MemberState {
	return MemberState(getBits(m.Flags[0], 0, 4))
}

func (m *Member) SetState(s MemberState) {
	setBits(&m.Flags[0], 0, 4, uint64(s))
}

// Members decodes the member table. The table is sized by nr_devices; a
// short field is a format error.
func (sb *Superblock) Members() ([]Member, error) {
	f := sb.Field(FieldMembers)
	if f == nil {
		return nil, xerrors.New("Invalid superblock: member info area missing")
	}
	if len(f.Data) < int(sb.NrDevices)*memberBytes {
		return nil, xerrors.New("Invalid superblock: bad member info")
	}

	members := make([]Member, sb.NrDevices)
	r := bytes.NewReader(f.Data)
	if err := binary.Read(r, binary.LittleEndian, members); err != nil {
		return nil, xerrors.Errorf("failed to read member table: %w", err)
	}
	return members, nil
}

// Member returns the table entry for one device slot.
func (sb *Superblock) Member(idx uint8) (Member, error) {
	members, err := sb.Members()
	if err != nil {
		return Member{}, err
	}
	if int(idx) >= len(members) {
		return Member{}, xerrors.Errorf("no member slot %d", idx)
	}
	return members[idx], nil
}

func membersFieldU64s(nrDevices int) uint32 {
	return uint32(1 + (nrDevices*memberBytes+7)/8)
}

func encodeMembers(members []Member) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(members)*memberBytes))
	if err := binary.Write(buf, binary.LittleEndian, members); err != nil {
		panic(err)
	}
	b := buf.Bytes()
	if pad := (8 - len(b)%8) % 8; pad != 0 {
		b = append(b, make([]byte, pad)...)
	}
	return b
}

// setMembers writes the member table back into the superblock's field
// directory, resizing the field as needed. Size budgets are the caller's
// concern (fs-wide resize goes through FileSystem.resizeField).
func (sb *Superblock) setMembers(members []Member) {
	payload := encodeMembers(members)
	f := sb.resizeField(FieldMembers, uint32(1+len(payload)/8))
	copy(f.Data, payload)
}

// memberExists reports whether device slot i is populated.
func memberExists(members []Member, i int) bool {
	return i < len(members) && members[i].Exists()
}

func validateMembers(sb *Superblock) error {
	f := sb.Field(FieldMembers)
	if f == nil {
		return xerrors.New("Invalid superblock: member info area missing")
	}
	if int(sb.NrDevices)*memberBytes > len(f.Data) {
		return xerrors.New("Invalid superblock: bad member info")
	}

	members, err := sb.Members()
	if err != nil {
		return err
	}
	for i := range members {
		if !members[i].Exists() {
			continue
		}
		if uint32(members[i].BucketSize) < sb.BtreeNodeSize() {
			return xerrors.New("bucket size smaller than btree node size")
		}
	}
	return nil
}
