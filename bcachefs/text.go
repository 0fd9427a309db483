package bcachefs

import (
	"fmt"
	"strings"
)

// Text renders a superblock the way bcachefs show-super prints it. Decode
// errors in optional fields are rendered inline rather than failing the dump.
func (sb *Superblock) Text(showLayout bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "version:\t\t%d\n", sb.Version)
	fmt.Fprintf(&b, "internal uuid:\t\t%s\n", sb.UUID)
	fmt.Fprintf(&b, "external uuid:\t\t%s\n", sb.UserUUID)
	if label := sb.LabelString(); label != "" {
		fmt.Fprintf(&b, "label:\t\t\t%s\n", label)
	}
	fmt.Fprintf(&b, "seq:\t\t\t%d\n", sb.Seq)
	fmt.Fprintf(&b, "offset:\t\t\t%d\n", sb.Offset)
	fmt.Fprintf(&b, "device index:\t\t%d\n", sb.DevIdx)
	fmt.Fprintf(&b, "devices:\t\t%d\n", sb.NrDevices)
	fmt.Fprintf(&b, "block size:\t\t%d\n", sb.BlockSize)
	fmt.Fprintf(&b, "btree node size:\t%d\n", sb.BtreeNodeSize())
	fmt.Fprintf(&b, "metadata csum type:\t%s\n", sb.CsumType())
	fmt.Fprintf(&b, "metadata replicas:\t%d\n", sb.MetaReplicasWant())
	fmt.Fprintf(&b, "data replicas:\t\t%d\n", sb.DataReplicasWant())
	fmt.Fprintf(&b, "metadata replicas req:\t%d\n", sb.MetaReplicasReq())
	fmt.Fprintf(&b, "data replicas req:\t%d\n", sb.DataReplicasReq())
	fmt.Fprintf(&b, "gc reserve percent:\t%d\n", sb.GCReserve())
	fmt.Fprintf(&b, "initialized:\t\t%t\n", sb.Initialized())
	fmt.Fprintf(&b, "clean:\t\t\t%t\n", sb.Clean())

	if showLayout {
		fmt.Fprintf(&b, "\nlayout:\n")
		fmt.Fprintf(&b, "  sb max size:\t\t%d\n", sb.Layout.MaxSBSize())
		fmt.Fprintf(&b, "  superblocks:\t\t%d\n", sb.Layout.NrSuperblocks)
		for i := uint8(0); i < sb.Layout.NrSuperblocks; i++ {
			fmt.Fprintf(&b, "  offset:\t\t%d\n", sb.Layout.SBOffset[i])
		}
	}

	if buckets := sb.JournalBuckets(); len(buckets) > 0 {
		fmt.Fprintf(&b, "\njournal buckets:\t%d (%d..%d)\n",
			len(buckets), buckets[0], buckets[len(buckets)-1])
	}

	members, err := sb.Members()
	if err != nil {
		fmt.Fprintf(&b, "\nmembers: %v\n", err)
	} else {
		for i := range members {
			m := &members[i]
			if !m.Exists() {
				continue
			}
			fmt.Fprintf(&b, "\ndevice %d:\n", i)
			fmt.Fprintf(&b, "  uuid:\t\t\t%s\n", m.UUID)
			fmt.Fprintf(&b, "  state:\t\t%s\n", m.State())
			fmt.Fprintf(&b, "  bucket size:\t\t%d\n", m.BucketSize)
			fmt.Fprintf(&b, "  first bucket:\t\t%d\n", m.FirstBucket)
			fmt.Fprintf(&b, "  buckets:\t\t%d\n", m.Nbuckets)
		}
	}

	if f := sb.Field(FieldReplicas); f != nil {
		entries, _, err := decodeReplicaEntries(f.Data)
		if err != nil {
			fmt.Fprintf(&b, "\nreplicas: %v\n", err)
		} else if len(entries) > 0 {
			fmt.Fprintf(&b, "\nreplicas:\n")
			for _, e := range entries {
				devs := make([]string, len(e.Devs))
				for i, d := range e.Devs {
					devs[i] = fmt.Sprintf("%d", d)
				}
				fmt.Fprintf(&b, "  %s: [%s]\n", e.DataType, strings.Join(devs, " "))
			}
		}
	}

	return b.String()
}
