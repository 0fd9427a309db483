package bcachefs

import (
	"hash/crc32"
	"hash/crc64"

	"github.com/cespare/xxhash/v2"
)

// CsumType selects the digest covering a superblock image. The set is part
// of the on-disk format; the checksum is computed over the image minus the
// checksum word itself, with a fixed all-zero nonce.
type CsumType uint8

const (
	CsumNone CsumType = iota
	CsumCRC32C
	CsumCRC64
	CsumXXHash64
	csumNR
)

func (t CsumType) Valid() bool { return t < csumNR }

func (t CsumType) String() string {
	switch t {
	case CsumNone:
		return "none"
	case CsumCRC32C:
		return "crc32c"
	case CsumCRC64:
		return "crc64"
	case CsumXXHash64:
		return "xxhash64"
	default:
		return "unknown"
	}
}

// Csum is a 128-bit checksum slot; narrower digests fill Lo only.
type Csum struct {
	Lo, Hi uint64
}

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	ecma       = crc64.MakeTable(crc64.ECMA)
)

func checksum(t CsumType, b []byte) Csum {
	switch t {
	case CsumNone:
		return Csum{}
	case CsumCRC32C:
		return Csum{Lo: uint64(crc32.Checksum(b, castagnoli))}
	case CsumCRC64:
		return Csum{Lo: crc64.Checksum(b, ecma)}
	case CsumXXHash64:
		return Csum{Lo: xxhash.Sum64(b)}
	default:
		panic("unknown csum type")
	}
}
