package bcachefs

import (
	"testing"
)

func TestChecksumVectors(t *testing.T) {
	// standard check value input
	input := []byte("123456789")

	tests := []struct {
		name     string
		typ      CsumType
		expected Csum
	}{
		{
			name:     "none",
			typ:      CsumNone,
			expected: Csum{},
		},
		{
			name:     "crc32c",
			typ:      CsumCRC32C,
			expected: Csum{Lo: 0xe3069283},
		},
		{
			name:     "crc64",
			typ:      CsumCRC64,
			expected: Csum{Lo: 0x995dc9bbdf1939fa},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checksum(tt.typ, input)
			if got != tt.expected {
				t.Errorf("expected %+v, actual %+v", tt.expected, got)
			}
		})
	}
}

func TestChecksumXXHashDeterministic(t *testing.T) {
	a := checksum(CsumXXHash64, []byte("123456789"))
	b := checksum(CsumXXHash64, []byte("123456789"))
	if a != b {
		t.Fatalf("expected equal digests, actual %+v and %+v", a, b)
	}
	if a == (Csum{}) {
		t.Error("expected non-zero digest")
	}
	if c := checksum(CsumXXHash64, []byte("123456780")); c == a {
		t.Error("expected different digest for different input")
	}
}

func TestCsumTypeValid(t *testing.T) {
	for typ := CsumNone; typ < csumNR; typ++ {
		if !typ.Valid() {
			t.Errorf("expected %s to be valid", typ)
		}
	}
	if CsumType(csumNR).Valid() {
		t.Error("expected out-of-range type to be invalid")
	}
}
