package bcachefs

import (
	"golang.org/x/xerrors"
)

const (
	PageSize    = 4096
	PageSectors = PageSize / 512
)

// Buffer backs one superblock image with page-granular, power-of-two sized
// memory. It only ever grows; existing content is preserved across growth.
type Buffer struct {
	b     []byte
	order uint
}

func NewBuffer() *Buffer {
	return &Buffer{b: make([]byte, PageSize)}
}

func (b *Buffer) Bytes() []byte { return b.b }
func (b *Buffer) Len() int      { return len(b.b) }

// EnsureCapacity grows the buffer to the smallest power-of-two page count
// covering n bytes. Shrinking never happens.
func (b *Buffer) EnsureCapacity(n int) {
	if b.b != nil && n <= len(b.b) {
		return
	}
	order := b.order
	for PageSize<<order < n {
		order++
	}
	nb := make([]byte, PageSize<<order)
	copy(nb, b.b)
	b.b = nb
	b.order = order
}

// EnsureSBCapacity is EnsureCapacity bounded by the per-copy on-disk budget.
// Exceeding the budget is a hard format error, never silently clamped.
func (b *Buffer) EnsureSBCapacity(n int, maxBytes uint64) error {
	if uint64(n) > maxBytes {
		return xerrors.Errorf("%w: want %d but have %d", ErrTooBig, n, maxBytes)
	}
	b.EnsureCapacity(n)
	return nil
}
