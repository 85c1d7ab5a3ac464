// Package bitfield is a sparse, growable bit vector used to track which log
// positions a party holds.
//
// Bits live in fixed size pages allocated on first write, so announcing a
// very large index costs one page rather than a dense allocation up to
// that index. The byte form used on the wire is dense and stops at the
// last byte holding a set bit. Bit i is stored in byte i/8 under the mask
// 0x80 >> (i % 8).
package bitfield

import "math/bits"

const (
	pageBytes = 1024
	pageBits  = pageBytes * 8
)

type page [pageBytes]byte

// Bitfield is not safe for concurrent use.
type Bitfield struct {
	pages map[uint64]*page
	last  uint64
	count uint64
	any   bool
}

// New returns an empty bitfield.
func New() *Bitfield {
	return &Bitfield{pages: make(map[uint64]*page)}
}

// FromBytes builds a bitfield from its dense byte form.
func FromBytes(buf []byte) *Bitfield {
	b := New()
	for i, v := range buf {
		if v == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if v&(0x80>>bit) != 0 {
				b.Set(uint64(i)*8+uint64(bit), true)
			}
		}
	}
	return b
}

// Get reports whether bit i is set.
func (b *Bitfield) Get(i uint64) bool {
	p, ok := b.pages[i/pageBits]
	if !ok {
		return false
	}
	off := i % pageBits
	return p[off/8]&(0x80>>(off%8)) != 0
}

// Set sets or clears bit i and reports whether the bitfield changed.
func (b *Bitfield) Set(i uint64, value bool) bool {
	n := i / pageBits
	p, ok := b.pages[n]
	if !ok {
		if !value {
			return false
		}
		p = new(page)
		b.pages[n] = p
	}

	off := i % pageBits
	mask := byte(0x80 >> (off % 8))
	was := p[off/8]&mask != 0
	if was == value {
		return false
	}

	if value {
		p[off/8] |= mask
		b.count++
		if !b.any || i > b.last {
			b.last = i
			b.any = true
		}
		return true
	}

	p[off/8] &^= mask
	b.count--
	if i == b.last {
		b.last, b.any = b.scanLast()
	}
	return true
}

// Last returns the highest set bit.
func (b *Bitfield) Last() (uint64, bool) {
	return b.last, b.any
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint64 {
	return b.count
}

// Bytes returns the dense form, truncated after the last set bit.
func (b *Bitfield) Bytes() []byte {
	if !b.any {
		return nil
	}
	out := make([]byte, b.last/8+1)
	for n, p := range b.pages {
		start := n * pageBytes
		if start >= uint64(len(out)) {
			continue
		}
		copy(out[start:], p[:])
	}
	return out
}

func (b *Bitfield) scanLast() (uint64, bool) {
	var (
		best  uint64
		found bool
	)
	for n, p := range b.pages {
		for i := pageBytes - 1; i >= 0; i-- {
			if p[i] == 0 {
				continue
			}
			pos := n*pageBits + uint64(i)*8 + uint64(7-bits.TrailingZeros8(p[i]))
			if !found || pos > best {
				best, found = pos, true
			}
			break
		}
	}
	return best, found
}
