// Package eliasfano implements a read-only Elias-Fano encoding of a
// monotone uint64 sequence.
//
// The encoded form splits every value into l low bits, stored verbatim in
// a packed array, and the remaining high bits, stored as unary gaps in a
// bit vector. A sampled select table over the upper bit vector (one sample
// per 256 set bits) makes Get amortized constant time. The sequence is
// queried directly on the serialized bytes, so a memory-mapped encoding
// never needs to be decoded or copied at open time.
//
//	Layout (all values little-endian uint64):
//	+-------+----------+----------+-------------+-------------+----------+
//	| count | universe | low bits | lower words | upper words | jump len |
//	+-------+----------+----------+-------------+-------------+----------+
//	| lower bit array | upper bit array | jump table |
//	+-----------------+-----------------+------------+
package eliasfano

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

const headerLen = 48

var (
	errEmpty    = errors.New("eliasfano: empty sequence")
	errNotAsc   = errors.New("eliasfano: sequence is not monotone")
	errBadSize  = errors.New("eliasfano: encoded size mismatch")
	errTooShort = errors.New("eliasfano: encoded sequence too short")
)

// Encode encodes a non-decreasing sequence of at least one value.
func Encode(values []uint64) ([]byte, error) {
	m := uint64(len(values))
	if m == 0 {
		return nil, errEmpty
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			return nil, errNotAsc
		}
	}

	u := values[m-1] + 1
	var l uint
	if ratio := u / m; ratio > 1 {
		l = uint(bits.Len64(ratio) - 1)
	}

	lowerWords := (m*uint64(l) + 63) / 64
	upperWords := (values[m-1]>>l+m-1)/64 + 1
	jumpLen := (m + 255) / 256

	buf := make([]byte, headerLen+8*(lowerWords+upperWords+jumpLen))
	binary.LittleEndian.PutUint64(buf[0:], m)
	binary.LittleEndian.PutUint64(buf[8:], u)
	binary.LittleEndian.PutUint64(buf[16:], uint64(l))
	binary.LittleEndian.PutUint64(buf[24:], lowerWords)
	binary.LittleEndian.PutUint64(buf[32:], upperWords)
	binary.LittleEndian.PutUint64(buf[40:], jumpLen)

	lower := make([]uint64, lowerWords)
	upper := make([]uint64, upperWords)
	jump := make([]uint64, jumpLen)

	mask := uint64(1)<<l - 1
	for i, v := range values {
		if l != 0 {
			setBits(lower, uint64(i)*uint64(l), v&mask, l)
		}
		pos := v>>l + uint64(i)
		upper[pos/64] |= 1 << (pos % 64)
		if i%256 == 0 {
			jump[i/256] = pos
		}
	}

	off := headerLen
	for _, w := range lower {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	for _, w := range upper {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	for _, w := range jump {
		binary.LittleEndian.PutUint64(buf[off:], w)
		off += 8
	}
	return buf, nil
}

// Sequence provides random access to an encoded sequence. It reads the
// underlying bytes in place and is safe for concurrent use.
type Sequence struct {
	b        []byte
	count    uint64
	universe uint64
	lowBits  uint
	lowerOff int
	upperOff int
	jumpOff  int
}

// Open wraps an encoded sequence. The byte slice is retained.
func Open(b []byte) (*Sequence, error) {
	if len(b) < headerLen {
		return nil, errTooShort
	}
	count := binary.LittleEndian.Uint64(b[0:])
	universe := binary.LittleEndian.Uint64(b[8:])
	lowBits := binary.LittleEndian.Uint64(b[16:])
	lowerWords := binary.LittleEndian.Uint64(b[24:])
	upperWords := binary.LittleEndian.Uint64(b[32:])
	jumpLen := binary.LittleEndian.Uint64(b[40:])

	if count == 0 || lowBits > 63 {
		return nil, fmt.Errorf("%w: count=%d lowBits=%d", errBadSize, count, lowBits)
	}
	want := uint64(headerLen) + 8*(lowerWords+upperWords+jumpLen)
	if uint64(len(b)) != want {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", errBadSize, len(b), want)
	}

	return &Sequence{
		b:        b,
		count:    count,
		universe: universe,
		lowBits:  uint(lowBits),
		lowerOff: headerLen,
		upperOff: headerLen + int(8*lowerWords),
		jumpOff:  headerLen + int(8*(lowerWords+upperWords)),
	}, nil
}

// Len returns the number of values in the sequence.
func (s *Sequence) Len() uint64 { return s.count }

// Last returns the final, largest value.
func (s *Sequence) Last() uint64 { return s.Get(s.count - 1) }

// Get returns the i-th value. It panics when i >= Len.
func (s *Sequence) Get(i uint64) uint64 {
	if i >= s.count {
		panic(fmt.Sprintf("eliasfano: index %d out of range [0,%d)", i, s.count))
	}

	var low uint64
	if s.lowBits != 0 {
		low = getBits(s.b[s.lowerOff:], i*uint64(s.lowBits), s.lowBits)
	}
	pos := s.selectOne(i)
	return (pos-i)<<s.lowBits | low
}

// selectOne locates the bit position of the i-th set bit in the upper
// bit vector, starting from the nearest jump sample.
func (s *Sequence) selectOne(i uint64) uint64 {
	start := binary.LittleEndian.Uint64(s.b[s.jumpOff+int(i>>8)*8:])
	remaining := i - i>>8<<8

	w := start / 64
	cur := s.upperWord(w) &^ (1<<(start%64) - 1)
	for {
		c := uint64(bits.OnesCount64(cur))
		if remaining < c {
			for k := uint64(0); k < remaining; k++ {
				cur &= cur - 1
			}
			return w*64 + uint64(bits.TrailingZeros64(cur))
		}
		remaining -= c
		w++
		cur = s.upperWord(w)
	}
}

func (s *Sequence) upperWord(w uint64) uint64 {
	return binary.LittleEndian.Uint64(s.b[s.upperOff+int(w)*8:])
}

// setBits writes an l-bit value at the given bit offset.
func setBits(words []uint64, bitPos, v uint64, l uint) {
	w, off := bitPos/64, bitPos%64
	words[w] |= v << off
	if off+uint64(l) > 64 {
		words[w+1] |= v >> (64 - off)
	}
}

// getBits reads an l-bit value at the given bit offset from serialized words.
func getBits(b []byte, bitPos uint64, l uint) uint64 {
	w, off := bitPos/64, bitPos%64
	v := binary.LittleEndian.Uint64(b[w*8:]) >> off
	if off+uint64(l) > 64 {
		v |= binary.LittleEndian.Uint64(b[(w+1)*8:]) << (64 - off)
	}
	return v & (1<<l - 1)
}
