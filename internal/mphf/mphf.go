// Package mphf implements a minimal perfect hash function over byte keys,
// paired with a packed permutation so that a lookup yields the row index a
// key was associated with at build time.
//
// Construction is level based: at each level a bit vector of roughly
// gamma*n candidate slots is filled; keys that land on a slot alone are
// placed, colliding keys move to the next, smaller level. The final index
// of a key is the rank of its bit across all level vectors, which is
// computed in constant time from sampled rank counters. The function is
// total: any input maps to some index in [0,n), but the result is only
// meaningful for keys that were part of the build set.
package mphf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

const (
	gamma         = 2.0
	maxLevels     = 64
	rankSampleLog = 3 // one rank sample per 8 words (512 bits)
)

// ErrCapacity is returned when keys cannot be placed within the level
// budget. Duplicate keys in the build set always trigger it.
var ErrCapacity = errors.New("mphf: level budget exceeded")

var (
	errTooShort = errors.New("mphf: encoded table too short")
	errBadSize  = errors.New("mphf: encoded size mismatch")
)

// Encode builds the hash over keys, where keys[i] maps to index i, and
// returns its serialized form. The key set must be free of duplicates.
func Encode(keys [][]byte) ([]byte, error) {
	n := uint64(len(keys))

	var levels []levelData
	remaining := keys
	for level := 0; len(remaining) > 0; level++ {
		if level == maxLevels {
			return nil, fmt.Errorf("%w: %d keys unplaced after %d levels", ErrCapacity, len(remaining), maxLevels)
		}

		size := uint(float64(len(remaining))*gamma + 63)
		size -= size % 64

		cand := bitset.New(size)
		coll := bitset.New(size)
		for _, key := range remaining {
			h := uint(hashKey(uint64(level), key) % uint64(size))
			if cand.Test(h) {
				coll.Set(h)
			}
			cand.Set(h)
		}
		cand.InPlaceDifference(coll)

		next := remaining[:0:0]
		for _, key := range remaining {
			if !cand.Test(uint(hashKey(uint64(level), key) % uint64(size))) {
				next = append(next, key)
			}
		}
		levels = append(levels, newLevelData(uint64(size), cand.Bytes()))
		remaining = next
	}

	// Dense index of each key, via the same traversal Lookup performs.
	t := &Table{n: n, levels: levels}
	perm := make([]uint64, wordsFor(n*uint64(t.permWidth())))
	for i, key := range keys {
		setBits(perm, t.dense(key)*uint64(t.permWidth()), uint64(i), t.permWidth())
	}
	t.perm = perm

	return t.encode(), nil
}

// Table is a queryable hash. It is safe for concurrent use.
type Table struct {
	n      uint64
	levels []levelData
	perm   []uint64
}

type levelData struct {
	bits  uint64 // vector length in bits
	ones  uint64
	words []uint64
	ranks []uint64 // cumulative ones before every 8th word
}

func newLevelData(size uint64, words []uint64) levelData {
	lv := levelData{bits: size, words: words}
	lv.ranks = make([]uint64, (len(words)+(1<<rankSampleLog)-1)>>rankSampleLog)
	var total uint64
	for i, w := range words {
		if i&(1<<rankSampleLog-1) == 0 {
			lv.ranks[i>>rankSampleLog] = total
		}
		total += uint64(bits.OnesCount64(w))
	}
	lv.ones = total
	return lv
}

// rank counts set bits strictly below bit position p.
func (lv *levelData) rank(p uint64) uint64 {
	w := int(p / 64)
	total := lv.ranks[w>>rankSampleLog]
	for i := w &^ (1<<rankSampleLog - 1); i < w; i++ {
		total += uint64(bits.OnesCount64(lv.words[i]))
	}
	return total + uint64(bits.OnesCount64(lv.words[w]&(1<<(p%64)-1)))
}

func (lv *levelData) test(p uint64) bool {
	return lv.words[p/64]&(1<<(p%64)) != 0
}

// Len returns the size of the build set.
func (t *Table) Len() uint64 { return t.n }

// Lookup maps a key to its row index. For keys outside the build set the
// result is an arbitrary in-range index and must not be trusted without
// external verification.
func (t *Table) Lookup(key []byte) uint64 {
	if t.n == 0 {
		return 0
	}
	d := t.dense(key) * uint64(t.permWidth())
	return getBits(t.perm, d, t.permWidth())
}

func (t *Table) dense(key []byte) uint64 {
	var base uint64
	for level := range t.levels {
		lv := &t.levels[level]
		h := hashKey(uint64(level), key) % lv.bits
		if lv.test(h) {
			return base + lv.rank(h)
		}
		base += lv.ones
	}
	return 0 // key was not in the build set
}

func (t *Table) permWidth() uint {
	if t.n < 2 {
		return 1
	}
	return uint(bits.Len64(t.n - 1))
}

func (t *Table) encode() []byte {
	buf := new(bytes.Buffer)
	writeU64(buf, t.n)
	writeU64(buf, uint64(len(t.levels)))
	for _, lv := range t.levels {
		writeU64(buf, lv.bits)
		for _, w := range lv.words {
			writeU64(buf, w)
		}
	}
	for _, w := range t.perm {
		writeU64(buf, w)
	}
	return buf.Bytes()
}

// Open decodes a serialized table. Level words are copied out of b, so the
// source buffer is not retained.
func Open(b []byte) (*Table, error) {
	n, b, err := readU64(b)
	if err != nil {
		return nil, err
	}
	numLevels, b, err := readU64(b)
	if err != nil {
		return nil, err
	}
	if numLevels > maxLevels {
		return nil, fmt.Errorf("%w: %d levels", errBadSize, numLevels)
	}

	t := &Table{n: n, levels: make([]levelData, 0, numLevels)}
	for i := uint64(0); i < numLevels; i++ {
		var size uint64
		if size, b, err = readU64(b); err != nil {
			return nil, err
		}
		if size == 0 || size%64 != 0 {
			return nil, fmt.Errorf("%w: level %d size %d", errBadSize, i, size)
		}
		words := make([]uint64, size/64)
		for j := range words {
			var w uint64
			if w, b, err = readU64(b); err != nil {
				return nil, err
			}
			words[j] = w
		}
		t.levels = append(t.levels, newLevelData(size, words))
	}

	permWords := wordsFor(n * uint64(t.permWidth()))
	if uint64(len(b)) != 8*permWords {
		return nil, fmt.Errorf("%w: %d trailing bytes, want %d", errBadSize, len(b), 8*permWords)
	}
	t.perm = make([]uint64, permWords)
	for j := range t.perm {
		t.perm[j], b, _ = readU64(b)
	}
	return t, nil
}

func hashKey(seed uint64, key []byte) uint64 {
	var s [8]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	d := xxhash.New()
	_, _ = d.Write(s[:])
	_, _ = d.Write(key)
	return d.Sum64()
}

func wordsFor(bits uint64) uint64 { return (bits + 63) / 64 }

func setBits(words []uint64, bitPos, v uint64, l uint) {
	w, off := bitPos/64, bitPos%64
	words[w] |= v << off
	if off+uint64(l) > 64 {
		words[w+1] |= v >> (64 - off)
	}
}

func getBits(words []uint64, bitPos uint64, l uint) uint64 {
	w, off := bitPos/64, bitPos%64
	v := words[w] >> off
	if off+uint64(l) > 64 {
		v |= words[w+1] << (64 - off)
	}
	return v & (1<<l - 1)
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, _ = buf.Write(b[:])
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errTooShort
	}
	return binary.LittleEndian.Uint64(b), b[8:], nil
}
