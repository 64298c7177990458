package rowjar

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// headerColumn is the persisted schema of a single column.
type headerColumn struct {
	name  string
	codec Codec
	dict  []byte
}

type header struct {
	flags byte
	rows  uint64
	cols  []headerColumn
	size  int // encoded length in bytes
}

func (h *header) keyed() bool { return h.flags&flagKeyIndex != 0 }

func encodeHeader(h *header) []byte {
	buf := append([]byte(nil), magic...)
	buf = append(buf, Version, h.flags)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.cols)))
	buf = binary.LittleEndian.AppendUint64(buf, h.rows)
	for _, col := range h.cols {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(col.name)))
		buf = append(buf, col.name...)
		buf = append(buf, byte(col.codec))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(col.dict)))
		buf = append(buf, col.dict...)
	}
	return buf
}

func parseHeader(b []byte) (*header, error) {
	if len(b) < 20 {
		return nil, ErrTruncated
	}
	if string(b[:8]) != string(magic) {
		return nil, ErrBadMagic
	}
	if b[8] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, b[8])
	}

	h := &header{flags: b[9]}
	numCols := int(binary.LittleEndian.Uint16(b[10:]))
	h.rows = binary.LittleEndian.Uint64(b[12:])

	pos := 20
	for i := 0; i < numCols; i++ {
		if len(b) < pos+2 {
			return nil, ErrTruncated
		}
		nameLen := int(binary.LittleEndian.Uint16(b[pos:]))
		pos += 2
		if len(b) < pos+nameLen+5 {
			return nil, ErrTruncated
		}
		name := string(b[pos : pos+nameLen])
		pos += nameLen
		codec := Codec(b[pos])
		pos++
		dictLen := int(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
		if len(b) < pos+dictLen {
			return nil, ErrTruncated
		}
		var dict []byte
		if dictLen > 0 {
			dict = b[pos : pos+dictLen]
		}
		pos += dictLen

		if !codec.isValid() {
			return nil, fmt.Errorf("%w: column %d", errBadCodec, i)
		}
		h.cols = append(h.cols, headerColumn{name: name, codec: codec, dict: dict})
	}
	h.size = pos
	return h, nil
}

// --------------------------------------------------------------------

// toc records the byte range of every section of the jar.
type toc struct {
	cols      []tocColumn
	filterOff uint64
	filterLen uint64
	phfOff    uint64
	phfLen    uint64
	headerLen uint64
}

type tocColumn struct {
	dataOff uint64
	dataLen uint64
	offsOff uint64
	offsLen uint64
}

func tocSize(numCols int) int { return numCols*32 + 40 }

func encodeTOC(t *toc) []byte {
	buf := make([]byte, 0, tocSize(len(t.cols)))
	for _, col := range t.cols {
		buf = binary.LittleEndian.AppendUint64(buf, col.dataOff)
		buf = binary.LittleEndian.AppendUint64(buf, col.dataLen)
		buf = binary.LittleEndian.AppendUint64(buf, col.offsOff)
		buf = binary.LittleEndian.AppendUint64(buf, col.offsLen)
	}
	buf = binary.LittleEndian.AppendUint64(buf, t.filterOff)
	buf = binary.LittleEndian.AppendUint64(buf, t.filterLen)
	buf = binary.LittleEndian.AppendUint64(buf, t.phfOff)
	buf = binary.LittleEndian.AppendUint64(buf, t.phfLen)
	buf = binary.LittleEndian.AppendUint64(buf, t.headerLen)
	return buf
}

func parseTOC(b []byte, numCols int) (*toc, error) {
	if len(b) != tocSize(numCols) {
		return nil, ErrTruncated
	}
	t := &toc{cols: make([]tocColumn, numCols)}
	pos := 0
	for i := range t.cols {
		t.cols[i].dataOff = binary.LittleEndian.Uint64(b[pos:])
		t.cols[i].dataLen = binary.LittleEndian.Uint64(b[pos+8:])
		t.cols[i].offsOff = binary.LittleEndian.Uint64(b[pos+16:])
		t.cols[i].offsLen = binary.LittleEndian.Uint64(b[pos+24:])
		pos += 32
	}
	t.filterOff = binary.LittleEndian.Uint64(b[pos:])
	t.filterLen = binary.LittleEndian.Uint64(b[pos+8:])
	t.phfOff = binary.LittleEndian.Uint64(b[pos+16:])
	t.phfLen = binary.LittleEndian.Uint64(b[pos+24:])
	t.headerLen = binary.LittleEndian.Uint64(b[pos+32:])
	return t, nil
}

// section bounds-checks a TOC byte range against the mapped file, keeping
// the footer out of reach. The comparisons are ordered so that a corrupted
// length near the top of the uint64 range cannot wrap off+length around.
func section(data []byte, off, length uint64) ([]byte, error) {
	limit := uint64(len(data)) - footerLen
	if length > limit || off > limit-length {
		return nil, fmt.Errorf("%w: section at %d of %d bytes exceeds file", ErrTruncated, off, length)
	}
	return data[off : off+length], nil
}

// --------------------------------------------------------------------

type footer struct {
	tocOff   uint64
	metaSum  uint64
	totalLen uint64
}

func encodeFooter(f *footer) []byte {
	buf := make([]byte, 0, footerLen)
	buf = binary.LittleEndian.AppendUint64(buf, f.tocOff)
	buf = binary.LittleEndian.AppendUint64(buf, f.metaSum)
	buf = binary.LittleEndian.AppendUint64(buf, f.totalLen)
	return append(buf, magic...)
}

func parseFooter(b []byte) (*footer, error) {
	if len(b) != footerLen {
		return nil, ErrTruncated
	}
	if string(b[24:]) != string(magic) {
		return nil, ErrBadMagic
	}
	return &footer{
		tocOff:   binary.LittleEndian.Uint64(b[0:]),
		metaSum:  binary.LittleEndian.Uint64(b[8:]),
		totalLen: binary.LittleEndian.Uint64(b[16:]),
	}, nil
}

// metaChecksum hashes every metadata section: header, per-column offset
// indexes, filter, perfect hash and the TOC itself. Column data blobs are
// excluded; their corruption surfaces per row at decompress time.
func metaChecksum(headerBytes []byte, offs [][]byte, filter, phf, tocBytes []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(headerBytes)
	for _, o := range offs {
		_, _ = d.Write(o)
	}
	_, _ = d.Write(filter)
	_, _ = d.Write(phf)
	_, _ = d.Write(tocBytes)
	return d.Sum64()
}
