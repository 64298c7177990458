package rowjar

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/rowjar/rowjar/internal/eliasfano"
	"github.com/rowjar/rowjar/internal/mmap"
	"github.com/rowjar/rowjar/internal/mphf"
)

// Jar is a sealed container opened for reading. The underlying file is
// memory-mapped read-only; row and key lookups are pure reads over the
// mapping and may run from any number of goroutines concurrently. Only
// Close mutates a Jar and must not race with lookups.
type Jar struct {
	m    *mmap.Map
	log  *zap.Logger
	rows uint64
	cols []readColumn

	keyed  bool
	filter *bloom.BloomFilter
	hash   *mphf.Table
}

type readColumn struct {
	name  string
	codec Codec
	comp  compressor
	data  []byte // mapped column blob
	offs  *eliasfano.Sequence
}

// Open maps the jar at path and validates its structure: footer magic and
// total length, format version, metadata checksum, and the agreement of
// every column's offset index with the recorded row count.
func Open(path string, o *OpenOptions) (*Jar, error) {
	oo := o.norm()

	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	j, err := newJar(m, oo.Logger)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	oo.Logger.Debug("opened jar",
		zap.String("path", path),
		zap.Uint64("rows", j.rows),
		zap.Int("columns", len(j.cols)),
		zap.Bool("keyed", j.keyed))
	return j, nil
}

func newJar(m *mmap.Map, log *zap.Logger) (*Jar, error) {
	data := m.Bytes()
	if len(data) < footerLen {
		return nil, ErrTruncated
	}

	foot, err := parseFooter(data[len(data)-footerLen:])
	if err != nil {
		return nil, err
	}
	if foot.totalLen != uint64(len(data)) {
		return nil, fmt.Errorf("%w: footer says %d bytes, file has %d", ErrTruncated, foot.totalLen, len(data))
	}

	hdr, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	tocLen := uint64(tocSize(len(hdr.cols)))
	if foot.tocOff > uint64(len(data)) || foot.tocOff+tocLen+footerLen != uint64(len(data)) {
		return nil, fmt.Errorf("%w: misplaced table of contents", ErrTruncated)
	}
	tocBytes := data[foot.tocOff : foot.tocOff+tocLen]
	t, err := parseTOC(tocBytes, len(hdr.cols))
	if err != nil {
		return nil, err
	}
	if t.headerLen != uint64(hdr.size) {
		return nil, fmt.Errorf("%w: header length mismatch", ErrCorrupted)
	}

	offsSections := make([][]byte, len(hdr.cols))
	for i, col := range t.cols {
		if offsSections[i], err = section(data, col.offsOff, col.offsLen); err != nil {
			return nil, err
		}
	}
	filterBlob, err := section(data, t.filterOff, t.filterLen)
	if err != nil {
		return nil, err
	}
	phfBlob, err := section(data, t.phfOff, t.phfLen)
	if err != nil {
		return nil, err
	}
	if sum := metaChecksum(data[:hdr.size], offsSections, filterBlob, phfBlob, tocBytes); sum != foot.metaSum {
		return nil, ErrChecksum
	}

	j := &Jar{m: m, log: log, rows: hdr.rows, keyed: hdr.keyed()}
	opened := false
	defer func() {
		if !opened {
			for i := range j.cols {
				closeCodec(j.cols[i].comp)
			}
		}
	}()
	for i, hcol := range hdr.cols {
		blob, err := section(data, t.cols[i].dataOff, t.cols[i].dataLen)
		if err != nil {
			return nil, err
		}
		seq, err := eliasfano.Open(offsSections[i])
		if err != nil {
			return nil, fmt.Errorf("%w: column %d offsets: %v", ErrCorrupted, i, err)
		}
		if seq.Len() != hdr.rows+1 {
			return nil, fmt.Errorf("%w: column %d has %d offsets, want %d", ErrCorrupted, i, seq.Len(), hdr.rows+1)
		}
		if last := seq.Last(); last != uint64(len(blob)) {
			return nil, fmt.Errorf("%w: column %d offsets end at %d, data is %d bytes", ErrCorrupted, i, last, len(blob))
		}
		comp, err := newCompressor(hcol.codec, hcol.dict)
		if err != nil {
			return nil, err
		}
		j.cols = append(j.cols, readColumn{
			name:  hcol.name,
			codec: hcol.codec,
			comp:  comp,
			data:  blob,
			offs:  seq,
		})
	}

	if j.keyed && hdr.rows > 0 {
		if j.filter, err = decodeFilter(filterBlob); err != nil {
			return nil, err
		}
		if j.hash, err = mphf.Open(phfBlob); err != nil {
			return nil, fmt.Errorf("%w: key index: %v", ErrCorrupted, err)
		}
		if j.hash.Len() != hdr.rows {
			return nil, fmt.Errorf("%w: key index covers %d rows, jar has %d", ErrCorrupted, j.hash.Len(), hdr.rows)
		}
	}
	opened = true
	return j, nil
}

// Rows returns the number of rows in every column.
func (j *Jar) Rows() uint64 { return j.rows }

// Columns returns the number of columns.
func (j *Jar) Columns() int { return len(j.cols) }

// ColumnName returns the name a column was declared with.
func (j *Jar) ColumnName(column int) string {
	if column < 0 || column >= len(j.cols) {
		return ""
	}
	return j.cols[column].name
}

// ColumnCodec returns the codec a column was compressed with.
func (j *Jar) ColumnCodec(column int) Codec {
	if column < 0 || column >= len(j.cols) {
		return codecInvalid
	}
	return j.cols[column].codec
}

// HasKeyIndex reports whether the jar was built with keys and therefore
// supports Lookup.
func (j *Jar) HasKeyIndex() bool { return j.keyed }

// Version returns the on-disk format version of the jar.
func (j *Jar) Version() int { return Version }

// RowRange returns the byte range of a row's compressed block within its
// column blob.
func (j *Jar) RowRange(column, row int) (start, end uint64, err error) {
	_, start, end, err = j.locate(column, row)
	return
}

// Row returns the raw bytes of a row. For columns with CodecNone the
// returned slice is a view of the mapping, valid until Close; all other
// codecs return a freshly allocated slice owned by the caller.
func (j *Jar) Row(column, row int) ([]byte, error) {
	col, start, end, err := j.locate(column, row)
	if err != nil {
		return nil, err
	}
	if start == end {
		return []byte{}, nil
	}
	src := col.data[start:end]
	if col.codec == CodecNone {
		return src, nil
	}
	out, err := col.comp.Decompress(nil, src)
	if err != nil {
		return nil, fmt.Errorf("column %d row %d: %w", column, row, err)
	}
	return out, nil
}

// AppendRow appends the raw bytes of a row to dst and returns the
// extended slice, reusing dst's capacity where possible.
func (j *Jar) AppendRow(dst []byte, column, row int) ([]byte, error) {
	col, start, end, err := j.locate(column, row)
	if err != nil {
		return dst, err
	}
	if start == end {
		return dst, nil
	}
	src := col.data[start:end]
	if col.codec == CodecNone {
		return append(dst, src...), nil
	}

	out, err := col.comp.Decompress(fetchBuffer(0), src)
	if err != nil {
		return dst, fmt.Errorf("column %d row %d: %w", column, row, err)
	}
	dst = append(dst, out...)
	releaseBuffer(out)
	return dst, nil
}

// Lookup resolves a key to a candidate row index.
//
// The membership filter is consulted first: a negative answer is final
// (the filter has no false negatives) and yields ErrNotFound. A positive
// answer is resolved through the perfect hash index, which is exact for
// every key the jar was built with but returns an arbitrary in-range
// index for any other key. The result is therefore a candidate, not a
// proof of membership: the jar does not persist keys, so callers that
// cannot trust their key set must verify the candidate against the row's
// own content.
func (j *Jar) Lookup(key []byte) (uint64, error) {
	if j.m == nil {
		return 0, ErrClosed
	}
	if !j.keyed {
		return 0, ErrNoKeyIndex
	}
	if j.rows == 0 || !j.filter.Test(key) {
		return 0, ErrNotFound
	}
	return j.hash.Lookup(key), nil
}

// Close unmaps the jar. Row views returned for CodecNone columns must not
// be used afterwards.
func (j *Jar) Close() error {
	if j.m == nil {
		return ErrClosed
	}
	for i := range j.cols {
		closeCodec(j.cols[i].comp)
	}
	err := j.m.Close()
	j.m, j.cols, j.filter, j.hash = nil, nil, nil, nil
	return err
}

func (j *Jar) locate(column, row int) (*readColumn, uint64, uint64, error) {
	if j.m == nil {
		return nil, 0, 0, ErrClosed
	}
	if column < 0 || column >= len(j.cols) {
		return nil, 0, 0, fmt.Errorf("%w: %d", ErrColumnRange, column)
	}
	if row < 0 || uint64(row) >= j.rows {
		return nil, 0, 0, fmt.Errorf("%w: %d of %d", ErrRowRange, row, j.rows)
	}

	col := &j.cols[column]
	start := col.offs.Get(uint64(row))
	end := col.offs.Get(uint64(row) + 1)
	if end < start || end > uint64(len(col.data)) {
		return nil, 0, 0, fmt.Errorf("%w: column %d row %d spans [%d,%d)", ErrCorrupted, column, row, start, end)
	}
	return col, start, end, nil
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
