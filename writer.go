package rowjar

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rowjar/rowjar/internal/eliasfano"
	"github.com/rowjar/rowjar/internal/mphf"
)

// Writer stages rows for a jar and seals them into an immutable file.
//
// A writer moves through three states: open (accepting rows), sealing and
// sealed. Sealing is one-way; there is no transition back to open, which
// makes the immutability of a jar structural rather than conventional.
// Nothing reaches durable storage before Seal, and Seal validates the
// staged rows before creating the file, so a failed construction never
// leaves a jar that a reader could open.
//
// Writers are not safe for concurrent use.
type Writer struct {
	path string
	o    *WriterOptions
	log  *zap.Logger

	cols [][][]byte // staged raw rows, per column
	keys [][]byte
	seen map[string]struct{}

	sealed bool
	closed bool
}

// NewWriter creates a writer that will seal into the file at path.
func NewWriter(path string, o *WriterOptions) (*Writer, error) {
	oo, err := o.norm()
	if err != nil {
		return nil, err
	}

	w := &Writer{
		path: path,
		o:    oo,
		log:  oo.Logger,
		cols: make([][][]byte, len(oo.Columns)),
	}
	if oo.KeyedRows {
		w.seen = make(map[string]struct{})
	}
	return w, nil
}

// Append stages one record: one row per column, in schema order. Row
// bytes are copied; the caller may reuse its buffers.
func (w *Writer) Append(rows ...[]byte) error {
	if w.o.KeyedRows {
		return errKeyedWriter
	}
	return w.append(nil, rows)
}

// AppendKeyed stages one record together with its lookup key. Keys must
// be unique across the jar.
func (w *Writer) AppendKeyed(key []byte, rows ...[]byte) error {
	if !w.o.KeyedRows {
		return errKeyedWriter
	}
	return w.append(key, rows)
}

func (w *Writer) append(key []byte, rows [][]byte) error {
	if w.closed {
		return ErrClosed
	}
	if w.sealed {
		return ErrSealed
	}
	if len(rows) != len(w.o.Columns) {
		return fmt.Errorf("rowjar: record has %d rows, schema has %d columns", len(rows), len(w.o.Columns))
	}

	if w.o.KeyedRows {
		if _, ok := w.seen[string(key)]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		kcopy := append([]byte(nil), key...)
		w.seen[string(kcopy)] = struct{}{}
		w.keys = append(w.keys, kcopy)
	}
	for i, row := range rows {
		w.cols[i] = append(w.cols[i], append([]byte(nil), row...))
	}
	return nil
}

// PushColumn stages a single row into one column. It allows column-wise
// ingestion on unkeyed writers; Seal fails unless every column ends up
// with the same number of rows.
func (w *Writer) PushColumn(column int, row []byte) error {
	if w.closed {
		return ErrClosed
	}
	if w.sealed {
		return ErrSealed
	}
	if w.o.KeyedRows {
		return errKeyedWriter
	}
	if column < 0 || column >= len(w.cols) {
		return ErrColumnRange
	}
	w.cols[column] = append(w.cols[column], append([]byte(nil), row...))
	return nil
}

// Discard abandons an unsealed writer and releases its staging buffers.
func (w *Writer) Discard() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	w.cols, w.keys, w.seen = nil, nil, nil
	return nil
}

// Seal validates the staged rows, compresses every column, builds the
// offset indexes and, for keyed writers, the membership filter and the
// perfect hash index, then writes the jar with its footer last and
// atomically renames it into place. After a successful Seal the writer
// only reports ErrSealed.
func (w *Writer) Seal() error {
	if w.closed {
		return ErrClosed
	}
	if w.sealed {
		return ErrSealed
	}

	rows := uint64(len(w.cols[0]))
	for i, col := range w.cols {
		if uint64(len(col)) != rows {
			return fmt.Errorf("%w: column %d has %d rows, column 0 has %d", ErrRowCountMismatch, i, len(col), rows)
		}
	}
	if w.o.KeyedRows && uint64(len(w.keys)) != rows {
		return fmt.Errorf("%w: %d keys for %d rows", ErrRowCountMismatch, len(w.keys), rows)
	}

	start := time.Now()

	hcols := make([]headerColumn, len(w.o.Columns))
	for i, cfg := range w.o.Columns {
		hcols[i] = headerColumn{name: cfg.Name, codec: cfg.Codec}
		if cfg.Dictionary && cfg.Codec == CodecZstd {
			if d := trainDictionary(sampleRows(w.cols[i], w.o.DictSamples), w.o.DictMaxSize); d != nil {
				hcols[i].dict = d
			} else {
				w.log.Warn("dictionary training skipped", zap.Int("column", i), zap.String("name", cfg.Name))
			}
		}
	}

	blobs := make([][]byte, len(w.cols))
	offs := make([][]byte, len(w.cols))
	for i := range w.cols {
		blob, offsets, err := w.compressColumn(i, hcols[i].dict)
		if err != nil {
			return err
		}
		enc, err := eliasfano.Encode(offsets)
		if err != nil {
			return err
		}
		blobs[i], offs[i] = blob, enc
		w.log.Debug("compressed column",
			zap.Int("column", i),
			zap.String("name", hcols[i].name),
			zap.Stringer("codec", hcols[i].codec),
			zap.Int("bytes", len(blob)))
		w.cols[i] = nil
	}

	var filterBlob, phfBlob []byte
	var flags byte
	if w.o.KeyedRows {
		flags |= flagKeyIndex
		if rows > 0 {
			bf, err := buildFilter(w.keys, w.o.FilterFPRate)
			if err != nil {
				return err
			}
			if filterBlob, err = encodeFilter(bf); err != nil {
				return err
			}
			if phfBlob, err = mphf.Encode(w.keys); err != nil {
				if errors.Is(err, mphf.ErrCapacity) {
					return fmt.Errorf("%w: %v", ErrHashCapacity, err)
				}
				return err
			}
		}
	}

	hdr := &header{flags: flags, rows: rows, cols: hcols}
	if err := w.writeFile(hdr, blobs, offs, filterBlob, phfBlob); err != nil {
		return err
	}

	w.sealed = true
	w.cols, w.keys, w.seen = nil, nil, nil
	w.log.Info("sealed jar",
		zap.String("path", w.path),
		zap.Uint64("rows", rows),
		zap.Int("columns", len(hcols)),
		zap.Duration("took", time.Since(start)))
	return nil
}

// compressColumn compresses every staged row of a column and returns the
// concatenated blob plus the row_count+1 offsets into it. Rows are
// compressed in parallel but reassembled in row order; ordering is a
// correctness requirement of the offset index, not an optimization.
func (w *Writer) compressColumn(column int, dictionary []byte) ([]byte, []uint64, error) {
	cfg := w.o.Columns[column]
	rows := w.cols[column]

	workers := w.o.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(rows) {
		workers = len(rows)
	}

	blocks := make([][]byte, len(rows))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()

			comp, err := newCompressor(cfg.Codec, dictionary)
			if err != nil {
				fail(err)
				return
			}
			defer closeCodec(comp)

			var scratch []byte
			for i := g; i < len(rows); i += workers {
				if len(rows[i]) == 0 {
					continue // zero-length block, resolved by offsets alone
				}
				if scratch, err = comp.Compress(scratch, rows[i]); err != nil {
					fail(fmt.Errorf("rowjar: column %d row %d: %w", column, i, err))
					return
				}
				blocks[i] = append([]byte(nil), scratch...)
			}
		}(g)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, nil, firstErr
	}

	offsets := make([]uint64, len(rows)+1)
	var total uint64
	for i, blk := range blocks {
		offsets[i] = total
		total += uint64(len(blk))
	}
	offsets[len(rows)] = total

	blob := make([]byte, 0, total)
	for _, blk := range blocks {
		blob = append(blob, blk...)
	}
	return blob, offsets, nil
}

// writeFile lays the sections out, computes the metadata checksum and
// streams everything into path+".tmp", footer last, before renaming the
// finished jar into place.
func (w *Writer) writeFile(hdr *header, blobs, offs [][]byte, filterBlob, phfBlob []byte) error {
	headerBytes := encodeHeader(hdr)

	t := &toc{cols: make([]tocColumn, len(blobs)), headerLen: uint64(len(headerBytes))}
	pos := uint64(len(headerBytes))
	for i, blob := range blobs {
		t.cols[i].dataOff, t.cols[i].dataLen = pos, uint64(len(blob))
		pos += uint64(len(blob))
	}
	for i, o := range offs {
		t.cols[i].offsOff, t.cols[i].offsLen = pos, uint64(len(o))
		pos += uint64(len(o))
	}
	t.filterOff, t.filterLen = pos, uint64(len(filterBlob))
	pos += uint64(len(filterBlob))
	t.phfOff, t.phfLen = pos, uint64(len(phfBlob))
	pos += uint64(len(phfBlob))

	tocBytes := encodeTOC(t)
	f := &footer{
		tocOff:   pos,
		metaSum:  metaChecksum(headerBytes, offs, filterBlob, phfBlob, tocBytes),
		totalLen: pos + uint64(len(tocBytes)) + footerLen,
	}

	tmp := w.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if file != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriterSize(file, 1<<20)
	if err := writeAll(bw, headerBytes); err != nil {
		return err
	}
	if err := writeAll(bw, blobs...); err != nil {
		return err
	}
	if err := writeAll(bw, offs...); err != nil {
		return err
	}
	if err := writeAll(bw, filterBlob, phfBlob, tocBytes, encodeFooter(f)); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	cerr := file.Close()
	file = nil
	if cerr != nil {
		_ = os.Remove(tmp)
		return cerr
	}
	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func writeAll(w *bufio.Writer, sections ...[]byte) error {
	for _, s := range sections {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// sampleRows returns up to limit rows, evenly strided across the column.
func sampleRows(rows [][]byte, limit int) [][]byte {
	if len(rows) <= limit {
		return rows
	}
	out := make([][]byte, 0, limit)
	stride := len(rows) / limit
	for i := 0; i < len(rows) && len(out) < limit; i += stride {
		out = append(out, rows[i])
	}
	return out
}
