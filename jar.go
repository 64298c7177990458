package rowjar

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var magic = []byte{82, 74, 65, 82, 190, 31, 122, 219}

// Version is the current on-disk format version.
const Version = 1

const (
	footerLen = 32 // toc offset + meta checksum + total length + magic

	flagKeyIndex = 1 << 0
)

// ErrNotFound is returned by Lookup when the membership filter rules a
// key out. The filter has no false negatives, so this answer is final.
var ErrNotFound = errors.New("rowjar: not found")

// ErrNoKeyIndex is returned by Lookup on jars that were built without keys.
var ErrNoKeyIndex = errors.New("rowjar: jar has no key index")

var (
	// ErrSealed is returned when appending to a writer after Seal.
	ErrSealed = errors.New("rowjar: writer is sealed")
	// ErrClosed is returned when using a closed jar or discarded writer.
	ErrClosed = errors.New("rowjar: is closed")
	// ErrDuplicateKey is returned when the same key is appended twice.
	ErrDuplicateKey = errors.New("rowjar: duplicate key")
	// ErrRowCountMismatch is returned by Seal when columns received a
	// diverging number of rows.
	ErrRowCountMismatch = errors.New("rowjar: column row counts diverge")
	// ErrHashCapacity is returned by Seal when the perfect hash could not
	// place every key within its level budget.
	ErrHashCapacity = errors.New("rowjar: perfect hash level budget exceeded")

	// ErrBadMagic is returned by Open for files that are not jars.
	ErrBadMagic = errors.New("rowjar: bad magic byte sequence")
	// ErrBadVersion is returned by Open for unsupported format versions.
	ErrBadVersion = errors.New("rowjar: unsupported format version")
	// ErrTruncated is returned by Open for incomplete or short files.
	ErrTruncated = errors.New("rowjar: truncated or incomplete jar")
	// ErrChecksum is returned by Open when metadata fails verification.
	ErrChecksum = errors.New("rowjar: metadata checksum mismatch")

	// ErrCorrupted is returned when stored row bytes do not decompress to
	// the size recorded at seal time.
	ErrCorrupted = errors.New("rowjar: corrupted row data")
	// ErrRowRange is returned for row indexes >= Rows().
	ErrRowRange = errors.New("rowjar: row index out of range")
	// ErrColumnRange is returned for unknown column indexes.
	ErrColumnRange = errors.New("rowjar: column index out of range")

	errBadCodec    = errors.New("rowjar: bad codec")
	errNoColumns   = errors.New("rowjar: at least one column is required")
	errKeyedWriter = errors.New("rowjar: writer mixes keyed and unkeyed appends")
)

// Codec identifies the per-row compression codec of a column.
type Codec byte

// Supported codecs.
const (
	// CodecZstd is the high-ratio codec. It optionally compresses every
	// row of a column against a single dictionary trained at seal time.
	CodecZstd Codec = iota
	// CodecLZ4 trades ratio for decompression speed.
	CodecLZ4
	// CodecSnappy is a second fast, low-ratio codec family.
	CodecSnappy
	// CodecNone stores rows verbatim; reads are zero-copy.
	CodecNone

	codecInvalid
)

func (c Codec) isValid() bool { return c < codecInvalid }

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	case CodecSnappy:
		return "snappy"
	case CodecNone:
		return "none"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

// ColumnConfig describes a single column of the jar.
type ColumnConfig struct {
	// Name identifies the column. Stored in the header, may be empty.
	Name string

	// Codec is the compression codec used for every row of the column.
	Codec Codec

	// Dictionary enables dictionary training for CodecZstd columns. The
	// dictionary is trained once from a sample of the column's rows and
	// stored in the jar header.
	Dictionary bool
}

// WriterOptions define writer specific options.
type WriterOptions struct {
	// Columns is the jar schema. At least one column is required.
	Columns []ColumnConfig

	// KeyedRows enables the membership filter and the perfect hash index.
	// Keyed jars must be filled via AppendKeyed, unkeyed ones via Append.
	KeyedRows bool

	// FilterFPRate is the false-positive budget of the membership filter.
	// Default: 0.01.
	FilterFPRate float64

	// DictMaxSize is the maximum size in bytes of a trained dictionary.
	// Default: 64KiB.
	DictMaxSize int

	// DictSamples is the maximum number of rows sampled for dictionary
	// training. Default: 1024.
	DictSamples int

	// Workers is the number of goroutines compressing rows during Seal.
	// Default: GOMAXPROCS.
	Workers int

	// Logger receives seal progress and statistics. Default: no-op.
	Logger *zap.Logger
}

func (o *WriterOptions) norm() (*WriterOptions, error) {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if len(oo.Columns) == 0 {
		return nil, errNoColumns
	}
	for i, col := range oo.Columns {
		if !col.Codec.isValid() {
			return nil, fmt.Errorf("%w: column %d", errBadCodec, i)
		}
	}

	if oo.FilterFPRate <= 0 || oo.FilterFPRate >= 1 {
		oo.FilterFPRate = 0.01
	}
	if oo.DictMaxSize < 1 {
		oo.DictMaxSize = 64 << 10
	}
	if oo.DictSamples < 1 {
		oo.DictSamples = 1024
	}
	if oo.Workers < 1 {
		oo.Workers = 0 // resolved to GOMAXPROCS at seal time
	}
	if oo.Logger == nil {
		oo.Logger = zap.NewNop()
	}

	return &oo, nil
}

// OpenOptions define reader specific options.
type OpenOptions struct {
	// Logger receives open/close diagnostics. Default: no-op.
	Logger *zap.Logger
}

func (o *OpenOptions) norm() *OpenOptions {
	var oo OpenOptions
	if o != nil {
		oo = *o
	}
	if oo.Logger == nil {
		oo.Logger = zap.NewNop()
	}
	return &oo
}
