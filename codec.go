package rowjar

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/dict"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressor is the per-column codec contract. Compress encodes src into a
// block, reusing dst's capacity where possible; the previous contents of
// dst are discarded and the returned slice may share its backing array, so
// callers must copy blocks they keep across calls. Decompress follows the
// same scratch convention.
//
// Compress is not safe for concurrent use; sealing gives every worker its
// own instance. Decompress is safe for concurrent use.
//
// Zero-length rows never reach a compressor: the writer records them as
// zero-length blocks and the reader resolves them from the offset index
// alone, so no codec framing ambiguity exists for empty rows.
type compressor interface {
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
}

// closeCodec releases codec resources for implementations that hold any;
// the zstd encoder and decoder keep worker goroutines alive until closed.
func closeCodec(c compressor) {
	if cl, ok := c.(io.Closer); ok {
		_ = cl.Close()
	}
}

func newCompressor(id Codec, dictionary []byte) (compressor, error) {
	switch id {
	case CodecZstd:
		return newZstdCodec(dictionary)
	case CodecLZ4:
		return &lz4Codec{}, nil
	case CodecSnappy:
		return snappyCodec{}, nil
	case CodecNone:
		return rawCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %d", errBadCodec, byte(id))
}

// trainDictionary trains a zstd dictionary from sampled rows. It returns
// nil when the sample is too small or pathological for training; callers
// fall back to dictionary-less compression.
func trainDictionary(samples [][]byte, maxSize int) []byte {
	nonEmpty := samples[:0:0]
	for _, s := range samples {
		if len(s) > 0 {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) < 8 {
		return nil
	}

	d, err := dict.BuildZstdDict(nonEmpty, dict.Options{
		MaxDictSize: maxSize,
		HashBytes:   6,
		ZstdLevel:   zstd.SpeedBetterCompression,
	})
	if err != nil {
		return nil
	}
	return d
}

// --------------------------------------------------------------------

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(dictionary []byte) (*zstdCodec, error) {
	eopts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	}
	dopts := []zstd.DOption{
		zstd.WithDecoderConcurrency(0),
	}
	if len(dictionary) != 0 {
		eopts = append(eopts, zstd.WithEncoderDict(dictionary))
		dopts = append(dopts, zstd.WithDecoderDicts(dictionary))
	}

	enc, err := zstd.NewWriter(nil, eopts...)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, dopts...)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

func (c *zstdCodec) Compress(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst[:0]), nil
}

func (c *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupted, err)
	}
	return out, nil
}

// --------------------------------------------------------------------

// lz4Codec uses the lz4 block format. Blocks are not self-describing, so
// each one is framed as uvarint(rawLen) + flag + payload; incompressible
// rows are stored verbatim under their own flag.
type lz4Codec struct {
	c       lz4.Compressor
	scratch []byte
}

const (
	lz4BlockCompressed = 0
	lz4BlockStored     = 1
)

func (c *lz4Codec) Compress(dst, src []byte) ([]byte, error) {
	if bound := lz4.CompressBlockBound(len(src)); cap(c.scratch) < bound {
		c.scratch = make([]byte, bound)
	}

	sz, err := c.c.CompressBlock(src, c.scratch[:cap(c.scratch)])
	if err != nil {
		return nil, err
	}

	dst = binary.AppendUvarint(dst[:0], uint64(len(src)))
	if sz == 0 || sz >= len(src) {
		dst = append(dst, lz4BlockStored)
		return append(dst, src...), nil
	}
	dst = append(dst, lz4BlockCompressed)
	return append(dst, c.scratch[:sz]...), nil
}

func (c *lz4Codec) Decompress(dst, src []byte) ([]byte, error) {
	rawLen, n := binary.Uvarint(src)
	if n <= 0 || n >= len(src) {
		return nil, fmt.Errorf("%w: lz4: bad block frame", ErrCorrupted)
	}
	flag, payload := src[n], src[n+1:]

	switch flag {
	case lz4BlockStored:
		if uint64(len(payload)) != rawLen {
			return nil, fmt.Errorf("%w: lz4: stored block is %d bytes, frame says %d", ErrCorrupted, len(payload), rawLen)
		}
		return append(dst[:0], payload...), nil

	case lz4BlockCompressed:
		if cap(dst) < int(rawLen) {
			dst = make([]byte, rawLen)
		}
		dst = dst[:rawLen]
		sz, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupted, err)
		}
		if uint64(sz) != rawLen {
			return nil, fmt.Errorf("%w: lz4: decoded %d bytes, frame says %d", ErrCorrupted, sz, rawLen)
		}
		return dst, nil
	}
	return nil, fmt.Errorf("%w: lz4: unknown block flag %d", ErrCorrupted, flag)
}

// --------------------------------------------------------------------

type snappyCodec struct{}

func (snappyCodec) Compress(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst[:cap(dst)], src), nil
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(dst[:cap(dst)], src)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %v", ErrCorrupted, err)
	}
	return out, nil
}

// --------------------------------------------------------------------

type rawCodec struct{}

func (rawCodec) Compress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (rawCodec) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}
