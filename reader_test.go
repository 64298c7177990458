package rowjar_test

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rowjar/rowjar"
)

var _ = Describe("Jar", func() {
	var dir, path string
	var subject *rowjar.Jar

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "rowjar-test")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(dir, "seed.jar")

		Expect(seedJar(path, 100, false)).To(Succeed())
		subject, err = rowjar.Open(path, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = subject.Close()
		_ = os.RemoveAll(dir)
	})

	It("should init", func() {
		Expect(subject.Rows()).To(Equal(uint64(100)))
		Expect(subject.Columns()).To(Equal(2))
		Expect(subject.ColumnName(0)).To(Equal("body"))
		Expect(subject.ColumnName(1)).To(Equal("meta"))
		Expect(subject.ColumnCodec(0)).To(Equal(rowjar.CodecZstd))
		Expect(subject.ColumnCodec(1)).To(Equal(rowjar.CodecLZ4))
		Expect(subject.HasKeyIndex()).To(BeFalse())
		Expect(subject.Version()).To(Equal(1))
	})

	It("should round-trip rows", func() {
		for i := 0; i < 100; i++ {
			body, err := subject.Row(0, i)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal(seedBody(i)), "for row %d", i)

			meta, err := subject.Row(1, i)
			Expect(err).NotTo(HaveOccurred())
			if i%7 == 3 {
				Expect(meta).To(BeEmpty(), "for row %d", i)
			} else {
				Expect(meta).To(Equal(seedMeta(i)), "for row %d", i)
			}
		}
	})

	It("should round-trip every codec", func() {
		for _, codec := range []rowjar.Codec{
			rowjar.CodecZstd,
			rowjar.CodecLZ4,
			rowjar.CodecSnappy,
			rowjar.CodecNone,
		} {
			p := filepath.Join(dir, codec.String()+".jar")
			w, err := rowjar.NewWriter(p, &rowjar.WriterOptions{
				Columns: []rowjar.ColumnConfig{{Name: "v", Codec: codec}},
			})
			Expect(err).NotTo(HaveOccurred())
			for i := 0; i < 50; i++ {
				Expect(w.Append(seedBody(i))).To(Succeed())
			}
			Expect(w.Seal()).To(Succeed())

			jar, err := rowjar.Open(p, nil)
			Expect(err).NotTo(HaveOccurred())
			for i := 0; i < 50; i++ {
				Expect(jar.Row(0, i)).To(Equal(seedBody(i)), "for %s row %d", codec, i)
			}
			Expect(jar.Close()).To(Succeed())
		}
	})

	It("should append rows into caller buffers", func() {
		buf := make([]byte, 0, 1024)
		for i := 0; i < 10; i++ {
			var err error
			buf, err = subject.AppendRow(buf, 0, i)
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(buf).To(HaveLen(10 * 128))
		Expect(buf[:128]).To(Equal(seedBody(0)))
		Expect(buf[9*128:]).To(Equal(seedBody(9)))
	})

	It("should check bounds", func() {
		_, err := subject.Row(0, -1)
		Expect(err).To(MatchError(rowjar.ErrRowRange))
		_, err = subject.Row(0, 100)
		Expect(err).To(MatchError(rowjar.ErrRowRange))
		_, err = subject.Row(-1, 0)
		Expect(err).To(MatchError(rowjar.ErrColumnRange))
		_, err = subject.Row(2, 0)
		Expect(err).To(MatchError(rowjar.ErrColumnRange))
	})

	It("should expose contiguous row ranges", func() {
		for col := 0; col < 2; col++ {
			var prev uint64
			for i := 0; i < 100; i++ {
				start, end, err := subject.RowRange(col, i)
				Expect(err).NotTo(HaveOccurred())
				Expect(start).To(Equal(prev), "for column %d row %d", col, i)
				Expect(end).To(BeNumerically(">=", start))
				prev = end
			}
		}
	})

	It("should reject use after close", func() {
		Expect(subject.Close()).To(Succeed())

		_, err := subject.Row(0, 0)
		Expect(err).To(MatchError(rowjar.ErrClosed))
		_, err = subject.Lookup([]byte("x"))
		Expect(err).To(MatchError(rowjar.ErrClosed))
		Expect(subject.Close()).To(MatchError(rowjar.ErrClosed))
	})

	It("should refuse lookups without a key index", func() {
		_, err := subject.Lookup(seedKey(1))
		Expect(err).To(MatchError(rowjar.ErrNoKeyIndex))
	})

	Describe("keyed", func() {
		var keyed *rowjar.Jar

		BeforeEach(func() {
			p := filepath.Join(dir, "keyed.jar")
			Expect(seedJar(p, 1000, true)).To(Succeed())

			var err error
			keyed, err = rowjar.Open(p, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			_ = keyed.Close()
		})

		It("should resolve every written key to its row", func() {
			for i := 0; i < 1000; i++ {
				Expect(keyed.Lookup(seedKey(i))).To(Equal(uint64(i)), "for key %d", i)
			}
		})

		It("should mostly reject absent keys", func() {
			hits := 0
			for i := 0; i < 10000; i++ {
				absent := []byte(fmt.Sprintf("absent-%08d", i))
				if _, err := keyed.Lookup(absent); err == nil {
					hits++
				} else {
					Expect(err).To(MatchError(rowjar.ErrNotFound))
				}
			}
			// false positive rate is configured at 1%
			Expect(hits).To(BeNumerically("<", 500))
		})

		It("should resolve a tiny jar", func() {
			p := filepath.Join(dir, "abc.jar")
			w, err := rowjar.NewWriter(p, &rowjar.WriterOptions{
				Columns: []rowjar.ColumnConfig{
					{Name: "word", Codec: rowjar.CodecZstd},
					{Name: "num", Codec: rowjar.CodecNone},
				},
				KeyedRows: true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(w.AppendKeyed([]byte("a"), []byte("a"), []byte("1"))).To(Succeed())
			Expect(w.AppendKeyed([]byte("b"), []byte("b"), []byte("2"))).To(Succeed())
			Expect(w.AppendKeyed([]byte("c"), []byte("c"), []byte("3"))).To(Succeed())
			Expect(w.Seal()).To(Succeed())

			jar, err := rowjar.Open(p, nil)
			Expect(err).NotTo(HaveOccurred())
			defer jar.Close()

			Expect(jar.Row(0, 1)).To(Equal([]byte("b")))
			Expect(jar.Row(1, 1)).To(Equal([]byte("2")))
			Expect(jar.Lookup([]byte("b"))).To(Equal(uint64(1)))

			// an absent key either misses the filter or yields a candidate
			// the row data itself disproves
			if row, err := jar.Lookup([]byte("z")); err == nil {
				Expect(row).To(BeNumerically("<", 3))
				Expect(jar.Row(0, int(row))).NotTo(Equal([]byte("z")))
			} else {
				Expect(err).To(MatchError(rowjar.ErrNotFound))
			}
		})

		It("should handle zero rows", func() {
			p := filepath.Join(dir, "empty.jar")
			Expect(seedJar(p, 0, true)).To(Succeed())

			jar, err := rowjar.Open(p, nil)
			Expect(err).NotTo(HaveOccurred())
			defer jar.Close()

			Expect(jar.Rows()).To(Equal(uint64(0)))
			Expect(jar.HasKeyIndex()).To(BeTrue())

			_, err = jar.Lookup(seedKey(0))
			Expect(err).To(MatchError(rowjar.ErrNotFound))
		})
	})

	Describe("corruption", func() {
		It("should reject every truncation", func() {
			p := filepath.Join(dir, "short.jar")
			Expect(seedJar(p, 10, true)).To(Succeed())

			data, err := os.ReadFile(p)
			Expect(err).NotTo(HaveOccurred())

			for n := 1; n < len(data); n++ {
				Expect(os.WriteFile(p, data[:n], 0o644)).To(Succeed())

				jar, err := rowjar.Open(p, nil)
				Expect(err).To(HaveOccurred(), "prefix of %d bytes must not open", n)
				Expect(jar).To(BeNil())
			}
		})

		It("should reject flipped metadata bytes", func() {
			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())

			for _, off := range []int{0, 8, 9, 12, len(data) - 40, len(data) - 32, len(data) - 25, len(data) - 12, len(data) - 1} {
				mut := append([]byte(nil), data...)
				mut[off] ^= 0xFF

				p := filepath.Join(dir, "mut.jar")
				Expect(os.WriteFile(p, mut, 0o644)).To(Succeed())

				jar, err := rowjar.Open(p, nil)
				Expect(err).To(HaveOccurred(), "flipped byte at %d must not open", off)
				Expect(jar).To(BeNil())
			}
		})

		It("should reject wrapping section lengths", func() {
			p := filepath.Join(dir, "wrap.jar")
			w, err := rowjar.NewWriter(p, &rowjar.WriterOptions{
				Columns: []rowjar.ColumnConfig{{Name: "v", Codec: rowjar.CodecNone}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(w.Append([]byte("testdata"))).To(Succeed())
			Expect(w.Seal()).To(Succeed())

			data, err := os.ReadFile(p)
			Expect(err).NotTo(HaveOccurred())

			// rewrite the column's offset-index length in the table of
			// contents so that offset+length wraps around uint64 to a
			// tiny end below the offset
			tocOff := binary.LittleEndian.Uint64(data[len(data)-32:])
			offsOff := binary.LittleEndian.Uint64(data[tocOff+16:])
			binary.LittleEndian.PutUint64(data[tocOff+24:], 1-offsOff)

			Expect(os.WriteFile(p, data, 0o644)).To(Succeed())

			jar, err := rowjar.Open(p, nil)
			Expect(err).To(MatchError(rowjar.ErrTruncated))
			Expect(jar).To(BeNil())
		})

		It("should catch corrupted row data on read", func() {
			start, end, err := subject.RowRange(0, 50)
			Expect(err).NotTo(HaveOccurred())
			Expect(end).To(BeNumerically(">", start))

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())

			// column 0's data blob starts right after the header; flipping
			// inside row 50's block corrupts only that block
			hdrLen := headerSize(data)
			mut := append([]byte(nil), data...)
			for i := hdrLen + start; i < hdrLen+end; i++ {
				mut[i] ^= 0xFF
			}

			p := filepath.Join(dir, "mutrow.jar")
			Expect(os.WriteFile(p, mut, 0o644)).To(Succeed())

			jar, err := rowjar.Open(p, nil)
			Expect(err).NotTo(HaveOccurred())
			defer jar.Close()

			Expect(jar.Row(0, 49)).To(Equal(seedBody(49)))
			_, err = jar.Row(0, 50)
			Expect(err).To(MatchError(rowjar.ErrCorrupted))
		})
	})
})

// headerSize walks the on-disk header and returns its encoded length,
// which is also the offset of the first column's data blob.
func headerSize(data []byte) uint64 {
	cols := binary.LittleEndian.Uint16(data[10:12])
	off := uint64(20)
	for i := 0; i < int(cols); i++ {
		nameLen := binary.LittleEndian.Uint16(data[off : off+2])
		off += 2 + uint64(nameLen) + 1
		dictLen := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4 + uint64(dictLen)
	}
	return off
}
