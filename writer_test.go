package rowjar_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rowjar/rowjar"
)

var _ = Describe("Writer", func() {
	var dir, path string
	var subject *rowjar.Writer
	var testdata = []byte("testdata")

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "rowjar-test")
		Expect(err).NotTo(HaveOccurred())
		path = filepath.Join(dir, "test.jar")
		subject, err = rowjar.NewWriter(path, &rowjar.WriterOptions{
			Columns: []rowjar.ColumnConfig{
				{Name: "body", Codec: rowjar.CodecZstd},
				{Name: "meta", Codec: rowjar.CodecLZ4},
			},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = subject.Discard()
		_ = os.RemoveAll(dir)
	})

	It("should reject bad options", func() {
		_, err := rowjar.NewWriter(path, nil)
		Expect(err).To(MatchError(`rowjar: at least one column is required`))

		_, err = rowjar.NewWriter(path, &rowjar.WriterOptions{
			Columns: []rowjar.ColumnConfig{{Name: "x", Codec: rowjar.Codec(99)}},
		})
		Expect(err).To(MatchError(`rowjar: bad codec: column 0`))
	})

	It("should seal empty", func() {
		Expect(subject.Seal()).To(Succeed())

		jar, err := rowjar.Open(path, nil)
		Expect(err).NotTo(HaveOccurred())
		defer jar.Close()

		Expect(jar.Rows()).To(Equal(uint64(0)))
		Expect(jar.Columns()).To(Equal(2))
	})

	It("should reject records with the wrong arity", func() {
		Expect(subject.Append(testdata)).To(MatchError(`rowjar: record has 1 rows, schema has 2 columns`))
		Expect(subject.Append(testdata, testdata, testdata)).To(MatchError(`rowjar: record has 3 rows, schema has 2 columns`))
		Expect(subject.Append(testdata, testdata)).To(Succeed())
	})

	It("should keep keyed and unkeyed appends apart", func() {
		Expect(subject.AppendKeyed(testdata, testdata, testdata)).To(MatchError(`rowjar: writer mixes keyed and unkeyed appends`))

		keyed, err := rowjar.NewWriter(filepath.Join(dir, "keyed.jar"), &rowjar.WriterOptions{
			Columns:   []rowjar.ColumnConfig{{Name: "v", Codec: rowjar.CodecSnappy}},
			KeyedRows: true,
		})
		Expect(err).NotTo(HaveOccurred())
		defer keyed.Discard()

		Expect(keyed.Append(testdata)).To(MatchError(`rowjar: writer mixes keyed and unkeyed appends`))
		Expect(keyed.PushColumn(0, testdata)).To(MatchError(`rowjar: writer mixes keyed and unkeyed appends`))
		Expect(keyed.AppendKeyed([]byte("a"), testdata)).To(Succeed())
	})

	It("should reject duplicate keys", func() {
		keyed, err := rowjar.NewWriter(filepath.Join(dir, "keyed.jar"), &rowjar.WriterOptions{
			Columns:   []rowjar.ColumnConfig{{Name: "v", Codec: rowjar.CodecNone}},
			KeyedRows: true,
		})
		Expect(err).NotTo(HaveOccurred())
		defer keyed.Discard()

		Expect(keyed.AppendKeyed([]byte("a"), testdata)).To(Succeed())
		Expect(keyed.AppendKeyed([]byte("b"), testdata)).To(Succeed())
		Expect(keyed.AppendKeyed([]byte("a"), testdata)).To(MatchError(rowjar.ErrDuplicateKey))
	})

	It("should only seal once", func() {
		Expect(subject.Append(testdata, testdata)).To(Succeed())
		Expect(subject.Seal()).To(Succeed())

		Expect(subject.Seal()).To(MatchError(rowjar.ErrSealed))
		Expect(subject.Append(testdata, testdata)).To(MatchError(rowjar.ErrSealed))
		Expect(subject.PushColumn(0, testdata)).To(MatchError(rowjar.ErrSealed))
	})

	It("should reject use after discard", func() {
		Expect(subject.Discard()).To(Succeed())

		Expect(subject.Discard()).To(MatchError(rowjar.ErrClosed))
		Expect(subject.Seal()).To(MatchError(rowjar.ErrClosed))
		Expect(subject.Append(testdata, testdata)).To(MatchError(rowjar.ErrClosed))

		_, err := os.Stat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("should fail to seal diverging columns before writing", func() {
		Expect(subject.PushColumn(0, testdata)).To(Succeed())
		Expect(subject.PushColumn(0, testdata)).To(Succeed())
		Expect(subject.PushColumn(1, testdata)).To(Succeed())
		Expect(subject.PushColumn(2, testdata)).To(MatchError(rowjar.ErrColumnRange))

		Expect(subject.Seal()).To(MatchError(rowjar.ErrRowCountMismatch))

		_, err := os.Stat(path)
		Expect(os.IsNotExist(err)).To(BeTrue())

		Expect(subject.PushColumn(1, testdata)).To(Succeed())
		Expect(subject.Seal()).To(Succeed())
	})

	It("should leave no temp files behind", func() {
		Expect(subject.Append(testdata, testdata)).To(Succeed())
		Expect(subject.Seal()).To(Succeed())

		names, err := filepath.Glob(filepath.Join(dir, "*"))
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(ConsistOf(path))
	})

	It("should seal a large keyed jar", func() {
		keyedPath := filepath.Join(dir, "keyed.jar")
		Expect(seedJar(keyedPath, 5000, true)).To(Succeed())

		jar, err := rowjar.Open(keyedPath, nil)
		Expect(err).NotTo(HaveOccurred())
		defer jar.Close()

		Expect(jar.Rows()).To(Equal(uint64(5000)))
		Expect(jar.HasKeyIndex()).To(BeTrue())
	})

	It("should train dictionaries when asked", func() {
		dictPath := filepath.Join(dir, "dict.jar")
		w, err := rowjar.NewWriter(dictPath, &rowjar.WriterOptions{
			Columns: []rowjar.ColumnConfig{
				{Name: "meta", Codec: rowjar.CodecZstd, Dictionary: true},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		defer w.Discard()

		for i := 0; i < 2000; i++ {
			Expect(w.Append(seedMeta(i))).To(Succeed())
		}
		Expect(w.Seal()).To(Succeed())

		jar, err := rowjar.Open(dictPath, nil)
		Expect(err).NotTo(HaveOccurred())
		defer jar.Close()

		for _, i := range []int{0, 4, 999, 1999} {
			Expect(jar.Row(0, i)).To(Equal(seedMeta(i)), "for row %d", i)
		}
	})
})
