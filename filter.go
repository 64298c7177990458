package rowjar

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
)

// buildFilter constructs the membership filter over the key set, sized
// for the configured false-positive budget. A key the filter fails to
// report would turn into a wrong NotFound at read time, so every inserted
// key is verified back and a miss is a hard construction error.
func buildFilter(keys [][]byte, fpRate float64) (*bloom.BloomFilter, error) {
	bf := bloom.NewWithEstimates(uint(len(keys)), fpRate)
	for _, key := range keys {
		bf.Add(key)
	}
	for i, key := range keys {
		if !bf.Test(key) {
			return nil, fmt.Errorf("rowjar: filter dropped key %d", i)
		}
	}
	return bf, nil
}

func encodeFilter(bf *bloom.BloomFilter) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := bf.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFilter(b []byte) (*bloom.BloomFilter, error) {
	bf := new(bloom.BloomFilter)
	if _, err := bf.ReadFrom(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrCorrupted, err)
	}
	return bf, nil
}
