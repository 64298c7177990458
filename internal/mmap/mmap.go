// Package mmap provides read-only memory-mapped file access for sealed
// jars. The mapping never changes after Open, so the returned bytes may be
// shared across goroutines without locking.
package mmap

import (
	"fmt"
	"os"
)

// Map is a read-only memory mapping of a whole file.
type Map struct {
	file *os.File
	data []byte
}

// Open maps the file at path read-only. Point-lookup access is advised to
// the kernel; page faults on first touch are the only possible stall.
func Open(path string) (*Map, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	size := stat.Size()
	if size == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("mmap: %s is empty", path)
	}

	data, err := mmap(int(file.Fd()), 0, int(size), protRead, mapShared)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap: %s: %w", path, err)
	}
	_ = madvise(data, madvRandom) // best effort

	return &Map{file: file, data: data}, nil
}

// Bytes returns the mapped file contents. The slice is valid until Close.
func (m *Map) Bytes() []byte { return m.data }

// Len returns the mapped size in bytes.
func (m *Map) Len() int { return len(m.data) }

// Close unmaps the file. Slices previously returned by Bytes must not be
// used afterwards.
func (m *Map) Close() error {
	var err error
	if m.data != nil {
		err = munmap(m.data)
		m.data = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.file = nil
	}
	return err
}
