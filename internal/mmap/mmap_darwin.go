//go:build darwin

package mmap

import (
	"syscall"
	"unsafe"
)

func mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	return syscall.Mmap(fd, offset, length, prot, flags)
}

func munmap(b []byte) error {
	return syscall.Munmap(b)
}

// madvise has no wrapper on darwin, call it directly.
func madvise(b []byte, advice int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(advice))
	if errno != 0 {
		return errno
	}
	return nil
}

const (
	protRead   = syscall.PROT_READ
	mapShared  = syscall.MAP_SHARED
	madvRandom = 1 // MADV_RANDOM
)
