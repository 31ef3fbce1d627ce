//go:build unix

package secrets

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous memory, locks it and excludes it from core dumps.
// Any failure falls back to a heap slice; RLIMIT_MEMLOCK is commonly small
// in containers.
func allocate(size int) ([]byte, bool) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return make([]byte, size), false
	}
	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return make([]byte, size), false
	}
	dontDump(data)
	return data, true
}

func release(data []byte) error {
	var first error
	if err := unix.Munlock(data); err != nil {
		first = fmt.Errorf("secrets: munlock: %w", err)
	}
	if err := unix.Munmap(data); err != nil && first == nil {
		first = fmt.Errorf("secrets: munmap: %w", err)
	}
	return first
}
