//go:build unix

package shmem

import "golang.org/x/sys/unix"

// mapAnonymous maps anonymous shared memory
// MAP_SHARED keeps the pages shared with forked children, as postgres does for its main shared memory
func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
