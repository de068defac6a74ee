//go:build unix

package dbrew

import (
	"golang.org/x/sys/unix"
)

// mapCode returns an anonymous mapping that is readable, writable and executable.
func mapCode(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapCode(b []byte) error { return unix.Munmap(b) }
