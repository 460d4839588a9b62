//go:build linux || darwin || freebsd || netbsd || openbsd

package pmm

import "golang.org/x/sys/unix"

// newArena reserves size bytes of anonymous memory from the host. Pages are
// only committed when touched, so large arenas are cheap to set up. If the
// host refuses the mapping the Go heap is used instead.
func newArena(size uintptr) ([]byte, func() error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return heapArena(size)
	}

	return mem, func() error { return unix.Munmap(mem) }
}
