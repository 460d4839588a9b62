//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pmm

func newArena(size uintptr) ([]byte, func() error) {
	return heapArena(size)
}
