package pmm

import (
	"unsafe"

	"cowos/kernel/mm"
)

// heapArena backs physical memory with a Go allocation. The slice is over
// allocated by one page and trimmed so that every frame starts on a host page
// boundary.
func heapArena(size uintptr) ([]byte, func() error) {
	raw := make([]byte, size+mm.PageSize)
	off := uintptr(0)
	if rem := uintptr(unsafe.Pointer(&raw[0])) & (mm.PageSize - 1); rem != 0 {
		off = mm.PageSize - rem
	}
	return raw[off : off+size : off+size], nil
}
