package mm

import (
	"math"

	"cowos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Unaligned addresses are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Unaligned addresses are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to the page boundary below it.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// FrameAllocator owns physical memory. Besides handing out frames it keeps a
// per-frame reference count so that a frame mapped by several page tables is
// only reclaimed once the last mapping goes away.
type FrameAllocator interface {
	// AllocFrame reserves a frame and sets its reference count to 1.
	AllocFrame() (Frame, *kernel.Error)

	// ReleaseFrame drops one reference and reclaims the frame when the
	// count reaches zero.
	ReleaseFrame(Frame)

	// RefCount returns the reference count of a frame.
	RefCount(Frame) uint8

	// AdjustRefCount adds delta to the reference count of a frame. A count
	// that drops to zero reclaims the frame.
	AdjustRefCount(Frame, int)

	// SetRefCount overwrites the reference count of an allocated frame.
	SetRefCount(Frame, uint8)

	// FrameBytes returns the contents of a frame.
	FrameBytes(Frame) []byte

	// Contains reports whether the frame belongs to managed memory.
	Contains(Frame) bool
}

var (
	// frameAllocator points to the allocator registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocator
)

// SetFrameAllocator registers the allocator that will be used by the vmm code
// when new physical frames need to be allocated or released.
func SetFrameAllocator(a FrameAllocator) { frameAllocator = a }

// ActiveFrameAllocator returns the registered allocator.
func ActiveFrameAllocator() FrameAllocator { return frameAllocator }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator.AllocFrame() }

// ReleaseFrame drops one reference to f.
func ReleaseFrame(f Frame) { frameAllocator.ReleaseFrame(f) }

// RefCount returns the reference count of f.
func RefCount(f Frame) uint8 { return frameAllocator.RefCount(f) }

// AdjustRefCount adds delta to the reference count of f.
func AdjustRefCount(f Frame, delta int) { frameAllocator.AdjustRefCount(f, delta) }

// SetRefCount overwrites the reference count of f.
func SetRefCount(f Frame, count uint8) { frameAllocator.SetRefCount(f, count) }

// FrameBytes returns the page-sized contents of f.
func FrameBytes(f Frame) []byte { return frameAllocator.FrameBytes(f) }

// PhysBytes returns n bytes starting at physical address pa. The range must
// not cross a frame boundary.
func PhysBytes(pa uintptr, n uintptr) []byte {
	off := pa & (PageSize - 1)
	return frameAllocator.FrameBytes(FrameFromAddress(pa))[off : off+n]
}
