// Package pmm manages physical memory. RAM is a single arena carved into
// page-sized frames that are kept on a free list threaded through the frames
// themselves. Every frame carries an 8-bit reference count so that frames
// shared between page tables are reclaimed exactly once.
package pmm

import (
	"unsafe"

	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
	"cowos/kernel/sync"
)

const (
	// allocJunk is written into every frame handed out by AllocFrame so
	// that consumers relying on zeroed memory without clearing it surface
	// quickly.
	allocJunk = 0x05

	// freeJunk is written into every frame returned to the free list to
	// catch dangling references.
	freeJunk = 0x01

	maxRefCount = 255
)

var (
	// ErrOutOfMemory is returned when the free list is empty.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errBadArena       = &kernel.Error{Module: "pmm", Message: "arena base and size must be page aligned and non-zero"}
	errRefOverflow    = &kernel.Error{Module: "pmm", Message: "frame reference count overflow"}
	errRefUnderflow   = &kernel.Error{Module: "pmm", Message: "frame reference count underflow"}
	errFreeListHead   = &kernel.Error{Module: "pmm", Message: "frame is already at the head of the free list"}
	errRefToFreeFrame = &kernel.Error{Module: "pmm", Message: "reference count update on a free frame"}
	errNotManaged     = &kernel.Error{Module: "pmm", Message: "frame outside of managed memory"}
)

// Allocator hands out the frames of one physical memory arena.
type Allocator struct {
	// lock guards the free list and every reference count.
	lock sync.Spinlock

	mem       []byte
	unmapFn   func() error
	base      uintptr
	baseFrame mm.Frame

	refs      []uint8
	freeHead  mm.Frame
	freeCount int
}

// Stats is a snapshot of the allocator bookkeeping.
type Stats struct {
	// TotalFrames is the number of frames in the arena.
	TotalFrames int

	// FreeFrames is the number of frames on the free list.
	FreeFrames int

	// UsedFrames is the number of frames with a non-zero reference count.
	UsedFrames int
}

// New creates an allocator that manages size bytes of physical memory
// starting at physical address base. Every frame starts out on the free list.
func New(base uintptr, size kernel.Size) (*Allocator, *kernel.Error) {
	if size == 0 || base&(mm.PageSize-1) != 0 || uintptr(size)&(mm.PageSize-1) != 0 {
		return nil, errBadArena
	}

	mem, unmapFn := newArena(uintptr(size))
	a := &Allocator{
		mem:       mem,
		unmapFn:   unmapFn,
		base:      base,
		baseFrame: mm.FrameFromAddress(base),
		refs:      make([]uint8, uintptr(size)>>mm.PageShift),
		freeHead:  mm.InvalidFrame,
	}

	// push frames in reverse order so that allocations start at the
	// lowest address
	for index := len(a.refs) - 1; index >= 0; index-- {
		a.push(a.baseFrame + mm.Frame(index))
	}

	return a, nil
}

// Init creates an allocator with New and registers it with the mm package so
// that the rest of the kernel allocates from it.
func Init(base uintptr, size kernel.Size) (*Allocator, *kernel.Error) {
	a, err := New(base, size)
	if err != nil {
		return nil, err
	}

	mm.SetFrameAllocator(a)
	return a, nil
}

// Close returns the arena to the host. The allocator must not be used
// afterwards.
func (a *Allocator) Close() error {
	if a.unmapFn == nil {
		return nil
	}
	err := a.unmapFn()
	a.unmapFn, a.mem = nil, nil
	return err
}

// Base returns the physical address of the first managed frame.
func (a *Allocator) Base() uintptr { return a.base }

// Size returns the number of managed bytes.
func (a *Allocator) Size() kernel.Size { return kernel.Size(len(a.mem)) }

// Contains reports whether f belongs to the arena.
func (a *Allocator) Contains(f mm.Frame) bool {
	return f >= a.baseFrame && f < a.baseFrame+mm.Frame(len(a.refs))
}

// FrameBytes returns the contents of f.
func (a *Allocator) FrameBytes(f mm.Frame) []byte {
	off := a.offset(f)
	return a.mem[off : off+mm.PageSize : off+mm.PageSize]
}

// AllocFrame removes a frame from the free list, fills it with junk and sets
// its reference count to 1.
func (a *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a.lock.Acquire()
	f := a.freeHead
	if !f.Valid() {
		a.lock.Release()
		return mm.InvalidFrame, ErrOutOfMemory
	}
	a.freeHead = a.next(f)
	a.freeCount--
	a.refs[a.index(f)] = 1
	a.lock.Release()

	kernel.Memset(a.FrameBytes(f), allocJunk)
	return f, nil
}

// ReleaseFrame drops one reference to f. The frame returns to the free list
// when its count reaches zero.
func (a *Allocator) ReleaseFrame(f mm.Frame) {
	a.AdjustRefCount(f, -1)
}

// RefCount returns the reference count of f.
func (a *Allocator) RefCount(f mm.Frame) uint8 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.refs[a.index(f)]
}

// AdjustRefCount adds delta to the reference count of f. Dropping the count
// to zero and reclaiming the frame happen atomically with respect to other
// updates. Overflow, underflow and updates to free frames are fatal.
func (a *Allocator) AdjustRefCount(f mm.Frame, delta int) {
	a.lock.Acquire()
	index := a.index(f)
	count := int(a.refs[index])

	var err *kernel.Error
	switch {
	case count == 0:
		err = errRefToFreeFrame
		if delta < 0 {
			err = errRefUnderflow
		}
	case count+delta > maxRefCount:
		err = errRefOverflow
	case count+delta < 0:
		err = errRefUnderflow
	}
	if err != nil {
		a.lock.Release()
		kfmt.Panic(err)
		return
	}

	a.refs[index] = uint8(count + delta)
	if count+delta == 0 {
		if a.freeHead == f {
			a.lock.Release()
			kfmt.Panic(errFreeListHead)
			return
		}
		kernel.Memset(a.FrameBytes(f), freeJunk)
		a.push(f)
	}
	a.lock.Release()
}

// SetRefCount overwrites the reference count of an allocated frame. Setting
// it to zero is not allowed; frames are reclaimed through ReleaseFrame.
func (a *Allocator) SetRefCount(f mm.Frame, count uint8) {
	a.lock.Acquire()
	index := a.index(f)
	if a.refs[index] == 0 || count == 0 {
		a.lock.Release()
		kfmt.Panic(errRefToFreeFrame)
		return
	}
	a.refs[index] = count
	a.lock.Release()
}

// AvailableBytes walks the free list and returns the number of free bytes.
func (a *Allocator) AvailableBytes() kernel.Size {
	a.lock.Acquire()
	defer a.lock.Release()

	var frames uint64
	for f := a.freeHead; f.Valid(); f = a.next(f) {
		frames++
	}
	return kernel.Size(frames << mm.PageShift)
}

// FreeFrames returns the number of frames on the free list.
func (a *Allocator) FreeFrames() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.freeCount
}

// Stats returns a consistent snapshot of the allocator bookkeeping.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	s := Stats{TotalFrames: len(a.refs), FreeFrames: a.freeCount}
	for _, count := range a.refs {
		if count != 0 {
			s.UsedFrames++
		}
	}
	return s
}

// RefCounts returns a copy of every frame's reference count, indexed by frame
// number relative to Base.
func (a *Allocator) RefCounts() []uint8 {
	a.lock.Acquire()
	defer a.lock.Release()
	return append([]uint8(nil), a.refs...)
}

func (a *Allocator) index(f mm.Frame) int {
	if !a.Contains(f) {
		kfmt.Panic(errNotManaged)
	}
	return int(f - a.baseFrame)
}

func (a *Allocator) offset(f mm.Frame) uintptr {
	return uintptr(a.index(f)) << mm.PageShift
}

// push and next must be called with the lock held. The link to the next free
// frame is stored in the first word of each free frame.
func (a *Allocator) push(f mm.Frame) {
	*a.link(f) = uintptr(a.freeHead)
	a.freeHead = f
	a.freeCount++
}

func (a *Allocator) next(f mm.Frame) mm.Frame {
	return mm.Frame(*a.link(f))
}

func (a *Allocator) link(f mm.Frame) *uintptr {
	return (*uintptr)(unsafe.Pointer(&a.FrameBytes(f)[0]))
}
