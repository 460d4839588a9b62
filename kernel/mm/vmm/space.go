package vmm

import (
	"io"

	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
)

// Region identifies the address range a virtual address belongs to.
type Region uint8

// The regions of a user address space.
const (
	RegionInvalid Region = iota
	RegionCode
	RegionStack
	RegionHeap
)

// String implements fmt.Stringer.
func (r Region) String() string {
	switch r {
	case RegionCode:
		return "code"
	case RegionStack:
		return "stack"
	case RegionHeap:
		return "heap"
	default:
		return "invalid"
	}
}

// Range is the half-open address interval [Start, End).
type Range struct {
	Start, End uintptr
}

// Contains reports whether va lies inside the range.
func (r Range) Contains(va uintptr) bool {
	return va >= r.Start && va < r.End
}

// Pages returns the number of pages spanned by the range.
func (r Range) Pages() int {
	if r.End <= r.Start {
		return 0
	}
	return int((r.End - r.Start) >> mm.PageShift)
}

// AddrInfo describes the user ranges of an address space. Addresses need not
// be page aligned; the ranges derived from them are.
type AddrInfo struct {
	// VMOffset is the lowest address of the program image.
	VMOffset uintptr

	// ProgramSize is the size of the program image in bytes.
	ProgramSize uintptr

	// StackTop is the highest stack address (exclusive).
	StackTop uintptr

	// StackBottom is the lowest address the stack has grown down to.
	StackBottom uintptr

	// HeapStart is the first heap address.
	HeapStart uintptr

	// HeapEnd is the current program break.
	HeapEnd uintptr
}

// Code returns the page-rounded code range.
func (ai *AddrInfo) Code() Range {
	return Range{mm.PageRoundDown(ai.VMOffset), mm.PageRoundUp(ai.VMOffset + ai.ProgramSize)}
}

// Stack returns the page-rounded stack range.
func (ai *AddrInfo) Stack() Range {
	return Range{mm.PageRoundDown(ai.StackBottom), mm.PageRoundUp(ai.StackTop)}
}

// Heap returns the page-rounded heap range.
func (ai *AddrInfo) Heap() Range {
	return Range{mm.PageRoundDown(ai.HeapStart), mm.PageRoundUp(ai.HeapEnd)}
}

// Ranges returns the code, stack and heap ranges in that order.
func (ai *AddrInfo) Ranges() [3]Range {
	return [3]Range{ai.Code(), ai.Stack(), ai.Heap()}
}

// RangeOf returns the range backing a region.
func (ai *AddrInfo) RangeOf(region Region) Range {
	switch region {
	case RegionCode:
		return ai.Code()
	case RegionStack:
		return ai.Stack()
	case RegionHeap:
		return ai.Heap()
	default:
		return Range{}
	}
}

// Classify returns the region va belongs to. The ranges never overlap so
// every address maps to exactly one region.
func (ai *AddrInfo) Classify(va uintptr) Region {
	for _, region := range [...]Region{RegionCode, RegionStack, RegionHeap} {
		if ai.RangeOf(region).Contains(va) {
			return region
		}
	}
	return RegionInvalid
}

// ClassifySpan returns the region that contains all of [va, va+n) or
// RegionInvalid if the span is empty, wraps around or is not contained in a
// single region.
func (ai *AddrInfo) ClassifySpan(va, n uintptr) Region {
	end := va + n
	if n == 0 || end < va {
		return RegionInvalid
	}

	region := ai.Classify(va)
	if region == RegionInvalid || end > ai.RangeOf(region).End {
		return RegionInvalid
	}
	return region
}

// Pages returns the number of pages spanned by the user ranges.
func (ai *AddrInfo) Pages() int {
	var pages int
	for _, r := range ai.Ranges() {
		pages += r.Pages()
	}
	return pages
}

// Space is the address space of one process: its user table, its kernel
// shadow table and the descriptor of its user ranges.
type Space struct {
	// User is the table active while the process runs in user mode.
	User *Table

	// Kernel is the shadow table active while the kernel services the
	// process.
	Kernel *Table

	// Info describes the user ranges.
	Info AddrInfo

	pool *Pool
}

// NewSpace builds an address space for a process whose trapframe, status page
// and kernel stack live in the supplied frames. The user table maps the
// trampoline, trapframe and status page; the shadow table comes from pool. The
// user ranges start out empty.
func NewSpace(pool *Pool, trapframe, status, kstack mm.Frame) (*Space, *kernel.Error) {
	user, err := NewTable()
	if err != nil {
		return nil, err
	}

	specs := []struct {
		va    uintptr
		frame mm.Frame
		flags PageTableEntryFlag
	}{
		{Trampoline, trampolineFrame, FlagRead | FlagExec},
		{TrapframeVA, trapframe, FlagRead | FlagWrite},
		{StatusPageVA, status, FlagRead | FlagUser},
	}
	for _, spec := range specs {
		if err = user.Map(spec.va, spec.frame, spec.flags); err != nil {
			freeUserTable(user)
			return nil, err
		}
	}

	shadow, err := pool.Acquire(kstack, trapframe)
	if err != nil {
		freeUserTable(user)
		return nil, err
	}

	return &Space{User: user, Kernel: shadow, pool: pool}, nil
}

// freeUserTable removes the fixed mappings of a user table and frees its
// nodes. The fixed pages belong to the process, not the table.
func freeUserTable(t *Table) {
	t.Clear(Trampoline, 1, false)
	t.Clear(TrapframeVA, 1, false)
	t.Clear(StatusPageVA, 1, false)
	t.Free()
}

// FreeUser drops every user page from both tables and frees the user table.
// The shadow table stays usable so the kernel can keep servicing the process
// until it is reaped. FreeUser is idempotent.
func (s *Space) FreeUser() {
	if s.User == nil {
		return
	}

	for _, r := range s.Info.Ranges() {
		s.User.Clear(r.Start, r.Pages(), true)
		s.Kernel.Clear(r.Start, r.Pages(), true)
	}

	freeUserTable(s.User)
	s.User = nil
	s.Info = AddrInfo{}
}

// SetOwner records pid as the owner of both tables so that fatal
// diagnostics raised while walking them name the process.
func (s *Space) SetOwner(pid int) {
	if s.User != nil {
		s.User.owner = pid
	}
	if s.Kernel != nil {
		s.Kernel.owner = pid
	}
}

// Free releases the whole address space and returns the shadow table to its
// pool.
func (s *Space) Free() {
	s.FreeUser()
	if s.Kernel != nil {
		s.pool.Release(s.Kernel)
		s.Kernel = nil
	}
}

// Dump writes the descriptor and the user table to w.
func (s *Space) Dump(w io.Writer) {
	kfmt.Fprintf(w, "code [0x%x, 0x%x) stack [0x%x, 0x%x) heap [0x%x, 0x%x)\n",
		s.Info.Code().Start, s.Info.Code().End,
		s.Info.Stack().Start, s.Info.Stack().End,
		s.Info.Heap().Start, s.Info.Heap().End,
	)
	if s.User != nil {
		s.User.Dump(w)
	}
}

// userFlags returns the flags used for a user page in each of the two tables.
func userFlags(flags PageTableEntryFlag) (user, kern PageTableEntryFlag) {
	return flags | FlagUser, flags &^ FlagUser
}

// mapUserPage maps frame at va in both tables and takes one reference per
// table. The frame arrives with the single reference handed out by the
// allocator.
func (s *Space) mapUserPage(va uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	uflags, kflags := userFlags(flags)
	if err := s.User.Map(va, frame, uflags); err != nil {
		return err
	}
	if err := s.Kernel.Map(va, frame, kflags); err != nil {
		s.User.Unmap(va, 1, false)
		return err
	}
	mm.AdjustRefCount(frame, 1)
	return nil
}

// entries returns the user and shadow entries for va. Both are nil when the
// page is not mapped. A page mapped by only one of the tables, or by both to
// different frames, is a fatal error.
func (s *Space) entries(va uintptr) (upte, kpte *pageTableEntry) {
	upte, kpte = s.User.entry(va), s.Kernel.entry(va)
	uValid := upte != nil && upte.HasFlags(FlagValid)
	kValid := kpte != nil && kpte.HasFlags(FlagValid)

	switch {
	case !uValid && !kValid:
		return nil, nil
	case uValid != kValid || upte.Frame() != kpte.Frame():
		s.User.fatalAt(errTableMismatch, va)
		return nil, nil
	}
	return upte, kpte
}
