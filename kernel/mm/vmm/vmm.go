// Package vmm implements per-process address spaces on top of three level
// page tables whose nodes live in physical frames. Every process owns a user
// table and a kernel shadow table drawn from a fixed pool; the two are kept
// in lock-step for the user ranges. User pages are reference counted once per
// table that maps them which lets fork share them copy-on-write.
package vmm

import (
	"fmt"

	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when no valid leaf maps an address.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrProtection is returned when a mapping exists but does not permit
	// the requested access.
	ErrProtection = &kernel.Error{Module: "vmm", Message: "page protection violation"}

	// ErrBadAddress is returned by the user copy routines when a span is
	// not contained in a single address range of the process.
	ErrBadAddress = &kernel.Error{Module: "vmm", Message: "bad user address"}

	// ErrSegmentationFault is returned when a page fault cannot be serviced.
	ErrSegmentationFault = &kernel.Error{Module: "vmm", Message: "segmentation fault"}

	// ErrPoolExhausted is returned when every shadow table is in use.
	ErrPoolExhausted = &kernel.Error{Module: "vmm", Message: "no free kernel page table"}

	// ErrNoTerminator is returned by CopyInString when no NUL byte is found
	// within the allowed length.
	ErrNoTerminator = &kernel.Error{Module: "vmm", Message: "string not terminated"}

	errRemap          = &kernel.Error{Module: "vmm", Message: "remap of a valid entry"}
	errWalkRange      = &kernel.Error{Module: "vmm", Message: "walk: virtual address out of range"}
	errUnmapInvalid   = &kernel.Error{Module: "vmm", Message: "unmap: entry not mapped"}
	errUnmapNotLeaf   = &kernel.Error{Module: "vmm", Message: "unmap: not a leaf"}
	errFreeLeaf       = &kernel.Error{Module: "vmm", Message: "free: leaf still mapped"}
	errUnexpectedLeaf = &kernel.Error{Module: "vmm", Message: "walk: leaf at intermediate level"}
	errTableMismatch  = &kernel.Error{Module: "vmm", Message: "user and kernel tables disagree"}
	errSegmentMissing = &kernel.Error{Module: "vmm", Message: "install segment: address not mapped"}
	errShortRead      = &kernel.Error{Module: "vmm", Message: "install segment: short read"}
	errPoolLeak       = &kernel.Error{Module: "vmm", Message: "kernel page table released with user mappings"}
	errPoolForeign    = &kernel.Error{Module: "vmm", Message: "kernel page table does not belong to the pool"}

	// physBase and physSize describe RAM; set by Init.
	physBase uintptr
	physSize uintptr

	// trampolineFrame holds the trap entry/exit code mapped at Trampoline
	// in every table.
	trampolineFrame = mm.InvalidFrame

	// kernelTable is the table harts run on while no process is current.
	kernelTable *Table
)

// trampolineCode is the placeholder image of the trap entry/exit code.
var trampolineCode = []byte("uservec:\x00userret:\x00")

// Init records the RAM layout, sets up the trampoline page and builds the
// kernel page table. The frame allocator must already be registered.
func Init(ramBase uintptr, ramSize kernel.Size) *kernel.Error {
	physBase, physSize = ramBase, uintptr(ramSize)

	var err *kernel.Error
	if trampolineFrame, err = mm.AllocFrame(); err != nil {
		return err
	}
	page := mm.FrameBytes(trampolineFrame)
	kernel.Memset(page, 0)
	copy(page, trampolineCode)

	kernelTable, err = NewKernelTable()
	return err
}

// KernelTable returns the table installed on harts that run no process.
func KernelTable() *Table {
	return kernelTable
}

// TrampolineFrame returns the frame mapped at Trampoline.
func TrampolineFrame() mm.Frame {
	return trampolineFrame
}

// NewKernelTable builds a table that identity maps the device registers and
// all of RAM with kernel privilege, plus the trampoline page.
func NewKernelTable() (*Table, *kernel.Error) {
	t, err := NewTable()
	if err != nil {
		return nil, err
	}

	specs := []struct {
		va, size, pa uintptr
		flags        PageTableEntryFlag
	}{
		{UART0, mm.PageSize, UART0, FlagRead | FlagWrite},
		{PLIC, PLICSize, PLIC, FlagRead | FlagWrite},
		{physBase, physSize, physBase, FlagRead | FlagWrite},
		{Trampoline, mm.PageSize, trampolineFrame.Address(), FlagRead | FlagExec},
	}
	for _, spec := range specs {
		if err = t.MapRange(spec.va, spec.size, spec.pa, spec.flags); err != nil {
			t.destroyKernel()
			return nil, err
		}
	}

	return t, nil
}

// destroyKernel tears down a table built by NewKernelTable. Its identity
// mappings are borrowed so no frame other than the table nodes is released.
func (t *Table) destroyKernel() {
	t.Clear(UART0, 1, false)
	t.Clear(PLIC, int(PLICSize>>mm.PageShift), false)
	t.Clear(physBase, int(physSize>>mm.PageShift), false)
	t.Clear(Trampoline, 1, false)
	t.Free()
}

func fatal(err *kernel.Error) {
	kfmt.Panic(err)
}

// fatalAt halts like fatal but names the offending address and, when known,
// the process owning t.
func (t *Table) fatalAt(err *kernel.Error, va uintptr) {
	msg := fmt.Sprintf("%s (va 0x%x", err.Message, va)
	if t.owner != 0 {
		msg += fmt.Sprintf(", pid %d", t.owner)
	}
	fatal(&kernel.Error{Module: err.Module, Message: msg + ")"})
}
