package vmm

import "cowos/kernel/mm"

// Physical memory layout of the simulated board.
const (
	// UART0 is the physical address of the console UART registers.
	UART0 = uintptr(0x10000000)

	// PLIC is the physical address of the platform interrupt controller.
	PLIC = uintptr(0x0c000000)

	// PLICSize is the size of the PLIC register window.
	PLICSize = uintptr(0x400000)

	// KernBase is the physical address of the first byte of RAM.
	KernBase = uintptr(0x80000000)
)

// Virtual memory layout shared by every address space.
const (
	// MaxVA is one beyond the highest virtual address. Only 38 bits are
	// used so that addresses never need sign extension.
	MaxVA = uintptr(1) << (9 + 9 + 9 + 12 - 1)

	// Trampoline holds the trap entry/exit code at the top of every
	// address space, user and kernel alike.
	Trampoline = MaxVA - mm.PageSize

	// TrapframeVA is where the current process's trapframe is mapped.
	TrapframeVA = Trampoline - mm.PageSize

	// StatusPageVA is the page shared read-only with user mode that
	// exposes per-process status such as the pid.
	StatusPageVA = TrapframeVA - mm.PageSize

	// KStackVA is where the process kernel stack is mapped in its shadow
	// table. The page between it and StatusPageVA is an unmapped guard.
	KStackVA = Trampoline - 4*mm.PageSize

	// UserTop bounds the user ranges. Everything above it up to RAM is
	// identity mapped device space in the shadow tables.
	UserTop = PLIC

	// StackTop is the initial top of the user stack. The page below UserTop
	// stays unmapped to catch stack overruns into device space.
	StackTop = UserTop - mm.PageSize
)
