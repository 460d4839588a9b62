// Package cpu models the per-hart state the kernel relies on: the active page
// table root, the interrupt-enable flag and the pending timer interrupt.
package cpu

import (
	"context"
	"sync/atomic"

	"cowos/kernel"
)

var (
	// ErrHalted is the value Halt panics with.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "system halted"}

	errPopOffEnabled = &kernel.Error{Module: "cpu", Message: "pop_off: interruptible"}
	errPopOffDepth   = &kernel.Error{Module: "cpu", Message: "pop_off: unbalanced"}
)

// Halt stops instruction execution. A hosted kernel cannot stop the machine,
// so Halt unwinds the calling goroutine with ErrHalted instead.
func Halt() {
	panic(ErrHalted)
}

// Hart is a single hardware thread. The fields that are not atomic are only
// touched by the goroutine that currently executes on the hart; ownership is
// handed over together with the hart during a context switch.
type Hart struct {
	id int

	satp    atomic.Uintptr
	flushes atomic.Uint64

	intr   bool
	noff   int
	intena bool

	timerPending atomic.Bool
	wake         chan struct{}
}

// NewHart returns a hart with interrupts disabled and no active table.
func NewHart(id int) *Hart {
	return &Hart{
		id:   id,
		wake: make(chan struct{}, 1),
	}
}

// ID returns the hart id.
func (h *Hart) ID() int { return h.id }

// SwitchPDT installs the page table rooted at the supplied physical address
// and flushes the TLB.
func (h *Hart) SwitchPDT(rootPhysAddr uintptr) {
	h.satp.Store(rootPhysAddr)
	h.FlushTLB()
}

// ActivePDT returns the physical address of the currently active page table.
func (h *Hart) ActivePDT() uintptr {
	return h.satp.Load()
}

// FlushTLB flushes every cached translation.
func (h *Hart) FlushTLB() {
	h.flushes.Add(1)
}

// TLBFlushes returns the number of TLB flushes performed by this hart.
func (h *Hart) TLBFlushes() uint64 {
	return h.flushes.Load()
}

// EnableInterrupts enables interrupt handling.
func (h *Hart) EnableInterrupts() { h.intr = true }

// DisableInterrupts disables interrupt handling.
func (h *Hart) DisableInterrupts() { h.intr = false }

// InterruptsEnabled reports whether the hart accepts interrupts.
func (h *Hart) InterruptsEnabled() bool { return h.intr }

// PushOff disables interrupts. Calls nest; it takes as many PopOff calls to
// undo them and interrupts are only re-enabled if they were enabled before
// the outermost PushOff.
func (h *Hart) PushOff() {
	old := h.intr
	h.intr = false
	if h.noff == 0 {
		h.intena = old
	}
	h.noff++
}

// PopOff undoes one PushOff.
func (h *Hart) PopOff() {
	if h.intr {
		panic(errPopOffEnabled)
	}
	if h.noff < 1 {
		panic(errPopOffDepth)
	}
	h.noff--
	if h.noff == 0 && h.intena {
		h.intr = true
	}
}

// Depth returns the PushOff nesting depth.
func (h *Hart) Depth() int { return h.noff }

// SaveIntena returns the interrupt state recorded by the outermost PushOff.
func (h *Hart) SaveIntena() bool { return h.intena }

// RestoreIntena overwrites the interrupt state recorded by the outermost
// PushOff. It is used when a kernel thread switches away and later resumes on
// a hart whose state it does not own.
func (h *Hart) RestoreIntena(intena bool) { h.intena = intena }

// RaiseTimer marks a timer interrupt as pending and wakes the hart if it is
// idle.
func (h *Hart) RaiseTimer() {
	h.timerPending.Store(true)
	h.Notify()
}

// TakeTimer clears the pending timer interrupt and reports whether one was
// pending.
func (h *Hart) TakeTimer() bool {
	return h.timerPending.Swap(false)
}

// TimerPending reports whether a timer interrupt awaits service.
func (h *Hart) TimerPending() bool {
	return h.timerPending.Load()
}

// Notify wakes the hart from WaitForInterrupt. Notifications coalesce.
func (h *Hart) Notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// WaitForInterrupt blocks until the hart is notified or ctx is done.
func (h *Hart) WaitForInterrupt(ctx context.Context) {
	select {
	case <-h.wake:
	case <-ctx.Done():
	}
}
