// Package gate describes the state saved when a hart traps out of user mode
// and the causes the trap handler distinguishes.
package gate

import (
	"io"
	"unsafe"

	"cowos/kernel/kfmt"
)

// Trapframe is the per-process save area. It occupies the start of a
// dedicated frame that is mapped just below the trampoline in the user table
// and in the process shadow table. The first five words are filled in by the
// kernel before returning to user mode and read back by the trap entry code.
type Trapframe struct {
	// KernelSatp is the root of the shadow table of the process.
	KernelSatp uint64

	// KernelSP is the top of the process kernel stack.
	KernelSP uint64

	// KernelTrap is the address of the user trap handler.
	KernelTrap uint64

	// EPC is the saved user program counter.
	EPC uint64

	// KernelHartID is the id of the hart the process last ran on.
	KernelHartID uint64

	RA  uint64
	SP  uint64
	GP  uint64
	TP  uint64
	T0  uint64
	T1  uint64
	T2  uint64
	S0  uint64
	S1  uint64
	A0  uint64
	A1  uint64
	A2  uint64
	A3  uint64
	A4  uint64
	A5  uint64
	A6  uint64
	A7  uint64
	S2  uint64
	S3  uint64
	S4  uint64
	S5  uint64
	S6  uint64
	S7  uint64
	S8  uint64
	S9  uint64
	S10 uint64
	S11 uint64
	T3  uint64
	T4  uint64
	T5  uint64
	T6  uint64
}

// TrapframeSize is the number of bytes occupied by a Trapframe.
const TrapframeSize = unsafe.Sizeof(Trapframe{})

// Overlay returns the trapframe stored at the start of page, which must be at
// least TrapframeSize bytes long.
func Overlay(page []byte) *Trapframe {
	_ = page[TrapframeSize-1]
	return (*Trapframe)(unsafe.Pointer(&page[0]))
}

// Arg returns the n-th system call argument register (a0-a5).
func (tf *Trapframe) Arg(n int) uint64 {
	switch n {
	case 0:
		return tf.A0
	case 1:
		return tf.A1
	case 2:
		return tf.A2
	case 3:
		return tf.A3
	case 4:
		return tf.A4
	case 5:
		return tf.A5
	}
	return 0
}

// SetArg sets the n-th system call argument register (a0-a5).
func (tf *Trapframe) SetArg(n int, v uint64) {
	switch n {
	case 0:
		tf.A0 = v
	case 1:
		tf.A1 = v
	case 2:
		tf.A2 = v
	case 3:
		tf.A3 = v
	case 4:
		tf.A4 = v
	case 5:
		tf.A5 = v
	}
}

// DumpTo outputs the register contents to w.
func (tf *Trapframe) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EPC = %016x SP  = %016x\n", tf.EPC, tf.SP)
	kfmt.Fprintf(w, "RA  = %016x GP  = %016x\n", tf.RA, tf.GP)
	kfmt.Fprintf(w, "A0  = %016x A1  = %016x\n", tf.A0, tf.A1)
	kfmt.Fprintf(w, "A2  = %016x A3  = %016x\n", tf.A2, tf.A3)
	kfmt.Fprintf(w, "A4  = %016x A5  = %016x\n", tf.A4, tf.A5)
	kfmt.Fprintf(w, "A6  = %016x A7  = %016x\n", tf.A6, tf.A7)
	kfmt.Fprintf(w, "S0  = %016x S1  = %016x\n", tf.S0, tf.S1)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "SATP = %016x KSP = %016x HART = %d\n", tf.KernelSatp, tf.KernelSP, tf.KernelHartID)
}

// Cause describes why a hart entered the trap handler. Interrupts have the
// most significant bit set; the remaining values are synchronous exceptions.
type Cause uint64

// interruptBit is set on causes that are interrupts.
const interruptBit = Cause(1) << 63

const (
	// InstructionPageFault occurs when an instruction fetch hits a page
	// that is not mapped or not executable.
	InstructionPageFault = Cause(12)

	// LoadPageFault occurs when a load hits a page that is not mapped or
	// not readable.
	LoadPageFault = Cause(13)

	// StorePageFault occurs when a store hits a page that is not mapped or
	// not writable; copy-on-write pages raise it on their first write.
	StorePageFault = Cause(15)

	// UserEnvCall is raised by the ecall instruction executed in user
	// mode to request a system call.
	UserEnvCall = Cause(8)

	// TimerInterrupt is raised by the per-hart timer.
	TimerInterrupt = interruptBit | 5

	// ExternalInterrupt is raised by the interrupt controller when a
	// device needs attention.
	ExternalInterrupt = interruptBit | 9
)

// IsInterrupt returns true if the cause is an asynchronous interrupt.
func (c Cause) IsInterrupt() bool {
	return c&interruptBit != 0
}

// IsPageFault returns true if the cause is one of the page fault exceptions.
func (c Cause) IsPageFault() bool {
	return c == InstructionPageFault || c == LoadPageFault || c == StorePageFault
}

// String implements fmt.Stringer.
func (c Cause) String() string {
	switch c {
	case InstructionPageFault:
		return "instruction page fault"
	case LoadPageFault:
		return "load page fault"
	case StorePageFault:
		return "store page fault"
	case UserEnvCall:
		return "environment call from U-mode"
	case TimerInterrupt:
		return "timer interrupt"
	case ExternalInterrupt:
		return "external interrupt"
	}

	if c.IsInterrupt() {
		return "unknown interrupt"
	}
	return "unknown exception"
}
