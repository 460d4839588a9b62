// Package trap is the single entry point for transitions from user mode into
// the kernel. It services system calls, page faults, device interrupts and
// timer ticks and decides whether the current process yields, resumes or
// dies on its way back to user mode.
package trap

import (
	"io"
	"log/slog"

	"cowos/kernel"
	"cowos/kernel/gate"
	"cowos/kernel/irq"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/proc"
	"cowos/kernel/sync"
)

// Interrupt sources reported by devintr.
const (
	intrNone = iota
	intrDevice
	intrTimer
)

// InterruptSource reports whether a device interrupt is waiting to be
// claimed. It is implemented by the platform interrupt controller.
type InterruptSource interface {
	Pending() bool
}

// MemoryStats reports the amount of free physical memory.
type MemoryStats interface {
	AvailableBytes() kernel.Size
}

// Config describes the collaborators of a Dispatcher.
type Config struct {
	// Procs is the process table whose processes the dispatcher serves.
	Procs *proc.Table

	// Binaries resolves exec paths. Without it every exec fails.
	Binaries Binaries

	// Interrupts is polled for pending device interrupts. It may be nil.
	Interrupts InterruptSource

	// Memory backs the sysinfo call. It may be nil.
	Memory MemoryStats

	// Logger receives fault and kill events. A nil logger discards them.
	Logger *slog.Logger
}

// Dispatcher routes traps to their handlers.
type Dispatcher struct {
	procs *proc.Table
	bins  Binaries
	intc  InterruptSource
	mem   MemoryStats
	log   *slog.Logger

	tickLock sync.Spinlock
	ticks    uint64

	syscalls [nsyscall]syscallFn
}

// NewDispatcher returns a dispatcher for cfg.Procs and installs itself as the
// table's user mode entry and idle hook.
func NewDispatcher(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Dispatcher{
		procs: cfg.Procs,
		bins:  cfg.Binaries,
		intc:  cfg.Interrupts,
		mem:   cfg.Memory,
		log:   log,
	}
	d.installSyscalls()

	d.procs.Enter = d.enter
	d.procs.Idle = d.KernelTrap
	return d
}

// Ticks returns the number of timer ticks serviced by hart 0.
func (d *Dispatcher) Ticks() uint64 {
	d.tickLock.Acquire()
	defer d.tickLock.Release()
	return d.ticks
}

// enter is the first return to user mode of a process.
func (d *Dispatcher) enter(p *proc.Proc) {
	d.userTrapRet(p)
	if p.Resume != nil {
		p.Resume(p)
	}
}

// UserTrap handles an interrupt, exception or system call raised while p
// executed in user mode. tval carries the faulting address of page faults.
// UserTrap does not return if p exits.
func (d *Dispatcher) UserTrap(p *proc.Proc, cause gate.Cause, tval uintptr) {
	c := p.CPU()

	// The trampoline switches to the shadow table before calling us.
	c.Hart().SwitchPDT(p.Space().Kernel.RootAddress())

	which := intrNone
	switch {
	case cause == gate.UserEnvCall:
		if p.Killed() {
			d.procs.Exit(p, -1)
		}

		// sepc points to the ecall instruction, but we want to return
		// to the next instruction.
		p.Trapframe().EPC += 4
		d.syscall(p)
	case cause.IsPageFault():
		d.pageFault(p, cause, tval)
	default:
		if which = d.devintr(c, cause); which == intrNone {
			tf := p.Trapframe()
			kfmt.Printf("usertrap(): unexpected scause %s pid=%d\n            sepc=0x%x stval=0x%x\n",
				cause, p.PID(), tf.EPC, tval)
			p.SetKilled()
		}
	}

	// give up the CPU if this is a timer interrupt.
	if which == intrTimer {
		d.procs.Yield(p)
	}

	if p.Killed() {
		d.procs.Exit(p, -1)
	}

	d.userTrapRet(p)
}

// userTrapRet prepares the trapframe for the next trap and switches the hart
// to the user table of p.
func (d *Dispatcher) userTrapRet(p *proc.Proc) {
	c := p.CPU()
	tf := p.Trapframe()

	tf.KernelSatp = uint64(p.Space().Kernel.RootAddress())
	tf.KernelSP = uint64(vmm.KStackVA + mm.PageSize)
	tf.KernelTrap = uint64(vmm.Trampoline)
	tf.KernelHartID = uint64(c.Hart().ID())

	c.Hart().SwitchPDT(p.Space().User.RootAddress())
}

// pageFault services a fault at va. A fault that cannot be serviced kills p.
func (d *Dispatcher) pageFault(p *proc.Proc, cause gate.Cause, va uintptr) {
	access := vmm.AccessRead
	switch cause {
	case gate.StorePageFault:
		access = vmm.AccessWrite
	case gate.InstructionPageFault:
		access = vmm.AccessExec
	}

	s := p.Space()
	if err := s.ServiceFault(va, access, uintptr(p.Trapframe().SP)); err != nil {
		kfmt.Printf("usertrap(): %s pid=%d %s sepc=0x%x", cause, p.PID(), p.Name(), p.Trapframe().EPC)
		vmm.PrintFault(kfmt.Writer(), s, va, access, err)
		d.kill(p, err)
	}
}

// kill marks p as killed and releases its user memory right away. The
// trapframe, kernel stack and shadow table stay until p is reaped.
func (d *Dispatcher) kill(p *proc.Proc, err *kernel.Error) {
	d.log.Warn("killing process", "pid", p.PID(), "name", p.Name(), "err", err.Message)
	p.Space().FreeUser()
	p.SetKilled()
}

// KernelTrap services the interrupts pending on the hart of c while it runs
// in the kernel. Schedulers call it before idling.
func (d *Dispatcher) KernelTrap(c *proc.CPU) {
	for {
		var cause gate.Cause
		switch {
		case c.Hart().TakeTimer():
			cause = gate.TimerInterrupt
		case d.intc != nil && d.intc.Pending():
			cause = gate.ExternalInterrupt
		default:
			return
		}
		d.devintr(c, cause)
	}
}

// devintr handles a device or timer interrupt and reports which one it was.
func (d *Dispatcher) devintr(c *proc.CPU, cause gate.Cause) int {
	switch cause {
	case gate.ExternalInterrupt:
		irq.Dispatch(c.Hart().ID())
		return intrDevice
	case gate.TimerInterrupt:
		if c.Hart().ID() == 0 {
			d.clockintr()
		}
		return intrTimer
	default:
		return intrNone
	}
}

func (d *Dispatcher) clockintr() {
	d.tickLock.Acquire()
	d.ticks++
	d.tickLock.Release()
	d.procs.Wakeup(&d.ticks)
}

// pollInterrupts delivers the interrupts pending on the hart running p as
// user mode traps.
func (d *Dispatcher) pollInterrupts(p *proc.Proc) {
	hart := p.CPU().Hart()
	if !hart.InterruptsEnabled() {
		return
	}

	switch {
	case hart.TakeTimer():
		d.UserTrap(p, gate.TimerInterrupt, 0)
	case d.intc != nil && d.intc.Pending():
		d.UserTrap(p, gate.ExternalInterrupt, 0)
	}
}
