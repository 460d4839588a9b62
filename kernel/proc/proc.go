// Package proc implements the process table, the per-hart schedulers and the
// process lifecycle: creation, fork, exit, wait, kill and sleep/wakeup.
//
// Every process runs on its own goroutine but only one goroutine per hart is
// ever runnable: a context switch wakes the target goroutine and parks the
// current one, so control moves between a hart's scheduler and the process it
// runs exactly like it would on a single hardware thread.
package proc

import (
	"encoding/binary"

	"cowos/kernel"
	"cowos/kernel/cpu"
	"cowos/kernel/gate"
	"cowos/kernel/mm"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/sync"
)

const (
	// NOFILE is the number of open file slots per process.
	NOFILE = 16

	// MaxArg bounds the argument count accepted by exec.
	MaxArg = 32

	// MaxPath bounds the length of a program path.
	MaxPath = 128
)

var (
	// ErrNoFreeProc is returned when every slot of the table is in use.
	ErrNoFreeProc = &kernel.Error{Module: "proc", Message: "process table full"}

	// ErrNoChildren is returned by Wait when the caller has no children
	// or has been killed.
	ErrNoChildren = &kernel.Error{Module: "proc", Message: "no children"}

	// ErrBadGrow is returned when sbrk would move the program break
	// below the heap start or into the stack.
	ErrBadGrow = &kernel.Error{Module: "proc", Message: "invalid program break"}

	errInitExiting        = &kernel.Error{Module: "proc", Message: "init exiting"}
	errSchedLocks         = &kernel.Error{Module: "proc", Message: "sched: process lock not held"}
	errSchedRunning       = &kernel.Error{Module: "proc", Message: "sched: process running"}
	errSchedDepth         = &kernel.Error{Module: "proc", Message: "sched: locks held"}
	errSchedInterruptible = &kernel.Error{Module: "proc", Message: "sched: interruptible"}
)

// State is the scheduling state of a process.
type State uint8

// The process states.
const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Sleeping:
		return "sleep "
	case Runnable:
		return "runble"
	case Running:
		return "run   "
	case Zombie:
		return "zombie"
	default:
		return "???"
	}
}

// Entry is the user code a process runs when it first returns to user mode.
// It plays the role of the saved program counter: fork hands it to the child
// and exec replaces it.
type Entry func(p *Proc)

// Proc is a process table slot.
type Proc struct {
	lock sync.Spinlock

	// lock must be held when using these
	state    State
	waitChan any
	killed   bool
	xstate   int
	pid      int

	// the table wait lock must be held when using this
	parent *Proc

	// these are private to the process, so lock need not be held
	kstack        mm.Frame
	trapframePage mm.Frame
	statusPage    mm.Frame
	trapframe     *gate.Trapframe
	space         *vmm.Space
	context       *Context
	ofile         [NOFILE]File
	cwd           File
	name          string
	cpu           *CPU

	// Resume is the code run by the process on its first entry into user
	// mode.
	Resume Entry
}

// PID returns the process id.
func (p *Proc) PID() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.pid
}

// State returns the scheduling state of the process.
func (p *Proc) State() State {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.state
}

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// SetName sets the process name used in dumps.
func (p *Proc) SetName(name string) { p.name = name }

// Space returns the address space of the process.
func (p *Proc) Space() *vmm.Space { return p.space }

// Trapframe returns the register save area of the process.
func (p *Proc) Trapframe() *gate.Trapframe { return p.trapframe }

// CPU returns the CPU the process is running on.
func (p *Proc) CPU() *CPU { return p.cpu }

// File returns the open file in slot fd or nil.
func (p *Proc) File(fd int) File {
	if fd < 0 || fd >= NOFILE {
		return nil
	}
	return p.ofile[fd]
}

// SetFile installs f in slot fd, closing whatever was there.
func (p *Proc) SetFile(fd int, f File) {
	if fd < 0 || fd >= NOFILE {
		return
	}
	if p.ofile[fd] != nil {
		p.ofile[fd].Close()
	}
	p.ofile[fd] = f
}

// SetCwd sets the current directory reference.
func (p *Proc) SetCwd(f File) {
	if p.cwd != nil {
		p.cwd.Close()
	}
	p.cwd = f
}

// SetKilled flags the process as killed. The process exits the next time it
// returns to user mode.
func (p *Proc) SetKilled() {
	p.lock.Acquire()
	p.killed = true
	p.lock.Release()
}

// Killed reports whether the process was killed.
func (p *Proc) Killed() bool {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.killed
}

// lockOnHart disables interrupts on the hart p runs on and acquires p.lock.
// It must be used for every acquisition of p.lock that is held across a
// switch to the scheduler.
func (p *Proc) lockOnHart() {
	p.cpu.hart.PushOff()
	p.lock.Acquire()
}

// unlockOnHart undoes lockOnHart on the hart p runs on now, which may differ
// from the one it locked on.
func (p *Proc) unlockOnHart() {
	p.lock.Release()
	p.cpu.hart.PopOff()
}

// writeStatusPage publishes the pid on the page shared with user mode.
func (p *Proc) writeStatusPage() {
	page := mm.FrameBytes(p.statusPage)
	kernel.Memset(page, 0)
	binary.LittleEndian.PutUint32(page, uint32(p.pid))
}

// CPU is the state of a hart's scheduler.
type CPU struct {
	hart    *cpu.Hart
	proc    *Proc
	context *Context
}

// Hart returns the hart the scheduler runs on.
func (c *CPU) Hart() *cpu.Hart { return c.hart }

// Proc returns the process running on the hart or nil.
func (c *CPU) Proc() *Proc { return c.proc }
