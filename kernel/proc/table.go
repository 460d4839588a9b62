package proc

import (
	"context"
	"io"
	"log/slog"
	gosync "sync"

	"cowos/kernel"
	"cowos/kernel/cpu"
	"cowos/kernel/gate"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/sync"
)

// initCode is the placeholder image installed at address 0 of the first
// process.
var initCode = []byte("initcode\x00")

// Config describes the resources of a process table.
type Config struct {
	// NProc is the number of process slots.
	NProc int

	// Harts are the hardware threads, one scheduler each.
	Harts []*cpu.Hart

	// Pool supplies the kernel shadow tables.
	Pool *vmm.Pool

	// EagerHeap makes sbrk map heap pages immediately instead of on first
	// touch.
	EagerHeap bool

	// Logger receives lifecycle events. A nil logger discards them.
	Logger *slog.Logger
}

// Table is the process table.
type Table struct {
	procs []*Proc
	cpus  []*CPU

	pidLock sync.Spinlock
	nextPID int

	// waitLock helps ensure that wakeups of wait()ing parents are not
	// lost and guards the parent links. It must be acquired before any
	// process lock.
	waitLock sync.Spinlock

	initProc  *Proc
	pool      *vmm.Pool
	eagerHeap bool
	log       *slog.Logger

	// Enter runs a process in user mode on its first trip out of the
	// kernel. Returning from Enter terminates the process with status 0.
	Enter func(p *Proc)

	// Idle is invoked by a scheduler that found nothing to run, before the
	// hart waits for an interrupt.
	Idle func(c *CPU)
}

// NewTable returns a table with cfg.NProc unused slots.
func NewTable(cfg Config) *Table {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	t := &Table{
		procs:     make([]*Proc, cfg.NProc),
		nextPID:   1,
		pool:      cfg.Pool,
		eagerHeap: cfg.EagerHeap,
		log:       log,
	}
	for i := range t.procs {
		t.procs[i] = &Proc{
			kstack:        mm.InvalidFrame,
			trapframePage: mm.InvalidFrame,
			statusPage:    mm.InvalidFrame,
		}
	}
	for _, h := range cfg.Harts {
		t.cpus = append(t.cpus, &CPU{hart: h, context: newContext(nil)})
	}
	return t
}

// CPUs returns the per-hart scheduler states.
func (t *Table) CPUs() []*CPU {
	return t.cpus
}

// InitProc returns the first process.
func (t *Table) InitProc() *Proc {
	return t.initProc
}

// Run starts one scheduler per hart and blocks until ctx is done and every
// scheduler has returned.
func (t *Table) Run(ctx context.Context) {
	var wg gosync.WaitGroup
	for _, c := range t.cpus {
		wg.Add(1)
		go func(c *CPU) {
			defer wg.Done()
			t.Scheduler(ctx, c)
		}(c)
	}

	<-ctx.Done()
	t.notifyHarts()
	wg.Wait()
}

func (t *Table) allocpid() int {
	t.pidLock.Acquire()
	defer t.pidLock.Release()

	pid := t.nextPID
	t.nextPID++
	return pid
}

// allocproc looks for an unused slot and sets up the state required to run in
// the kernel. On success the slot is returned with its lock held.
func (t *Table) allocproc() (*Proc, *kernel.Error) {
	var p *Proc
	for _, candidate := range t.procs {
		candidate.lock.Acquire()
		if candidate.state == Unused {
			p = candidate
			break
		}
		candidate.lock.Release()
	}
	if p == nil {
		return nil, ErrNoFreeProc
	}

	p.pid = t.allocpid()
	p.state = Used

	if err := p.allocPages(); err != nil {
		t.freeproc(p)
		p.lock.Release()
		return nil, err
	}

	space, err := vmm.NewSpace(t.pool, p.trapframePage, p.statusPage, p.kstack)
	if err != nil {
		t.freeproc(p)
		p.lock.Release()
		return nil, err
	}
	space.SetOwner(p.pid)
	p.space = space
	p.writeStatusPage()

	// Set up new context to start executing at forkret.
	p.context = newContext(func() { t.forkret(p) })
	return p, nil
}

// allocPages allocates the zeroed trapframe, status page and kernel stack.
func (p *Proc) allocPages() *kernel.Error {
	for _, slot := range []*mm.Frame{&p.trapframePage, &p.statusPage, &p.kstack} {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		kernel.Memset(mm.FrameBytes(frame), 0)
		*slot = frame
	}

	p.trapframe = gate.Overlay(mm.FrameBytes(p.trapframePage))
	return nil
}

// freeproc releases everything a slot owns and marks it unused. p.lock must
// be held.
func (t *Table) freeproc(p *Proc) {
	if p.space != nil {
		p.space.Free()
		p.space = nil
	}

	for _, slot := range []*mm.Frame{&p.trapframePage, &p.statusPage, &p.kstack} {
		if slot.Valid() {
			mm.ReleaseFrame(*slot)
			*slot = mm.InvalidFrame
		}
	}

	p.trapframe = nil
	p.pid = 0
	p.parent = nil
	p.name = ""
	p.waitChan = nil
	p.killed = false
	p.xstate = 0
	p.context = nil
	p.cpu = nil
	p.Resume = nil
	p.state = Unused
}

// UserInit creates the first process. It runs entry with the console open
// on descriptors 0, 1 and 2.
func (t *Table) UserInit(entry Entry, console File, cwd File) *kernel.Error {
	p, err := t.allocproc()
	if err != nil {
		return err
	}
	defer p.lock.Release()

	s := p.space
	s.Info = vmm.AddrInfo{
		VMOffset:    0,
		ProgramSize: uintptr(len(initCode)),
		StackTop:    vmm.StackTop,
		StackBottom: vmm.StackTop - mm.PageSize,
	}
	s.Info.HeapStart = s.Info.Code().End + mm.PageSize
	s.Info.HeapEnd = s.Info.HeapStart

	code, stack := s.Info.Code(), s.Info.Stack()
	if err = s.Grow(code.Start, code.End, vmm.FlagRead|vmm.FlagWrite|vmm.FlagExec); err == nil {
		err = s.Grow(stack.Start, stack.End, vmm.FlagRead|vmm.FlagWrite)
	}
	if err == nil {
		err = s.CopyOut(0, initCode)
	}
	if err != nil {
		t.freeproc(p)
		return err
	}

	p.trapframe.EPC = 0
	p.trapframe.SP = uint64(vmm.StackTop)
	p.name = "initcode"
	p.Resume = entry
	for fd := 0; fd < 3; fd++ {
		p.ofile[fd] = console.Dup()
	}
	p.cwd = cwd

	p.state = Runnable
	t.initProc = p
	t.log.Debug("init process created", "pid", p.pid)
	return nil
}

// Count returns the number of slots in use.
func (t *Table) Count() int {
	var n int
	for _, p := range t.procs {
		p.lock.Acquire()
		if p.state != Unused {
			n++
		}
		p.lock.Release()
	}
	return n
}

// Dump prints a process listing to w. It takes no locks so that it can be
// used from a panic hook while the system is wedged.
func (t *Table) Dump(w io.Writer) {
	kfmt.Fprintf(w, "\n")
	for _, p := range t.procs {
		if p.state == Unused {
			continue
		}

		kfmt.Fprintf(w, "%d %s %s", p.pid, p.state, p.name)
		if p.space != nil {
			kfmt.Fprintf(w, " pages=%d", p.space.Info.Pages())
		}
		if p.killed {
			kfmt.Fprintf(w, " killed")
		}
		kfmt.Fprintf(w, "\n")
	}
}

// DumpSpace prints the address space of the process with the supplied pid.
// It returns false if no such process exists.
func (t *Table) DumpSpace(w io.Writer, pid int) bool {
	for _, p := range t.procs {
		p.lock.Acquire()
		if p.pid != pid || p.state == Unused {
			p.lock.Release()
			continue
		}

		kfmt.Fprintf(w, "pid %d %s\n", p.pid, p.name)
		if p.space != nil {
			p.space.Dump(w)
		}
		p.lock.Release()
		return true
	}
	return false
}
