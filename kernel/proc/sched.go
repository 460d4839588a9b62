package proc

import (
	"context"
	"runtime"

	"cowos/kernel/kfmt"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/sync"
)

// Context is a parked thread of kernel execution: a hart scheduler or a
// process. A context is resumed by sending on wake.
type Context struct {
	wake    chan struct{}
	started bool
	entry   func()
}

// newContext returns a context that starts by running entry on a fresh
// goroutine the first time it is switched to. A nil entry describes a
// context that already runs, such as a scheduler loop.
func newContext(entry func()) *Context {
	return &Context{
		wake:    make(chan struct{}, 1),
		started: entry == nil,
		entry:   entry,
	}
}

// resume makes the goroutine behind ctx runnable.
func (ctx *Context) resume() {
	if !ctx.started {
		ctx.started = true
		go ctx.entry()
		return
	}
	ctx.wake <- struct{}{}
}

// swtch saves the current context in old and resumes next. It returns when
// something switches back to old.
func swtch(old, next *Context) {
	next.resume()
	<-old.wake
}

// swtchExit resumes next and terminates the calling goroutine. It is used by
// processes that will never be scheduled again.
func swtchExit(next *Context) {
	next.resume()
	runtime.Goexit()
}

// Scheduler runs the scheduling loop of c until ctx is done. The loop scans
// the table in order, runs every runnable process it finds and idles the hart
// when there is nothing to run.
func (t *Table) Scheduler(ctx context.Context, c *CPU) {
	hart := c.hart
	hart.EnableInterrupts()

	for ctx.Err() == nil {
		found := false
		for _, p := range t.procs {
			hart.PushOff()
			p.lock.Acquire()
			if p.state == Runnable {
				// Switch to chosen process. It is the process's job
				// to release its lock and then reacquire it before
				// jumping back to us.
				p.state = Running
				p.cpu = c
				c.proc = p
				hart.SwitchPDT(p.space.Kernel.RootAddress())

				swtch(c.context, p.context)

				// Process is done running for now.
				hart.SwitchPDT(vmm.KernelTable().RootAddress())
				c.proc = nil
				found = true
			}
			p.lock.Release()
			hart.PopOff()
		}

		if !found {
			if t.Idle != nil {
				t.Idle(c)
			}
			hart.WaitForInterrupt(ctx)
		}
	}
}

// sched switches from p back to the scheduler of its hart. The caller must
// hold p.lock, taken with lockOnHart as the only lock that disabled
// interrupts, and must have already changed p.state.
func (t *Table) sched(p *Proc) {
	c := p.cpu
	switch {
	case !p.lock.Held():
		kfmt.Panic(errSchedLocks)
	case c.hart.Depth() != 1:
		kfmt.Panic(errSchedDepth)
	case c.hart.InterruptsEnabled():
		kfmt.Panic(errSchedInterruptible)
	case p.state == Running:
		kfmt.Panic(errSchedRunning)
	}

	intena := c.hart.SaveIntena()
	if p.state == Zombie {
		swtchExit(c.context)
	}
	swtch(p.context, c.context)

	// p may resume on a different hart
	p.cpu.hart.RestoreIntena(intena)
}

// Yield gives up the hart for one scheduling round.
func (t *Table) Yield(p *Proc) {
	p.lockOnHart()
	p.state = Runnable
	t.sched(p)
	p.unlockOnHart()
}

// forkret is the first code a new process runs once the scheduler switches
// to it.
func (t *Table) forkret(p *Proc) {
	// Still holding p.lock from the scheduler.
	p.unlockOnHart()

	t.Enter(p)

	// Returning from the first user mode entry means the program ended.
	t.Exit(p, 0)
}

// Sleep atomically releases lk and sleeps on chn. The lock is reacquired
// when the process is woken up. Callers must recheck their condition since
// wakeups are broadcast.
func (t *Table) Sleep(p *Proc, chn any, lk sync.Locker) {
	// Must acquire p.lock in order to change p.state and then call sched.
	// Once we hold p.lock, we can be guaranteed that we won't miss any
	// wakeup (wakeup locks p.lock), so it's okay to release lk.
	p.lockOnHart()
	lk.Release()

	p.waitChan = chn
	p.state = Sleeping

	t.sched(p)

	p.waitChan = nil

	p.unlockOnHart()
	lk.Acquire()
}

// Wakeup makes every process sleeping on chn runnable. The caller must not
// hold any process lock.
func (t *Table) Wakeup(chn any) {
	woken := false
	for _, p := range t.procs {
		p.lock.Acquire()
		if p.state == Sleeping && p.waitChan == chn {
			p.state = Runnable
			woken = true
		}
		p.lock.Release()
	}

	if woken {
		t.notifyHarts()
	}
}

// notifyHarts wakes idle schedulers so they pick up newly runnable work.
func (t *Table) notifyHarts() {
	for _, c := range t.cpus {
		c.hart.Notify()
	}
}
