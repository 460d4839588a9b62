package proc

import (
	"encoding/binary"
	"io"

	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/loader"
	"cowos/kernel/mm"
	"cowos/kernel/mm/vmm"
)

// Fork creates a copy of p that shares its pages copy-on-write. The child
// resumes at p.Resume with a zero return value and returns its pid to the
// parent.
func (t *Table) Fork(p *Proc) (int, *kernel.Error) {
	np, err := t.allocproc()
	if err != nil {
		return -1, err
	}

	if err = vmm.ForkCopy(p.space, np.space); err != nil {
		t.freeproc(np)
		np.lock.Release()
		return -1, err
	}

	// copy saved user registers and cause fork to return 0 in the child
	*np.trapframe = *p.trapframe
	np.trapframe.A0 = 0
	np.Resume = p.Resume

	for fd, f := range p.ofile {
		if f != nil {
			np.ofile[fd] = f.Dup()
		}
	}
	if p.cwd != nil {
		np.cwd = p.cwd.Dup()
	}
	np.name = p.name

	pid := np.pid
	np.lock.Release()

	t.waitLock.Acquire()
	np.parent = p
	t.waitLock.Release()

	np.lock.Acquire()
	np.state = Runnable
	np.lock.Release()
	t.notifyHarts()

	t.log.Debug("fork", "parent", p.PID(), "child", pid)
	return pid, nil
}

// reparent passes the abandoned children of p to init. The caller must hold
// the wait lock.
func (t *Table) reparent(p *Proc) {
	for _, pp := range t.procs {
		if pp.parent == p {
			pp.parent = t.initProc
			t.Wakeup(t.initProc)
		}
	}
}

// Exit terminates p with the supplied status. The process stays a zombie
// until its parent reaps it with Wait. Exit does not return.
func (t *Table) Exit(p *Proc, status int) {
	if p == t.initProc {
		kfmt.Panic(errInitExiting)
	}

	for fd, f := range p.ofile {
		if f != nil {
			f.Close()
			p.ofile[fd] = nil
		}
	}
	if p.cwd != nil {
		p.cwd.Close()
		p.cwd = nil
	}

	t.waitLock.Acquire()

	// Give any children to init.
	t.reparent(p)

	// Parent might be sleeping in wait().
	t.Wakeup(p.parent)

	p.lockOnHart()
	p.xstate = status
	p.state = Zombie
	pid := p.pid

	t.waitLock.Release()

	t.log.Debug("exit", "pid", pid, "status", status)

	// Jump into the scheduler, never to return.
	t.sched(p)
	kfmt.Panic("zombie exit")
}

// Wait blocks until a child of p exits and returns its pid. If addr is not
// zero the exit status is stored there as a 32-bit integer. ErrNoChildren is
// returned if p has no children or has been killed; errors raised while
// storing the status are returned as is.
func (t *Table) Wait(p *Proc, addr uintptr) (int, *kernel.Error) {
	t.waitLock.Acquire()
	defer t.waitLock.Release()

	for {
		// Scan through table looking for exited children.
		haveKids := false
		for _, pp := range t.procs {
			if pp.parent != p {
				continue
			}

			// make sure the child isn't still in exit() or swtch().
			pp.lock.Acquire()
			haveKids = true
			if pp.state == Zombie {
				pid := pp.pid
				if addr != 0 {
					var status [4]byte
					binary.LittleEndian.PutUint32(status[:], uint32(int32(pp.xstate)))
					if err := p.space.CopyOut(addr, status[:]); err != nil {
						pp.lock.Release()
						return -1, err
					}
				}
				t.freeproc(pp)
				pp.lock.Release()
				return pid, nil
			}
			pp.lock.Release()
		}

		// No point waiting if we don't have any children.
		if !haveKids || p.Killed() {
			return -1, ErrNoChildren
		}

		// Wait for a child to exit.
		t.Sleep(p, p, &t.waitLock)
	}
}

// Kill flags the process with the supplied pid as killed and wakes it if it
// sleeps. The victim exits once it next returns to user mode. Kill returns
// false if no such process exists.
func (t *Table) Kill(pid int) bool {
	for _, p := range t.procs {
		p.lock.Acquire()
		if p.pid == pid && p.state != Unused {
			p.killed = true
			if p.state == Sleeping {
				// Wake process from sleep().
				p.state = Runnable
			}
			p.lock.Release()
			t.notifyHarts()
			return true
		}
		p.lock.Release()
	}
	return false
}

// Grow moves the program break of p by n bytes and returns the previous
// break. Growth is lazy unless the table was configured for eager heaps: the
// new pages are backed on first touch.
func (t *Table) Grow(p *Proc, n int) (uintptr, *kernel.Error) {
	info := &p.space.Info
	old := info.HeapEnd

	switch {
	case n > 0:
		top := old + uintptr(n)
		if top < old || mm.PageRoundUp(top) > info.Stack().Start {
			return 0, ErrBadGrow
		}
		if t.eagerHeap {
			if err := p.space.Grow(old, top, vmm.FlagRead|vmm.FlagWrite); err != nil {
				return 0, err
			}
		}
		info.HeapEnd = top
	case n < 0:
		top := old - uintptr(-n)
		if top > old || top < info.HeapStart {
			return 0, ErrBadGrow
		}
		p.space.Shrink(old, top)
		info.HeapEnd = top
	}

	return old, nil
}

// Exec replaces the address space of p with the program read from image and
// arranges for resume to run on the next entry into user mode. It returns the
// argument count. On failure p is left untouched.
func (t *Table) Exec(p *Proc, image io.ReaderAt, argv []string, resume Entry) (int, *kernel.Error) {
	img, err := loader.Load(t.pool, p.trapframePage, p.statusPage, p.kstack, image, argv)
	if err != nil {
		return -1, err
	}

	img.Space.SetOwner(p.pid)
	old := p.space
	p.space = img.Space
	if p.cpu != nil {
		p.cpu.hart.SwitchPDT(p.space.Kernel.RootAddress())
	}
	old.Free()

	p.trapframe.EPC = uint64(img.Entry)
	p.trapframe.SP = uint64(img.SP)
	p.trapframe.A1 = uint64(img.Argv)
	p.Resume = resume

	t.log.Debug("exec", "pid", p.PID(), "entry", img.Entry, "argc", img.Argc)
	return img.Argc, nil
}
