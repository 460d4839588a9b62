package trap

import (
	"encoding/binary"
	"strings"

	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/proc"
)

// System call numbers.
const (
	SysFork    = 1
	SysExit    = 2
	SysWait    = 3
	SysKill    = 6
	SysExec    = 7
	SysGetpid  = 11
	SysSbrk    = 12
	SysSleep   = 13
	SysUptime  = 14
	SysWrite   = 16
	SysSysinfo = 23

	nsyscall = SysSysinfo + 1
)

// SysinfoSize is the size of the record filled in by the sysinfo call: the
// free memory in bytes followed by the number of processes, both as 64-bit
// little endian integers.
const SysinfoSize = 16

// syscallFn implements a system call. Its result is returned to user mode in
// a0; -1 signals failure.
type syscallFn func(p *proc.Proc) int64

func (d *Dispatcher) installSyscalls() {
	d.syscalls = [nsyscall]syscallFn{
		SysFork:    d.sysFork,
		SysExit:    d.sysExit,
		SysWait:    d.sysWait,
		SysKill:    d.sysKill,
		SysExec:    d.sysExec,
		SysGetpid:  d.sysGetpid,
		SysSbrk:    d.sysSbrk,
		SysSleep:   d.sysSleep,
		SysUptime:  d.sysUptime,
		SysWrite:   d.sysWrite,
		SysSysinfo: d.sysSysinfo,
	}
}

// syscall runs the call selected by a7 and stores its result in a0.
func (d *Dispatcher) syscall(p *proc.Proc) {
	tf := p.Trapframe()

	num := tf.A7
	if num >= nsyscall || d.syscalls[num] == nil {
		kfmt.Printf("%d %s: unknown sys call %d\n", p.PID(), p.Name(), num)
		tf.A0 = ^uint64(0)
		return
	}

	tf.A0 = uint64(d.syscalls[num](p))
}

// copyFailed turns the error of a user copy into a -1 result. Addresses the
// process does not own merely fail the call; a fault that could not be
// serviced kills the process.
func (d *Dispatcher) copyFailed(p *proc.Proc, err *kernel.Error) int64 {
	if err != vmm.ErrBadAddress && err != vmm.ErrNoTerminator {
		d.kill(p, err)
	}
	return -1
}

func (d *Dispatcher) sysFork(p *proc.Proc) int64 {
	pid, err := d.procs.Fork(p)
	if err != nil {
		d.log.Debug("fork failed", "pid", p.PID(), "err", err.Message)
		return -1
	}
	return int64(pid)
}

func (d *Dispatcher) sysExit(p *proc.Proc) int64 {
	d.procs.Exit(p, int(int32(p.Trapframe().A0)))
	return 0 // not reached
}

func (d *Dispatcher) sysWait(p *proc.Proc) int64 {
	pid, err := d.procs.Wait(p, uintptr(p.Trapframe().A0))
	switch {
	case err == proc.ErrNoChildren:
		return -1
	case err != nil:
		return d.copyFailed(p, err)
	}
	return int64(pid)
}

func (d *Dispatcher) sysKill(p *proc.Proc) int64 {
	if !d.procs.Kill(int(int32(p.Trapframe().A0))) {
		return -1
	}
	return 0
}

func (d *Dispatcher) sysGetpid(p *proc.Proc) int64 {
	return int64(p.PID())
}

func (d *Dispatcher) sysSbrk(p *proc.Proc) int64 {
	old, err := d.procs.Grow(p, int(int64(p.Trapframe().A0)))
	if err != nil {
		return -1
	}
	return int64(old)
}

func (d *Dispatcher) sysSleep(p *proc.Proc) int64 {
	n := p.Trapframe().A0

	d.tickLock.Acquire()
	defer d.tickLock.Release()

	ticks0 := d.ticks
	for d.ticks-ticks0 < n {
		if p.Killed() {
			return -1
		}
		d.procs.Sleep(p, &d.ticks, &d.tickLock)
	}
	return 0
}

func (d *Dispatcher) sysUptime(p *proc.Proc) int64 {
	return int64(d.Ticks())
}

func (d *Dispatcher) sysWrite(p *proc.Proc) int64 {
	tf := p.Trapframe()
	fd, addr, n := int(int32(tf.A0)), uintptr(tf.A1), int(int32(tf.A2))

	f := p.File(fd)
	if f == nil || n < 0 {
		return -1
	}

	buf := make([]byte, n)
	if err := p.Space().CopyIn(buf, addr); err != nil {
		return d.copyFailed(p, err)
	}

	written, werr := f.Write(buf)
	if werr != nil {
		return -1
	}
	return int64(written)
}

func (d *Dispatcher) sysSysinfo(p *proc.Proc) int64 {
	var info [SysinfoSize]byte
	if d.mem != nil {
		binary.LittleEndian.PutUint64(info[0:], uint64(d.mem.AvailableBytes()))
	}
	binary.LittleEndian.PutUint64(info[8:], uint64(d.procs.Count()))

	if err := p.Space().CopyOut(uintptr(p.Trapframe().A0), info[:]); err != nil {
		return d.copyFailed(p, err)
	}
	return 0
}

func (d *Dispatcher) sysExec(p *proc.Proc) int64 {
	tf := p.Trapframe()
	s := p.Space()

	path, err := s.CopyInString(uintptr(tf.A0), proc.MaxPath)
	if err != nil {
		return d.copyFailed(p, err)
	}

	var argv []string
	for uargv := uintptr(tf.A1); ; uargv += 8 {
		if len(argv) >= proc.MaxArg {
			return -1
		}

		var word [8]byte
		if err = s.CopyIn(word[:], uargv); err != nil {
			return d.copyFailed(p, err)
		}
		uarg := uintptr(binary.LittleEndian.Uint64(word[:]))
		if uarg == 0 {
			break
		}

		var arg string
		if arg, err = s.CopyInString(uarg, int(mm.PageSize)); err != nil {
			return d.copyFailed(p, err)
		}
		argv = append(argv, arg)
	}

	if d.bins == nil {
		return -1
	}
	image, prog, ok := d.bins.Lookup(path)
	if !ok {
		return -1
	}

	argc, err := d.procs.Exec(p, image, argv, d.execEntry(prog))
	if err != nil {
		d.log.Debug("exec failed", "pid", p.PID(), "path", path, "err", err.Message)
		return -1
	}
	p.SetName(path[strings.LastIndexByte(path, '/')+1:])
	return int64(argc)
}
