package trap

import (
	"bytes"
	"encoding/binary"
	"io"

	"cowos/kernel/gate"
	"cowos/kernel/mm"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/proc"
)

// Program is the code of a user program. It sees the machine only through
// the User handle; returning from it exits the process with status 0.
type Program func(u *User)

// Binaries resolves the path of an executable to its ELF image and the code
// that runs once the image is loaded.
type Binaries interface {
	Lookup(path string) (image io.ReaderAt, prog Program, ok bool)
}

// Binary is an executable registered in a Catalog.
type Binary struct {
	Image []byte
	Main  Program
}

// Catalog is a Binaries implementation backed by a map keyed by path.
type Catalog map[string]Binary

// Lookup implements Binaries.
func (c Catalog) Lookup(path string) (io.ReaderAt, Program, bool) {
	bin, ok := c[path]
	if !ok {
		return nil, nil, false
	}
	return bytes.NewReader(bin.Image), bin.Main, true
}

// Entry returns the process entry that runs prog without arguments.
func (d *Dispatcher) Entry(prog Program) proc.Entry {
	return func(p *proc.Proc) {
		u := &User{d: d, p: p}
		prog(u)
		u.Exit(0)
	}
}

// execEntry returns the process entry that runs prog with the argument
// vector exec left in a0 and a1.
func (d *Dispatcher) execEntry(prog Program) proc.Entry {
	return func(p *proc.Proc) {
		tf := p.Trapframe()
		u := &User{d: d, p: p, argc: int(tf.A0), argv: uintptr(tf.A1)}
		prog(u)
		u.Exit(0)
	}
}

// User is the view of the machine a user program has. Every memory access is
// one instruction: pending interrupts are taken first, then the address is
// translated through the user table, trapping into the kernel on a fault and
// retrying once the fault has been serviced.
type User struct {
	d *Dispatcher
	p *proc.Proc

	argc int
	argv uintptr
}

// Proc returns the process the program runs in.
func (u *User) Proc() *proc.Proc {
	return u.p
}

// translate returns the bytes of the page containing va from va to the end of
// the page, trapping as needed.
func (u *User) translate(va uintptr, access vmm.Access) []byte {
	for {
		u.d.pollInterrupts(u.p)

		if s := u.p.Space(); s.User != nil {
			pa, err := s.User.Translate(va, access, true)
			if err == nil {
				u.p.Trapframe().EPC += 4
				return mm.PhysBytes(pa, mm.PageSize-vmm.PageOffset(va))
			}
		}

		cause := gate.LoadPageFault
		switch access {
		case vmm.AccessWrite:
			cause = gate.StorePageFault
		case vmm.AccessExec:
			cause = gate.InstructionPageFault
		}
		u.d.UserTrap(u.p, cause, va)
	}
}

// Read copies len(dst) bytes starting at va into dst.
func (u *User) Read(dst []byte, va uintptr) {
	for len(dst) > 0 {
		n := copy(dst, u.translate(va, vmm.AccessRead))
		dst, va = dst[n:], va+uintptr(n)
	}
}

// Write copies src to user memory starting at va.
func (u *User) Write(va uintptr, src []byte) {
	for len(src) > 0 {
		n := copy(u.translate(va, vmm.AccessWrite), src)
		src, va = src[n:], va+uintptr(n)
	}
}

// Fetch reads the instruction word at va. It requires an executable page.
func (u *User) Fetch(va uintptr) uint32 {
	var word [4]byte
	for i := range word {
		word[i] = u.translate(va+uintptr(i), vmm.AccessExec)[0]
	}
	return binary.LittleEndian.Uint32(word[:])
}

// Load8 reads the byte at va.
func (u *User) Load8(va uintptr) byte {
	return u.translate(va, vmm.AccessRead)[0]
}

// Store8 writes v to va.
func (u *User) Store8(va uintptr, v byte) {
	u.translate(va, vmm.AccessWrite)[0] = v
}

// Load64 reads the little endian word at va.
func (u *User) Load64(va uintptr) uint64 {
	var word [8]byte
	u.Read(word[:], va)
	return binary.LittleEndian.Uint64(word[:])
}

// Store64 writes v as a little endian word to va.
func (u *User) Store64(va uintptr, v uint64) {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], v)
	u.Write(va, word[:])
}

// SP returns the stack pointer.
func (u *User) SP() uintptr {
	return uintptr(u.p.Trapframe().SP)
}

// Push moves the stack pointer down by len(data) rounded up to 16 bytes,
// stores data at the new top and returns its address.
func (u *User) Push(data []byte) uintptr {
	tf := u.p.Trapframe()
	sp := (uintptr(tf.SP) - uintptr(len(data))) &^ 15
	tf.SP = uint64(sp)
	u.Write(sp, data)
	return sp
}

// Syscall performs system call num with up to six arguments and returns the
// value left in a0.
func (u *User) Syscall(num int, args ...uint64) int64 {
	u.d.pollInterrupts(u.p)

	tf := u.p.Trapframe()
	for i, arg := range args {
		tf.SetArg(i, arg)
	}
	tf.A7 = uint64(num)

	u.d.UserTrap(u.p, gate.UserEnvCall, 0)
	return int64(tf.A0)
}

// withStack runs fn with a stack pointer that is restored afterwards.
func (u *User) withStack(fn func() int64) int64 {
	tf := u.p.Trapframe()
	saved := tf.SP
	ret := fn()
	tf.SP = saved
	return ret
}

// Fork creates a child process that runs child. It returns the pid of the
// child or -1.
func (u *User) Fork(child Program) int {
	saved := u.p.Resume
	u.p.Resume = u.d.Entry(child)
	pid := u.Syscall(SysFork)
	u.p.Resume = saved
	return int(pid)
}

// Exit terminates the process. It does not return.
func (u *User) Exit(status int) {
	u.Syscall(SysExit, uint64(int64(status)))
}

// Wait waits for a child to exit and returns its pid and exit status. The
// pid is -1 if the process has no children.
func (u *User) Wait() (pid, status int) {
	u.withStack(func() int64 {
		addr := u.Push(make([]byte, 4))
		if pid = int(u.Syscall(SysWait, uint64(addr))); pid >= 0 {
			var word [4]byte
			u.Read(word[:], addr)
			status = int(int32(binary.LittleEndian.Uint32(word[:])))
		}
		return 0
	})
	return pid, status
}

// Kill kills the process with the given pid.
func (u *User) Kill(pid int) int {
	return int(u.Syscall(SysKill, uint64(int64(pid))))
}

// Getpid returns the pid through a system call.
func (u *User) Getpid() int {
	return int(u.Syscall(SysGetpid))
}

// UGetpid returns the pid by reading the status page, without entering the
// kernel.
func (u *User) UGetpid() int {
	var word [4]byte
	u.Read(word[:], vmm.StatusPageVA)
	return int(binary.LittleEndian.Uint32(word[:]))
}

// Sbrk moves the program break by n bytes and returns the previous break or
// -1.
func (u *User) Sbrk(n int) int64 {
	return u.Syscall(SysSbrk, uint64(int64(n)))
}

// Sleep blocks for n timer ticks. It returns -1 if the process was killed
// meanwhile.
func (u *User) Sleep(n int) int {
	return int(u.Syscall(SysSleep, uint64(n)))
}

// Uptime returns the number of ticks since boot.
func (u *User) Uptime() int {
	return int(u.Syscall(SysUptime))
}

// WriteFile writes data to descriptor fd and returns the number of bytes
// written or -1.
func (u *User) WriteFile(fd int, data []byte) int {
	return int(u.withStack(func() int64 {
		addr := u.Push(data)
		return u.Syscall(SysWrite, uint64(fd), uint64(addr), uint64(len(data)))
	}))
}

// Print writes s to standard output.
func (u *User) Print(s string) int {
	return u.WriteFile(1, []byte(s))
}

// Sysinfo returns the amount of free memory in bytes and the number of
// processes.
func (u *User) Sysinfo() (freemem, nproc uint64, ok bool) {
	u.withStack(func() int64 {
		addr := u.Push(make([]byte, SysinfoSize))
		if ok = u.Syscall(SysSysinfo, uint64(addr)) == 0; ok {
			var info [SysinfoSize]byte
			u.Read(info[:], addr)
			freemem = binary.LittleEndian.Uint64(info[0:])
			nproc = binary.LittleEndian.Uint64(info[8:])
		}
		return 0
	})
	return freemem, nproc, ok
}

// Exec replaces the program with the executable at path. It only returns if
// the exec failed, with -1.
func (u *User) Exec(path string, argv []string) int {
	tf := u.p.Trapframe()
	saved := tf.SP

	ptrs := make([]byte, 8*(len(argv)+1))
	for i, arg := range argv {
		addr := u.Push(append([]byte(arg), 0))
		binary.LittleEndian.PutUint64(ptrs[8*i:], uint64(addr))
	}
	uargv := u.Push(ptrs)
	upath := u.Push(append([]byte(path), 0))
	if u.Syscall(SysExec, uint64(upath), uint64(uargv)) < 0 {
		tf.SP = saved
		return -1
	}

	// The old image is gone; continue in the new one.
	u.p.Resume(u.p)
	u.Exit(0)
	return -1
}

// Args returns the argument vector the program was started with.
func (u *User) Args() []string {
	if u.argv == 0 {
		return nil
	}

	args := make([]string, 0, u.argc)
	for i := 0; i < u.argc; i++ {
		args = append(args, u.ReadString(uintptr(u.Load64(u.argv+uintptr(8*i)))))
	}
	return args
}

// ReadString reads the NUL terminated string at va.
func (u *User) ReadString(va uintptr) string {
	var buf []byte
	for ; ; va++ {
		c := u.Load8(va)
		if c == 0 {
			return string(buf)
		}
		buf = append(buf, c)
	}
}
