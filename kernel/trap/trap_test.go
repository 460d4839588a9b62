package trap

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cowos/device/plic"
	"cowos/kernel"
	"cowos/kernel/cpu"
	"cowos/kernel/irq"
	"cowos/kernel/loader"
	"cowos/kernel/mm"
	"cowos/kernel/mm/pmm"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/proc"
)

var allocator *pmm.Allocator

func TestMain(m *testing.M) {
	var err *kernel.Error
	if allocator, err = pmm.Init(vmm.KernBase, 8*kernel.Mb); err != nil {
		panic(err)
	}
	if err = vmm.Init(vmm.KernBase, allocator.Size()); err != nil {
		panic(err)
	}

	code := m.Run()
	_ = allocator.Close()
	os.Exit(code)
}

type fixture struct {
	procs   *proc.Table
	disp    *Dispatcher
	harts   []*cpu.Hart
	console *bytes.Buffer
}

// newFixture returns a dispatcher over a table that is not running yet.
func newFixture(t *testing.T, nharts int, bins Binaries, intc InterruptSource) *fixture {
	t.Helper()

	pool, err := vmm.NewPool(4)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{console: &bytes.Buffer{}}
	for i := 0; i < nharts; i++ {
		f.harts = append(f.harts, cpu.NewHart(i))
	}
	f.procs = proc.NewTable(proc.Config{NProc: 8, Harts: f.harts, Pool: pool})
	f.disp = NewDispatcher(Config{
		Procs:      f.procs,
		Binaries:   bins,
		Interrupts: intc,
		Memory:     allocator,
	})
	return f
}

// boot starts the schedulers with prog as the first process. The first
// process sleeps for good once prog returns.
func boot(t *testing.T, bins Binaries, prog Program) *fixture {
	t.Helper()

	f := newFixture(t, 2, bins, nil)
	initProg := func(u *User) {
		prog(u)
		for {
			u.Sleep(1 << 30)
		}
	}
	if err := f.procs.UserInit(f.disp.Entry(initProg), proc.NewRef("console", f.console), nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.procs.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("schedulers did not stop")
		}
	})
	return f
}

func waitResult[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the user program")
	}
	var zero T
	return zero
}

func TestForkCopyOnWrite(t *testing.T) {
	type result struct {
		childPID, pid, status int
		parentByte            byte
		freeBefore, freeAfter int
	}
	results := make(chan result, 1)

	boot(t, nil, func(u *User) {
		var res result

		heap := uintptr(u.Sbrk(int(mm.PageSize)))
		u.Store8(heap, 'A')

		res.freeBefore = allocator.FreeFrames()
		res.childPID = u.Fork(func(u *User) {
			u.Store8(heap, 'B')
			if u.Load8(heap) != 'B' {
				u.Exit(1)
			}
			u.Exit(7)
		})
		res.pid, res.status = u.Wait()
		res.parentByte = u.Load8(heap)
		res.freeAfter = allocator.FreeFrames()

		results <- res
	})

	res := waitResult(t, results)
	switch {
	case res.childPID <= 1:
		t.Fatalf("expected a child pid; got %d", res.childPID)
	case res.pid != res.childPID || res.status != 7:
		t.Fatalf("expected wait to return (%d, 7); got (%d, %d)", res.childPID, res.pid, res.status)
	case res.parentByte != 'A':
		t.Fatalf("expected the parent byte to survive the child write; got %q", res.parentByte)
	case res.freeAfter != res.freeBefore:
		t.Fatalf("expected every child frame to be reclaimed; free %d before fork, %d after wait", res.freeBefore, res.freeAfter)
	}
}

func TestSegmentationFaultKills(t *testing.T) {
	type result struct {
		status                int
		freeBefore, freeAfter int
	}
	results := make(chan result, 1)

	boot(t, nil, func(u *User) {
		var res result
		res.freeBefore = allocator.FreeFrames()

		u.Fork(func(u *User) {
			u.Sbrk(int(4 * mm.PageSize))
			u.Store8(0x1000000, 1)
			u.Exit(0)
		})
		_, res.status = u.Wait()
		res.freeAfter = allocator.FreeFrames()

		results <- res
	})

	res := waitResult(t, results)
	if res.status != -1 {
		t.Fatalf("expected the faulting child to exit with -1; got %d", res.status)
	}
	if res.freeAfter != res.freeBefore {
		t.Fatalf("expected frames to be conserved; free %d before, %d after", res.freeBefore, res.freeAfter)
	}
}

func TestLazyStackAndHeap(t *testing.T) {
	type result struct {
		pid, upid  int
		stackLow   uintptr
		stackBytes byte
		heapByte   byte
		nproc      uint64
		freemem    uint64
		ok         bool
	}
	results := make(chan result, 1)

	boot(t, nil, func(u *User) {
		var res result

		res.pid, res.upid = u.Getpid(), u.UGetpid()

		// Three pages of stack below the initial one.
		frame := make([]byte, 3*mm.PageSize)
		frame[0] = 's'
		res.stackLow = u.Push(frame)
		res.stackBytes = u.Load8(res.stackLow)

		heap := uintptr(u.Sbrk(int(2 * mm.PageSize)))
		res.heapByte = u.Load8(heap + mm.PageSize)

		res.freemem, res.nproc, res.ok = u.Sysinfo()
		results <- res
	})

	res := waitResult(t, results)
	switch {
	case res.pid != 1 || res.upid != 1:
		t.Fatalf("expected getpid and ugetpid to agree on 1; got %d and %d", res.pid, res.upid)
	case res.stackLow >= vmm.StackTop-mm.PageSize || res.stackBytes != 's':
		t.Fatalf("expected the stack to grow below its first page; sp 0x%x", res.stackLow)
	case res.heapByte != 0:
		t.Fatalf("expected lazily allocated heap pages to be zeroed; got %d", res.heapByte)
	case !res.ok || res.nproc != 1 || res.freemem == 0:
		t.Fatalf("unexpected sysinfo result (%d, %d, %t)", res.freemem, res.nproc, res.ok)
	}
}

func TestSyscallErrors(t *testing.T) {
	results := make(chan []int64, 1)

	boot(t, nil, func(u *User) {
		results <- []int64{
			u.Syscall(99),
			u.Syscall(SysWrite, 1, uint64(vmm.UserTop-mm.PageSize), 4),
			u.Syscall(SysWrite, 7, uint64(u.SP()), 1),
			int64(u.Kill(4242)),
			u.Sbrk(-int(mm.PageSize)),
			u.Syscall(SysSysinfo, uint64(vmm.UserTop)),
			int64(u.Exec("/missing", nil)),
		}
	})

	for i, got := range waitResult(t, results) {
		if got != -1 {
			t.Errorf("[spec %d] expected -1; got %d", i, got)
		}
	}
}

func TestExec(t *testing.T) {
	echo := func(u *User) {
		if u.Fetch(0) != binary.LittleEndian.Uint32([]byte("echo")) {
			u.Exit(2)
		}
		u.Print(strings.Join(u.Args()[1:], " ") + "\n")
	}
	bins := Catalog{
		"/bin/echo": Binary{
			Image: loader.Build(0, loader.Segment{Data: []byte("echo"), Flags: elf.PF_R | elf.PF_X}),
			Main:  echo,
		},
	}

	type result struct {
		pid, status int
		name        string
	}
	results := make(chan result, 1)

	f := boot(t, bins, func(u *User) {
		var res result
		u.Fork(func(u *User) {
			u.Exec("/bin/echo", []string{"echo", "hello", "world"})
			u.Exit(1)
		})
		res.pid, res.status = u.Wait()
		results <- res
	})

	res := waitResult(t, results)
	if res.status != 0 {
		t.Fatalf("expected echo to exit with 0; got %d", res.status)
	}
	if got := f.console.String(); got != "hello world\n" {
		t.Fatalf("expected echo output on the console; got %q", got)
	}
}

func TestSleepAndKill(t *testing.T) {
	type result struct {
		slept, uptime int
		status        int
	}
	results := make(chan result, 1)

	f := boot(t, nil, func(u *User) {
		var res result

		res.slept = u.Sleep(2)
		res.uptime = u.Uptime()

		pid := u.Fork(func(u *User) {
			for {
				u.Sleep(1 << 30)
			}
		})
		u.Sleep(1)
		u.Kill(pid)
		_, res.status = u.Wait()

		results <- res
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, h := range f.harts {
					h.RaiseTimer()
				}
			}
		}
	}()

	res := waitResult(t, results)
	switch {
	case res.slept != 0 || res.uptime < 2:
		t.Fatalf("expected sleep to return 0 after 2 ticks; got %d with uptime %d", res.slept, res.uptime)
	case res.status != -1:
		t.Fatalf("expected the killed sleeper to exit with -1; got %d", res.status)
	}
	if f.disp.Ticks() < 2 {
		t.Fatalf("expected hart 0 to count ticks; got %d", f.disp.Ticks())
	}
}

func TestTimerDeferredWhileInterruptsOff(t *testing.T) {
	type result struct {
		pendingOff, pendingOn bool
	}
	results := make(chan result, 1)

	boot(t, nil, func(u *User) {
		var res result

		heap := uintptr(u.Sbrk(int(mm.PageSize)))
		hart := u.Proc().CPU().Hart()

		hart.PushOff()
		hart.RaiseTimer()
		u.Store8(heap, 1)
		res.pendingOff = hart.TimerPending()
		hart.PopOff()

		u.Store8(heap, 2)
		res.pendingOn = hart.TimerPending()

		results <- res
	})

	res := waitResult(t, results)
	if !res.pendingOff {
		t.Fatal("expected the timer to stay pending while interrupts are off")
	}
	if res.pendingOn {
		t.Fatal("expected the timer to be taken once interrupts are back on")
	}
}

func TestKernelTrap(t *testing.T) {
	ctrl := plic.New()
	irq.SetController(ctrl)
	defer irq.SetController(nil)

	var serviced atomic.Int32
	irq.HandleIRQ(5, func() { serviced.Add(1) })
	defer irq.HandleIRQ(5, nil)

	f := newFixture(t, 2, nil, ctrl)
	cpus := f.procs.CPUs()

	specs := []struct {
		hart     int
		timer    bool
		raise    int
		expTicks uint64
		expIRQs  int32
	}{
		{1, true, 0, 0, 0},
		{0, true, 0, 1, 0},
		{1, false, 5, 1, 1},
		{0, true, 5, 2, 2},
	}

	for specIndex, spec := range specs {
		if spec.timer {
			f.harts[spec.hart].RaiseTimer()
		}
		if spec.raise != 0 {
			if err := ctrl.Raise(spec.raise); err != nil {
				t.Fatal(err)
			}
		}

		f.disp.KernelTrap(cpus[spec.hart])

		if got := f.disp.Ticks(); got != spec.expTicks {
			t.Errorf("[spec %d] expected %d ticks; got %d", specIndex, spec.expTicks, got)
		}
		if got := serviced.Load(); got != spec.expIRQs {
			t.Errorf("[spec %d] expected %d serviced interrupts; got %d", specIndex, spec.expIRQs, got)
		}
		if ctrl.Pending() || f.harts[spec.hart].TimerPending() {
			t.Errorf("[spec %d] expected every interrupt to be taken", specIndex)
		}
	}
}

func TestCatalogLookup(t *testing.T) {
	bins := Catalog{"/a": Binary{Image: []byte("image")}}

	r, _, ok := bins.Lookup("/a")
	if !ok {
		t.Fatal("expected /a to be found")
	}
	buf := make([]byte, 5)
	if _, err := r.ReadAt(buf, 0); err != nil || string(buf) != "image" {
		t.Fatalf("unexpected image contents %q (%v)", buf, err)
	}

	if _, _, ok = bins.Lookup("/b"); ok {
		t.Fatal("expected /b to be missing")
	}
}
