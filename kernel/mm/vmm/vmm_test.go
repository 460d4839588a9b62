package vmm

import (
	"testing"

	"cowos/kernel"
	"cowos/kernel/cpu"
	"cowos/kernel/mm"
	"cowos/kernel/mm/pmm"
)

// setupVMM installs a fresh allocator managing frames pages of RAM at
// KernBase and initializes the package on top of it.
func setupVMM(t *testing.T, frames int) *pmm.Allocator {
	t.Helper()

	a, err := pmm.Init(KernBase, kernel.Size(frames)*kernel.Size(mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	if err = Init(KernBase, a.Size()); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		kernelTable = nil
		trampolineFrame = mm.InvalidFrame
		physBase, physSize = 0, 0
		mm.SetFrameAllocator(nil)
		_ = a.Close()
	})
	return a
}

func expectHalt(t *testing.T, expMsg string, fn func()) {
	t.Helper()
	defer func() {
		if err := recover(); err != cpu.ErrHalted {
			t.Fatalf("expected %q to halt the system; got %v", expMsg, err)
		}
	}()
	fn()
}

// testSpace bundles a space with the per-process frames it borrows.
type testSpace struct {
	*Space
	trapframe, status, kstack mm.Frame
}

func (ts *testSpace) destroy() {
	ts.Free()
	mm.ReleaseFrame(ts.trapframe)
	mm.ReleaseFrame(ts.status)
	mm.ReleaseFrame(ts.kstack)
}

func newTestSpace(t *testing.T, pool *Pool) *testSpace {
	t.Helper()

	var frames [3]mm.Frame
	for i := range frames {
		f, err := mm.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		frames[i] = f
	}

	s, err := NewSpace(pool, frames[0], frames[1], frames[2])
	if err != nil {
		t.Fatal(err)
	}
	return &testSpace{Space: s, trapframe: frames[0], status: frames[1], kstack: frames[2]}
}

// loadTestProgram gives s a two page code range, an eagerly mapped heap page
// and one stack page.
func loadTestProgram(t *testing.T, s *Space) {
	t.Helper()

	s.Info = AddrInfo{
		VMOffset:    0,
		ProgramSize: 2 * mm.PageSize,
		HeapStart:   3 * mm.PageSize,
		HeapEnd:     4 * mm.PageSize,
		StackTop:    StackTop,
		StackBottom: StackTop - mm.PageSize,
	}

	specs := []struct {
		r     Range
		flags PageTableEntryFlag
	}{
		{s.Info.Code(), FlagRead | FlagExec},
		{s.Info.Heap(), FlagRead | FlagWrite},
		{s.Info.Stack(), FlagRead | FlagWrite},
	}
	for _, spec := range specs {
		if err := s.Grow(spec.r.Start, spec.r.End, spec.flags); err != nil {
			t.Fatal(err)
		}
	}
}

// drain allocates frames until only keep frames remain free.
func drain(t *testing.T, a *pmm.Allocator, keep int) []mm.Frame {
	t.Helper()

	var held []mm.Frame
	for a.FreeFrames() > keep {
		f, err := mm.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, f)
	}
	return held
}

func TestInit(t *testing.T) {
	setupVMM(t, 512)

	if !TrampolineFrame().Valid() {
		t.Fatal("expected Init to allocate the trampoline frame")
	}

	kt := KernelTable()
	specs := []struct {
		va    uintptr
		pa    uintptr
		flags PageTableEntryFlag
	}{
		{UART0, UART0, FlagRead | FlagWrite},
		{PLIC + PLICSize - mm.PageSize, PLIC + PLICSize - mm.PageSize, FlagRead | FlagWrite},
		{KernBase, KernBase, FlagRead | FlagWrite},
		{KernBase + 511*mm.PageSize, KernBase + 511*mm.PageSize, FlagRead | FlagWrite},
		{Trampoline, TrampolineFrame().Address(), FlagRead | FlagExec},
	}

	for specIndex, spec := range specs {
		frame, flags, ok := kt.Lookup(spec.va)
		if !ok {
			t.Errorf("[spec %d] expected 0x%x to be mapped", specIndex, spec.va)
			continue
		}
		if frame.Address() != spec.pa {
			t.Errorf("[spec %d] expected 0x%x to map to 0x%x; got 0x%x", specIndex, spec.va, spec.pa, frame.Address())
		}
		if flags&^FlagValid != spec.flags {
			t.Errorf("[spec %d] expected flags %s; got %s", specIndex, spec.flags, flags)
		}
	}

	if _, _, ok := kt.Lookup(KernBase + 512*mm.PageSize); ok {
		t.Error("expected the kernel table to stop at the end of RAM")
	}

	if got := string(mm.FrameBytes(TrampolineFrame())[:len(trampolineCode)]); got != string(trampolineCode) {
		t.Errorf("unexpected trampoline contents %q", got)
	}
}

func TestNewKernelTableOutOfMemory(t *testing.T) {
	a := setupVMM(t, 512)
	held := drain(t, a, 3)

	if _, err := NewKernelTable(); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	if got := a.FreeFrames(); got != 3 {
		t.Fatalf("expected the partially built table to be released; %d frames free", got)
	}

	for _, f := range held {
		mm.ReleaseFrame(f)
	}
}
