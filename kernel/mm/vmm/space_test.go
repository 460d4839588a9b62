package vmm

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"cowos/kernel/mm"
)

func TestClassify(t *testing.T) {
	info := AddrInfo{
		VMOffset:    0x1000,
		ProgramSize: 0x1800,
		HeapStart:   0x4000,
		HeapEnd:     0x6800,
		StackTop:    0x20000,
		StackBottom: 0x1e010,
	}

	specs := []struct {
		va  uintptr
		exp Region
	}{
		{0x0, RegionInvalid},
		{0xfff, RegionInvalid},
		{0x1000, RegionCode},
		{0x27ff, RegionCode},
		{0x2fff, RegionCode},
		{0x3000, RegionInvalid},
		{0x4000, RegionHeap},
		{0x6fff, RegionHeap},
		{0x7000, RegionInvalid},
		{0x1dfff, RegionInvalid},
		{0x1e000, RegionStack},
		{0x1ffff, RegionStack},
		{0x20000, RegionInvalid},
		{^uintptr(0), RegionInvalid},
	}

	for specIndex, spec := range specs {
		if got := info.Classify(spec.va); got != spec.exp {
			t.Errorf("[spec %d] expected 0x%x to be %s; got %s", specIndex, spec.va, spec.exp, got)
		}
	}
}

func TestClassifySpan(t *testing.T) {
	info := AddrInfo{
		VMOffset:    0,
		ProgramSize: 0x2000,
		HeapStart:   0x2000,
		HeapEnd:     0x4000,
		StackTop:    0x10000,
		StackBottom: 0xf000,
	}

	specs := []struct {
		va, n uintptr
		exp   Region
	}{
		{0x0, 0x2000, RegionCode},
		{0x1fff, 1, RegionCode},
		// adjacent ranges still count as separate ones
		{0x1fff, 2, RegionInvalid},
		{0x3000, 0x1000, RegionHeap},
		{0x3000, 0x1001, RegionInvalid},
		{0xf000, 0, RegionInvalid},
		{0xffff, 1, RegionStack},
		{^uintptr(0) - 1, 4, RegionInvalid},
	}

	for specIndex, spec := range specs {
		if got := info.ClassifySpan(spec.va, spec.n); got != spec.exp {
			t.Errorf("[spec %d] expected [0x%x, +0x%x) to be %s; got %s", specIndex, spec.va, spec.n, spec.exp, got)
		}
	}
}

func TestNewSpaceAndFree(t *testing.T) {
	a := setupVMM(t, 512)
	pool, err := NewPool(2)
	if err != nil {
		t.Fatal(err)
	}
	freeBefore := a.FreeFrames()

	s := newTestSpace(t, pool)
	loadTestProgram(t, s.Space)

	specs := []struct {
		table *Table
		va    uintptr
		frame mm.Frame
		flags PageTableEntryFlag
	}{
		{s.User, Trampoline, TrampolineFrame(), FlagRead | FlagExec},
		{s.User, TrapframeVA, s.trapframe, FlagRead | FlagWrite},
		{s.User, StatusPageVA, s.status, FlagRead | FlagUser},
		{s.Kernel, KStackVA, s.kstack, FlagRead | FlagWrite},
		{s.Kernel, TrapframeVA, s.trapframe, FlagRead | FlagWrite},
	}
	for specIndex, spec := range specs {
		frame, flags, ok := spec.table.Lookup(spec.va)
		if !ok || frame != spec.frame || flags&^FlagValid != spec.flags {
			t.Errorf("[spec %d] unexpected mapping at 0x%x: frame %d flags %s ok %t", specIndex, spec.va, frame, flags, ok)
		}
	}

	for _, r := range s.Info.Ranges() {
		for va := r.Start; va < r.End; va += mm.PageSize {
			uframe, uflags, uok := s.User.Lookup(va)
			kframe, kflags, kok := s.Kernel.Lookup(va)
			switch {
			case !uok || !kok:
				t.Fatalf("expected 0x%x to be mapped in both tables", va)
			case uframe != kframe:
				t.Fatalf("expected both tables to map 0x%x to the same frame", va)
			case uflags&FlagUser == 0 || kflags&FlagUser != 0:
				t.Fatalf("expected only the user table to carry the user bit at 0x%x", va)
			case mm.RefCount(uframe) != 2:
				t.Fatalf("expected frame at 0x%x to be referenced by both tables; refcount %d", va, mm.RefCount(uframe))
			}
		}
	}

	var buf bytes.Buffer
	s.Dump(&buf)
	if !strings.HasPrefix(buf.String(), "code [0x0, 0x2000) stack") {
		t.Errorf("unexpected dump header:\n%s", buf.String())
	}

	s.destroy()
	if got := a.FreeFrames(); got != freeBefore {
		t.Fatalf("expected %d free frames after Free; got %d", freeBefore, got)
	}
	if got := pool.FreeSlots(); got != 2 {
		t.Fatalf("expected the shadow table to return to the pool; %d free slots", got)
	}
}

func TestFreeUserKeepsShadowTable(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSpace(t, pool)
	loadTestProgram(t, s.Space)

	s.FreeUser()
	s.FreeUser()

	if s.User != nil || s.Info.Pages() != 0 {
		t.Fatal("expected FreeUser to drop the user table and ranges")
	}
	if _, _, ok := s.Kernel.Lookup(KStackVA); !ok {
		t.Fatal("expected the kernel stack to stay mapped until the space is freed")
	}
	if got := s.Kernel.Prune(0, UserTop); got != 0 {
		t.Fatalf("expected no user pages in the shadow table; got %d", got)
	}
	if pool.FreeSlots() != 0 {
		t.Fatal("expected the shadow table to remain borrowed")
	}

	s.destroy()
}

func TestSpaceOwner(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSpace(t, pool)
	s.SetOwner(42)
	if s.User.owner != 42 || s.Kernel.owner != 42 {
		t.Fatalf("expected both tables to be owned by pid 42; got %d/%d", s.User.owner, s.Kernel.owner)
	}

	shadow := s.Kernel
	s.destroy()

	// The pool hands the table out again to an unrelated process.
	if shadow.owner != 0 {
		t.Fatalf("expected the released shadow table to drop its owner; got %d", shadow.owner)
	}
}

func TestNewSpacePoolExhausted(t *testing.T) {
	a := setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	first := newTestSpace(t, pool)
	freeBefore := a.FreeFrames()

	frame := TrampolineFrame()
	for specIndex := 0; specIndex < 2; specIndex++ {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			if _, err := NewSpace(pool, frame, frame, frame); err != ErrPoolExhausted {
				t.Fatalf("expected ErrPoolExhausted; got %v", err)
			}
			if got := a.FreeFrames(); got != freeBefore {
				t.Fatalf("expected the user table to be released; free %d, want %d", got, freeBefore)
			}
		})
	}

	first.destroy()
	if _, err := NewSpace(pool, frame, frame, frame); err != nil {
		t.Fatalf("expected a released shadow table to be reusable; got %v", err)
	}
}
