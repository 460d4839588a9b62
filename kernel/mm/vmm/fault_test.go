package vmm

import (
	"bytes"
	"strings"
	"testing"

	"cowos/kernel"
	"cowos/kernel/mm"
)

func TestServiceFault(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSpace(t, pool)
	loadTestProgram(t, s.Space)

	// extend the heap lazily by two pages
	lazyVA := s.Info.Heap().End + mm.PageSize + 8
	s.Info.HeapEnd += 2 * mm.PageSize

	specs := []struct {
		va     uintptr
		access Access
		expErr *kernel.Error
	}{
		{lazyVA, AccessRead, nil},
		{0, AccessWrite, ErrSegmentationFault},
		{0x2000, AccessRead, ErrSegmentationFault},
		{s.Info.Heap().Start, AccessWrite, ErrSegmentationFault},
		{UserTop, AccessRead, ErrSegmentationFault},
	}

	for specIndex, spec := range specs {
		if err := s.ServiceFault(spec.va, spec.access, MaxVA); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	frame, flags, ok := s.User.Lookup(lazyVA)
	if !ok || flags&(FlagRead|FlagWrite|FlagUser) != FlagRead|FlagWrite|FlagUser {
		t.Fatalf("expected a writable user page at 0x%x; got %s", lazyVA, flags)
	}
	if kframe, _, _ := s.Kernel.Lookup(lazyVA); kframe != frame {
		t.Fatal("expected the lazy page in both tables")
	}
	if mm.RefCount(frame) != 2 {
		t.Fatalf("expected refcount 2; got %d", mm.RefCount(frame))
	}
	if _, _, ok = s.User.Lookup(lazyVA - mm.PageSize); ok {
		t.Fatal("expected only the faulting page to be backed")
	}

	s.destroy()
}

func TestServiceFaultStackGrowth(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSpace(t, pool)
	loadTestProgram(t, s.Space)
	bottom := s.Info.StackBottom

	sp := bottom - 2*mm.PageSize + 16
	if err = s.ServiceFault(sp, AccessWrite, sp); err != nil {
		t.Fatal(err)
	}
	if exp := mm.PageRoundDown(sp); s.Info.StackBottom != exp {
		t.Fatalf("expected stack bottom 0x%x; got 0x%x", exp, s.Info.StackBottom)
	}
	if _, _, ok := s.User.Lookup(sp); !ok {
		t.Fatal("expected the new stack page to be mapped")
	}

	// a stack pointer inside the heap never moves the stack
	heapSP := s.Info.Heap().Start
	if err = s.ServiceFault(heapSP-mm.PageSize, AccessWrite, heapSP); err != ErrSegmentationFault {
		t.Fatalf("expected a segmentation fault; got %v", err)
	}
	if s.Info.StackBottom != mm.PageRoundDown(sp) {
		t.Fatal("expected the stack bottom to stay put")
	}

	s.destroy()
}

func TestServiceFaultAfterFreeUser(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSpace(t, pool)
	loadTestProgram(t, s.Space)
	s.FreeUser()

	if err = s.ServiceFault(0, AccessRead, MaxVA); err != ErrSegmentationFault {
		t.Fatalf("expected a segmentation fault; got %v", err)
	}
	s.destroy()
}

func TestPrintFault(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSpace(t, pool)
	loadTestProgram(t, s.Space)
	defer s.destroy()

	specs := []struct {
		va     uintptr
		access Access
		exp    string
	}{
		{0x100000, AccessRead, "read outside of the address space"},
		{0, AccessWrite, "page protection violation (write)"},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		PrintFault(&buf, s.Space, spec.va, spec.access, ErrSegmentationFault)
		if !strings.Contains(buf.String(), spec.exp) {
			t.Errorf("[spec %d] expected output to contain %q; got:\n%s", specIndex, spec.exp, buf.String())
		}
	}

	var buf bytes.Buffer
	s.Info.HeapEnd += mm.PageSize
	PrintFault(&buf, s.Space, s.Info.Heap().End-1, AccessRead, ErrSegmentationFault)
	if !strings.Contains(buf.String(), "read to non-present page") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}
