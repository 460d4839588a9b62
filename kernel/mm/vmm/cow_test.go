package vmm

import (
	"testing"

	"cowos/kernel/mm"
)

func TestForkCopyAndResolve(t *testing.T) {
	a := setupVMM(t, 512)
	pool, err := NewPool(2)
	if err != nil {
		t.Fatal(err)
	}

	parent := newTestSpace(t, pool)
	loadTestProgram(t, parent.Space)

	heapVA := parent.Info.Heap().Start
	if err = parent.CopyOut(heapVA, []byte("parent")); err != nil {
		t.Fatal(err)
	}

	child := newTestSpace(t, pool)
	if err = ForkCopy(parent.Space, child.Space); err != nil {
		t.Fatal(err)
	}

	if child.Info != parent.Info {
		t.Fatal("expected the child to inherit the address space descriptor")
	}

	shared, pflags, _ := parent.User.Lookup(heapVA)
	cframe, cflags, _ := child.User.Lookup(heapVA)
	switch {
	case shared != cframe:
		t.Fatal("expected parent and child to share the heap frame")
	case mm.RefCount(shared) != 4:
		t.Fatalf("expected the shared frame to be referenced by 4 tables; got %d", mm.RefCount(shared))
	case pflags&FlagWrite != 0 || pflags&FlagCopyOnWrite == 0:
		t.Fatalf("expected parent heap page to become copy-on-write; got %s", pflags)
	case cflags&FlagWrite != 0 || cflags&FlagCopyOnWrite == 0:
		t.Fatalf("expected child heap page to be copy-on-write; got %s", cflags)
	}

	if _, flags, _ := child.User.Lookup(0); flags&FlagCopyOnWrite != 0 {
		t.Fatalf("expected read-only code to be shared without the COW bit; got %s", flags)
	}

	// child writes first and gets a private copy
	if err = child.CopyOut(heapVA, []byte("child")); err != nil {
		t.Fatal(err)
	}
	cframe, cflags, _ = child.User.Lookup(heapVA)
	kframe, _, _ := child.Kernel.Lookup(heapVA)
	switch {
	case cframe == shared:
		t.Fatal("expected the child to get a private frame")
	case kframe != cframe:
		t.Fatal("expected both child tables to point at the private frame")
	case cflags&FlagWrite == 0 || cflags&FlagCopyOnWrite != 0:
		t.Fatalf("expected the child page to be writable; got %s", cflags)
	case mm.RefCount(shared) != 2 || mm.RefCount(cframe) != 2:
		t.Fatalf("unexpected refcounts: shared %d private %d", mm.RefCount(shared), mm.RefCount(cframe))
	}

	buf := make([]byte, 6)
	if err = parent.CopyIn(buf, heapVA); err != nil || string(buf) != "parent" {
		t.Fatalf("expected parent contents to be preserved; got %q (%v)", buf, err)
	}
	if err = child.CopyIn(buf, heapVA); err != nil || string(buf) != "childt" {
		t.Fatalf("expected child contents to be copied before the write; got %q (%v)", buf, err)
	}

	// the parent is now the only owner and must not allocate
	freeBefore := a.FreeFrames()
	if err = parent.ResolveCOW(heapVA); err != nil {
		t.Fatal(err)
	}
	if got := a.FreeFrames(); got != freeBefore {
		t.Fatal("expected the single owner fast path not to allocate")
	}
	if frame, flags, _ := parent.User.Lookup(heapVA); frame != shared || flags&FlagWrite == 0 {
		t.Fatalf("expected the parent to keep its frame writable; got frame %d flags %s", frame, flags)
	}

	child.destroy()
	parent.destroy()
}

func TestResolveCOWRejectsPlainPages(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	s := newTestSpace(t, pool)
	loadTestProgram(t, s.Space)

	for _, va := range []uintptr{0, s.Info.Heap().Start, 0x100000} {
		if err := s.ResolveCOW(va); err != ErrSegmentationFault {
			t.Errorf("expected ResolveCOW(0x%x) to fail; got %v", va, err)
		}
	}
}

func TestForkCopyRollback(t *testing.T) {
	a := setupVMM(t, 512)
	pool, err := NewPool(2)
	if err != nil {
		t.Fatal(err)
	}

	parent := newTestSpace(t, pool)
	loadTestProgram(t, parent.Space)

	// leave the first heap page copy-on-write from an earlier fork
	pre := newTestSpace(t, pool)
	if err = ForkCopy(parent.Space, pre.Space); err != nil {
		t.Fatal(err)
	}
	pre.destroy()

	stackVA := parent.Info.Stack().Start
	if err = parent.ResolveCOW(stackVA); err != nil {
		t.Fatal(err)
	}

	heapVA := parent.Info.Heap().Start
	if err = parent.Grow(parent.Info.HeapEnd, parent.Info.HeapEnd+mm.PageSize, FlagRead|FlagWrite); err != nil {
		t.Fatal(err)
	}
	parent.Info.HeapEnd += mm.PageSize

	refs := make(map[uintptr]uint8)
	for _, r := range parent.Info.Ranges() {
		for va := r.Start; va < r.End; va += mm.PageSize {
			frame, _, _ := parent.User.Lookup(va)
			refs[va] = mm.RefCount(frame)
		}
	}

	// The child needs three nodes for the code page and one per table
	// for the stack page; the shadow table runs out on the stack page
	// after it has been marked copy-on-write.
	child := newTestSpace(t, pool)
	held := drain(t, a, 4)
	defer func() {
		for _, f := range held {
			mm.ReleaseFrame(f)
		}
	}()

	if err = ForkCopy(parent.Space, child.Space); err == nil {
		t.Fatal("expected ForkCopy to fail")
	}

	for va, exp := range refs {
		frame, _, _ := parent.User.Lookup(va)
		if got := mm.RefCount(frame); got != exp {
			t.Errorf("expected refcount %d for the frame at 0x%x; got %d", exp, va, got)
		}
	}

	specs := []struct {
		va       uintptr
		expFlags PageTableEntryFlag
	}{
		{0, FlagRead | FlagExec},
		{stackVA, FlagRead | FlagWrite},
		{heapVA, FlagRead | FlagCopyOnWrite},
		{heapVA + mm.PageSize, FlagRead | FlagWrite},
	}
	for specIndex, spec := range specs {
		for _, table := range []*Table{parent.User, parent.Kernel} {
			_, flags, _ := table.Lookup(spec.va)
			if got := flags & (FlagRead | FlagWrite | FlagExec | FlagCopyOnWrite); got != spec.expFlags {
				t.Errorf("[spec %d] expected flags %s at 0x%x; got %s", specIndex, spec.expFlags, spec.va, got)
			}
		}
	}

	for va := range refs {
		if _, _, ok := child.User.Lookup(va); ok {
			t.Errorf("expected child mapping at 0x%x to be removed", va)
		}
		if _, _, ok := child.Kernel.Lookup(va); ok {
			t.Errorf("expected child shadow mapping at 0x%x to be removed", va)
		}
	}
}
