package vmm

import (
	"sync"
	"testing"

	"cowos/kernel/mm"
)

func TestPoolAcquireRelease(t *testing.T) {
	a := setupVMM(t, 512)
	freeBefore := a.FreeFrames()

	pool, err := NewPool(3)
	if err != nil {
		t.Fatal(err)
	}
	if pool.Size() != 3 || pool.FreeSlots() != 3 {
		t.Fatalf("expected 3 free slots; got %d/%d", pool.FreeSlots(), pool.Size())
	}

	kstack, tf := TrampolineFrame(), TrampolineFrame()
	var tables []*Table
	for i := 0; i < 3; i++ {
		table, err := pool.Acquire(kstack, tf)
		if err != nil {
			t.Fatal(err)
		}
		tables = append(tables, table)
	}

	if _, err = pool.Acquire(kstack, tf); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted; got %v", err)
	}

	if _, _, ok := tables[0].Lookup(KStackVA); !ok {
		t.Fatal("expected the kernel stack to be mapped in the borrowed table")
	}
	if _, _, ok := tables[0].Lookup(KStackVA + mm.PageSize); ok {
		t.Fatal("expected a guard page above the kernel stack")
	}

	pool.Release(tables[1])
	if _, _, ok := tables[1].Lookup(TrapframeVA); ok {
		t.Fatal("expected Release to unmap the trapframe")
	}
	if got, err := pool.Acquire(kstack, tf); err != nil || got != tables[1] {
		t.Fatalf("expected the released table to be lent out again; got %v", err)
	}

	for _, table := range tables {
		pool.Release(table)
	}
	pool.Destroy()

	if got := a.FreeFrames(); got != freeBefore {
		t.Fatalf("expected %d free frames after destroying the pool; got %d", freeBefore, got)
	}
}

func TestPoolConcurrentAcquire(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(4)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired = make(map[*Table]bool)
		failures int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table, err := pool.Acquire(TrampolineFrame(), TrampolineFrame())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			acquired[table] = true
		}()
	}
	wg.Wait()

	if len(acquired) != 4 || failures != 4 {
		t.Fatalf("expected 4 distinct tables and 4 failures; got %d and %d", len(acquired), failures)
	}
}

func TestPoolReleaseFatalErrors(t *testing.T) {
	setupVMM(t, 512)
	pool, err := NewPool(1)
	if err != nil {
		t.Fatal(err)
	}

	table, err := pool.Acquire(TrampolineFrame(), TrampolineFrame())
	if err != nil {
		t.Fatal(err)
	}
	if err = table.Map(0x1000, TrampolineFrame(), FlagRead); err != nil {
		t.Fatal(err)
	}

	expectHalt(t, "release with user mappings", func() { pool.Release(table) })

	foreign, err := NewTable()
	if err != nil {
		t.Fatal(err)
	}
	expectHalt(t, "release foreign table", func() { pool.Release(foreign) })
}
