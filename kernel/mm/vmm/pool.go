package vmm

import (
	"cowos/kernel"
	"cowos/kernel/mm"
	"cowos/kernel/sync"
)

type poolSlot struct {
	table    *Table
	occupied bool
}

// Pool is a fixed set of prebuilt kernel tables lent out to processes as
// their shadow tables.
type Pool struct {
	lock  sync.Spinlock
	slots []poolSlot
}

// NewPool builds a pool of size kernel tables.
func NewPool(size int) (*Pool, *kernel.Error) {
	p := &Pool{slots: make([]poolSlot, 0, size)}
	for i := 0; i < size; i++ {
		t, err := NewKernelTable()
		if err != nil {
			p.Destroy()
			return nil, err
		}
		p.slots = append(p.slots, poolSlot{table: t})
	}
	return p, nil
}

// Acquire lends out a free table after mapping the kernel stack and trapframe
// of the borrowing process into it. ErrPoolExhausted is returned when every
// table is in use.
func (p *Pool) Acquire(kstack, trapframe mm.Frame) (*Table, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	for i := range p.slots {
		slot := &p.slots[i]
		if slot.occupied {
			continue
		}

		if err := slot.table.Map(KStackVA, kstack, FlagRead|FlagWrite); err != nil {
			return nil, err
		}
		if err := slot.table.Map(TrapframeVA, trapframe, FlagRead|FlagWrite); err != nil {
			slot.table.Unmap(KStackVA, 1, false)
			return nil, err
		}

		slot.occupied = true
		return slot.table, nil
	}

	return nil, ErrPoolExhausted
}

// Release unmaps the process specific pages of t and returns it to the pool.
// The table must not map any user page.
func (p *Pool) Release(t *Table) {
	p.lock.Acquire()
	defer p.lock.Release()

	for i := range p.slots {
		slot := &p.slots[i]
		if slot.table != t {
			continue
		}

		if !slot.occupied {
			break
		}

		t.Unmap(KStackVA, 1, false)
		t.Unmap(TrapframeVA, 1, false)
		if t.Prune(0, UserTop) != 0 {
			fatal(errPoolLeak)
			return
		}
		slot.occupied = false
		t.owner = 0
		return
	}

	fatal(errPoolForeign)
}

// FreeSlots returns the number of tables available for lending.
func (p *Pool) FreeSlots() int {
	p.lock.Acquire()
	defer p.lock.Release()

	var free int
	for _, slot := range p.slots {
		if !slot.occupied {
			free++
		}
	}
	return free
}

// Size returns the number of tables in the pool.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Destroy frees every table of an idle pool.
func (p *Pool) Destroy() {
	for _, slot := range p.slots {
		slot.table.destroyKernel()
	}
	p.slots = nil
}
