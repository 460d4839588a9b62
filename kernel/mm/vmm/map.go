package vmm

import (
	"cowos/kernel"
	"cowos/kernel/mm"
)

// Access describes the kind of memory access that is being translated.
type Access uint8

// The supported access kinds.
const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "read"
	}
}

// Map installs a leaf entry mapping the page containing virtAddr to frame,
// allocating any missing intermediate tables. Mapping over a valid entry is a
// fatal error. If an intermediate table cannot be allocated the tables
// allocated so far stay in place and the error is returned.
func (t *Table) Map(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	t.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as valid
		if level == pageLevels-1 {
			if pte.HasFlags(FlagValid) {
				t.fatalAt(errRemap, virtAddr)
				return false
			}
			*pte = makeEntry(frame, flags|FlagValid)
			return true
		}

		if pte.IsLeaf() {
			t.fatalAt(errUnexpectedLeaf, virtAddr)
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagValid) {
			var next mm.Frame
			if next, err = allocNode(); err != nil {
				return false
			}
			*pte = makeEntry(next, FlagValid)
		}

		return true
	})

	return err
}

// MapRange maps size bytes starting at virtAddr to the physical range that
// starts at physAddr. Both addresses must be page aligned; size is rounded up
// to a page boundary. On failure the entries mapped by this call are removed.
func (t *Table) MapRange(virtAddr, size, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	pages := int(mm.PageRoundUp(size) >> mm.PageShift)
	for i := 0; i < pages; i++ {
		offset := uintptr(i) << mm.PageShift
		if err := t.Map(virtAddr+offset, mm.FrameFromAddress(physAddr+offset), flags); err != nil {
			t.Unmap(virtAddr, i, false)
			return err
		}
	}
	return nil
}

// Unmap removes count contiguous leaf entries starting at the page-aligned
// address virtAddr. When release is set, each entry's reference to its frame
// is dropped. Every entry in the range must be a valid leaf; anything else is
// a fatal error.
func (t *Table) Unmap(virtAddr uintptr, count int, release bool) {
	for i := 0; i < count; i++ {
		va := virtAddr + uintptr(i)<<mm.PageShift
		pte := t.entry(va)
		switch {
		case pte == nil || !pte.HasFlags(FlagValid):
			t.fatalAt(errUnmapInvalid, va)
			return
		case !pte.IsLeaf():
			t.fatalAt(errUnmapNotLeaf, va)
			return
		}

		if release {
			mm.ReleaseFrame(pte.Frame())
		}
		*pte = 0
	}
}

// Clear behaves like Unmap but skips pages that are not mapped. It is used
// for ranges that are populated lazily. Clear returns the number of entries
// removed.
func (t *Table) Clear(virtAddr uintptr, count int, release bool) int {
	var cleared int
	for i := 0; i < count; i++ {
		va := virtAddr + uintptr(i)<<mm.PageShift
		pte := t.entry(va)
		if pte == nil || !pte.HasFlags(FlagValid) {
			continue
		}
		if !pte.IsLeaf() {
			t.fatalAt(errUnmapNotLeaf, va)
			return cleared
		}

		if release {
			mm.ReleaseFrame(pte.Frame())
		}
		*pte = 0
		cleared++
	}
	return cleared
}

// Translate emulates the MMU: it returns the physical address that virtAddr
// maps to if the mapping permits the access, setting the accessed (and for
// writes, dirty) bits on the way. User accesses require FlagUser; kernel
// accesses are refused on pages carrying it.
func (t *Table) Translate(virtAddr uintptr, access Access, user bool) (uintptr, *kernel.Error) {
	if virtAddr >= MaxVA {
		return 0, ErrInvalidMapping
	}

	pte := t.entry(virtAddr)
	if pte == nil || !pte.HasFlags(FlagValid) {
		return 0, ErrInvalidMapping
	}

	required := FlagRead
	switch access {
	case AccessWrite:
		required = FlagWrite
	case AccessExec:
		required = FlagExec
	}
	if !pte.HasFlags(required) || pte.HasFlags(FlagUser) != user {
		return 0, ErrProtection
	}

	pte.SetFlags(FlagAccessed)
	if access == AccessWrite {
		pte.SetFlags(FlagDirty)
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
