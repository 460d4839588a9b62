package vmm

import "cowos/kernel/mm"

// pageTableEntry is a single entry of a page table node.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Flags returns the flag bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) & pteFlagMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame(uint64(pte) >> ptePhysShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry(uint64(frame)<<ptePhysShift | uint64(*pte)&pteFlagMask)
}

// IsLeaf returns true if the entry maps a page rather than a lower level table.
func (pte pageTableEntry) IsLeaf() bool {
	return pte.HasFlags(FlagValid) && pte.HasAnyFlag(leafFlags)
}

func makeEntry(frame mm.Frame, flags PageTableEntryFlag) pageTableEntry {
	pte := pageTableEntry(0)
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return pte
}
