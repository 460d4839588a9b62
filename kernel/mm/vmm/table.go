package vmm

import (
	"io"
	"unsafe"

	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
)

// tableNode is the in-memory layout of one page table node.
type tableNode [entriesPerTable]pageTableEntry

// nodeFn returns the node stored in a frame. It is overridden by tests.
var nodeFn = func(f mm.Frame) *tableNode {
	return (*tableNode)(unsafe.Pointer(&mm.FrameBytes(f)[0]))
}

// pageTableWalker is invoked by walk for the entry visited at each level.
// Returning false aborts the walk.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// Table is a page table tree. Its nodes are frames obtained from the frame
// allocator and are owned exclusively by the table.
type Table struct {
	root mm.Frame

	// owner is the pid reported by fatal diagnostics; zero when unknown.
	owner int
}

// NewTable allocates an empty table.
func NewTable() (*Table, *kernel.Error) {
	root, err := allocNode()
	if err != nil {
		return nil, err
	}
	return &Table{root: root}, nil
}

// Root returns the frame holding the root node.
func (t *Table) Root() mm.Frame {
	return t.root
}

// RootAddress returns the physical address loaded into a hart to activate the
// table.
func (t *Table) RootAddress() uintptr {
	return t.root.Address()
}

func allocNode() (mm.Frame, *kernel.Error) {
	f, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}
	kernel.Memset(mm.FrameBytes(f), 0)
	return f, nil
}

func tableIndex(virtAddr uintptr, level uint8) int {
	return int(virtAddr>>pageLevelShifts[level]) & (entriesPerTable - 1)
}

// walk performs a page table walk for the given virtual address, calling
// walker with the entry at each level. The walk descends into the next level
// only if walker returns true, in which case the entry must be a valid
// non-leaf entry.
func (t *Table) walk(virtAddr uintptr, walker pageTableWalker) {
	if virtAddr >= MaxVA {
		t.fatalAt(errWalkRange, virtAddr)
		return
	}

	node := nodeFn(t.root)
	for level := uint8(0); level < pageLevels; level++ {
		pte := &node[tableIndex(virtAddr, level)]
		if !walker(level, pte) || level == pageLevels-1 {
			return
		}
		node = nodeFn(pte.Frame())
	}
}

// entry returns the last-level entry for virtAddr or nil if an intermediate
// table is missing.
func (t *Table) entry(virtAddr uintptr) *pageTableEntry {
	var leaf *pageTableEntry

	t.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			leaf = pte
			return true
		}
		if pte.IsLeaf() {
			t.fatalAt(errUnexpectedLeaf, virtAddr)
			return false
		}
		return pte.HasFlags(FlagValid)
	})

	return leaf
}

// Lookup returns the frame and flags mapped at virtAddr. ok is false if no
// valid leaf maps the address.
func (t *Table) Lookup(virtAddr uintptr) (frame mm.Frame, flags PageTableEntryFlag, ok bool) {
	pte := t.entry(virtAddr)
	if pte == nil || !pte.HasFlags(FlagValid) {
		return mm.InvalidFrame, 0, false
	}
	return pte.Frame(), pte.Flags(), true
}

// Free releases every node of the table. All leaves must have been removed
// beforehand; a remaining leaf is a fatal error.
func (t *Table) Free() {
	freeNode(t.root, 0)
	t.root = mm.InvalidFrame
}

func freeNode(f mm.Frame, level uint8) {
	node := nodeFn(f)
	for i := range node {
		pte := &node[i]
		if !pte.HasFlags(FlagValid) {
			continue
		}
		if pte.IsLeaf() || level == pageLevels-1 {
			fatal(errFreeLeaf)
			return
		}
		freeNode(pte.Frame(), level+1)
		*pte = 0
	}
	mm.ReleaseFrame(f)
}

// Prune walks the nodes overlapping [start, end) and releases every
// intermediate node left without a valid entry. It returns the number of
// leaves found inside the range. The root is never released.
func (t *Table) Prune(start, end uintptr) int {
	return pruneNode(t.root, 0, 0, start, end)
}

func pruneNode(f mm.Frame, level uint8, nodeBase, start, end uintptr) int {
	var (
		node   = nodeFn(f)
		span   = uintptr(1) << pageLevelShifts[level]
		leaves int
	)

	for i := range node {
		pte := &node[i]
		lo := nodeBase + uintptr(i)*span
		hi := lo + span
		if !pte.HasFlags(FlagValid) || hi <= start || lo >= end {
			continue
		}

		if pte.IsLeaf() || level == pageLevels-1 {
			leaves++
			continue
		}

		leaves += pruneNode(pte.Frame(), level+1, lo, start, end)
		if nodeEmpty(pte.Frame()) {
			mm.ReleaseFrame(pte.Frame())
			*pte = 0
		}
	}

	return leaves
}

func nodeEmpty(f mm.Frame) bool {
	for _, pte := range nodeFn(f) {
		if pte.HasFlags(FlagValid) {
			return false
		}
	}
	return true
}

// Dump writes the tree to w, one valid entry per line, indented by level.
// Leaves that point into RAM are annotated with the frame reference count.
func (t *Table) Dump(w io.Writer) {
	kfmt.Fprintf(w, "page table 0x%x\n", t.root.Address())
	dumpNode(w, t.root, 0, 0)
}

func dumpNode(w io.Writer, f mm.Frame, level uint8, nodeBase uintptr) {
	node := nodeFn(f)
	indent := " .. .. .."[:3*(level+1)]

	for i := range node {
		pte := node[i]
		if !pte.HasFlags(FlagValid) {
			continue
		}

		va := nodeBase + uintptr(i)<<pageLevelShifts[level]
		kfmt.Fprintf(w, "%s%d: va 0x%x [%s] pa 0x%x", indent, i, va, pte.Flags(), pte.Frame().Address())
		if alloc := mm.ActiveFrameAllocator(); alloc != nil && alloc.Contains(pte.Frame()) {
			kfmt.Fprintf(w, " (ref:%d)", alloc.RefCount(pte.Frame()))
		}
		kfmt.Fprintf(w, "\n")

		if !pte.IsLeaf() && level < pageLevels-1 {
			dumpNode(w, pte.Frame(), level+1, va)
		}
	}
}
