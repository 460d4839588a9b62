package vmm

const (
	// pageLevels is the depth of the page table tree. Level 0 is the root
	// and level pageLevels-1 holds the leaf entries.
	pageLevels = 3

	// entriesPerTable is the fan-out of every page table node.
	entriesPerTable = 512

	// ptePhysShift is the position of the physical page number inside an
	// entry. Bits below it hold the flags.
	ptePhysShift = 10

	// pteFlagMask extracts the flag bits of an entry.
	pteFlagMask = uint64(1)<<ptePhysShift - 1
)

var (
	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address. Each level uses 9 bits.
	pageLevelShifts = [pageLevels]uint8{
		30,
		21,
		12,
	}
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uint64

const (
	// FlagValid is set when the entry maps a frame or a lower level table.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExec is set if the page holds executable code.
	FlagExec

	// FlagUser is set if user-mode code can access this page. If not set
	// only kernel code can access this page.
	FlagUser

	// FlagGlobal marks mappings present in every address space.
	FlagGlobal

	// FlagAccessed is set by the MMU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when this page is modified.
	FlagDirty

	// FlagCopyOnWrite marks a page shared with another address space. This
	// flag and FlagWrite are mutually exclusive.
	FlagCopyOnWrite
)

// leafFlags are the flags that make an entry a leaf.
const leafFlags = FlagRead | FlagWrite | FlagExec

// String returns the flags as the letters VRWXUAC, using '-' for flags that
// are not set.
func (f PageTableEntryFlag) String() string {
	var (
		letters = [...]byte{'V', 'R', 'W', 'X', 'U', 'A', 'C'}
		bits    = [...]PageTableEntryFlag{FlagValid, FlagRead, FlagWrite, FlagExec, FlagUser, FlagAccessed, FlagCopyOnWrite}
		out     [len(letters)]byte
	)
	for i, bit := range bits {
		out[i] = '-'
		if f&bit != 0 {
			out[i] = letters[i]
		}
	}
	return string(out[:])
}
