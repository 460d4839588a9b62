package vmm

import (
	"cowos/kernel"
	"cowos/kernel/mm"
)

// ownerTables is the number of references a frame holds when only one
// process maps it: one from its user table and one from its shadow table.
const ownerTables = 2

// ForkCopy duplicates the user ranges of parent into child. No page is
// copied: writable pages are turned copy-on-write in the parent and the same
// frames are mapped into both child tables. Pages that were never touched in
// a lazily grown range are skipped.
//
// If a mapping cannot be installed, the child mappings made so far are
// removed and the parent entries marked by this call are made writable again.
func ForkCopy(parent, child *Space) *kernel.Error {
	var (
		marked []uintptr
		copied []uintptr
	)

	rollback := func() {
		for _, va := range copied {
			child.User.Unmap(va, 1, true)
			child.Kernel.Unmap(va, 1, true)
		}
		for _, va := range marked {
			upte, kpte := parent.entries(va)
			for _, pte := range [...]*pageTableEntry{upte, kpte} {
				pte.ClearFlags(FlagCopyOnWrite)
				pte.SetFlags(FlagWrite)
			}
		}
	}

	for _, r := range parent.Info.Ranges() {
		for va := r.Start; va < r.End; va += mm.PageSize {
			upte, kpte := parent.entries(va)
			if upte == nil {
				continue
			}

			if upte.HasFlags(FlagWrite) {
				for _, pte := range [...]*pageTableEntry{upte, kpte} {
					pte.ClearFlags(FlagWrite)
					pte.SetFlags(FlagCopyOnWrite)
				}
				marked = append(marked, va)
			}

			frame, flags := upte.Frame(), upte.Flags()&^(FlagValid|FlagAccessed|FlagDirty)
			if err := child.User.Map(va, frame, flags); err != nil {
				rollback()
				return err
			}
			if err := child.Kernel.Map(va, frame, flags&^FlagUser); err != nil {
				child.User.Unmap(va, 1, false)
				rollback()
				return err
			}
			mm.AdjustRefCount(frame, ownerTables)
			copied = append(copied, va)
		}
	}

	child.Info = parent.Info
	return nil
}

// ResolveCOW gives the process a private writable copy of the copy-on-write
// page containing va. If no other process maps the frame any longer it is
// simply made writable again; otherwise its contents are copied into a new
// frame that replaces it in both tables.
func (s *Space) ResolveCOW(va uintptr) *kernel.Error {
	va = mm.PageRoundDown(va)
	upte, kpte := s.entries(va)
	if upte == nil || !upte.HasFlags(FlagCopyOnWrite) {
		return ErrSegmentationFault
	}

	old := upte.Frame()
	if mm.RefCount(old) > ownerTables {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		kernel.Memcopy(mm.FrameBytes(frame), mm.FrameBytes(old))
		mm.AdjustRefCount(frame, ownerTables-1)

		upte.SetFrame(frame)
		kpte.SetFrame(frame)
		mm.AdjustRefCount(old, -ownerTables)
	}

	for _, pte := range [...]*pageTableEntry{upte, kpte} {
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagWrite)
	}
	return nil
}
