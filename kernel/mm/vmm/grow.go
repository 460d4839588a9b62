package vmm

import (
	"cowos/kernel"
	"cowos/kernel/mm"
)

// Grow maps zeroed pages covering [oldTop, newTop) into both tables. The
// bounds are rounded up to page boundaries so a partially used last page is
// never mapped twice. If any page cannot be mapped, every page mapped by this
// call is removed again and the error is returned.
func (s *Space) Grow(oldTop, newTop uintptr, flags PageTableEntryFlag) *kernel.Error {
	start, end := mm.PageRoundUp(oldTop), mm.PageRoundUp(newTop)
	if end <= start {
		return nil
	}

	for va := start; va < end; va += mm.PageSize {
		if err := s.mapZeroPage(va, flags); err != nil {
			mapped := int((va - start) >> mm.PageShift)
			s.User.Unmap(start, mapped, true)
			s.Kernel.Unmap(start, mapped, true)
			return err
		}
	}

	return nil
}

// Shrink removes the pages covering [newTop, oldTop) from both tables and
// releases intermediate nodes left empty. Pages never touched by a lazily
// grown range are skipped.
func (s *Space) Shrink(oldTop, newTop uintptr) {
	start, end := mm.PageRoundUp(newTop), mm.PageRoundUp(oldTop)
	if end <= start {
		return
	}

	pages := int((end - start) >> mm.PageShift)
	s.User.Clear(start, pages, true)
	s.Kernel.Clear(start, pages, true)
	s.User.Prune(start, end)
	s.Kernel.Prune(start, end)
}

// mapZeroPage backs the page at va with a fresh zeroed frame in both tables.
func (s *Space) mapZeroPage(va uintptr, flags PageTableEntryFlag) *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	kernel.Memset(mm.FrameBytes(frame), 0)

	if err = s.mapUserPage(va, frame, flags); err != nil {
		mm.ReleaseFrame(frame)
		return err
	}
	return nil
}
