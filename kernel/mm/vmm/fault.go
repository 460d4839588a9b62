package vmm

import (
	"io"

	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/mm"
)

// ServiceFault attempts to recover from a page fault raised by an access to
// va. sp is the user stack pointer at the time of the fault; a stack pointer
// below the tracked stack that has not run into the heap extends the stack
// range down to it. Callers that do not want the stack adjusted pass MaxVA.
//
// Copy-on-write pages get a private writable copy and untouched heap or stack
// pages are backed by a zeroed frame. Any other fault, or a failure while
// servicing one, returns an error and leaves the tables unchanged.
func (s *Space) ServiceFault(va uintptr, access Access, sp uintptr) *kernel.Error {
	if s.User == nil {
		return ErrSegmentationFault
	}

	if sp < s.Info.StackBottom && sp >= mm.PageRoundUp(s.Info.HeapEnd) {
		s.Info.StackBottom = mm.PageRoundDown(sp)
	}

	region := s.Info.Classify(va)
	if region == RegionInvalid {
		return ErrSegmentationFault
	}

	upte, _ := s.entries(mm.PageRoundDown(va))
	switch {
	case upte != nil && access == AccessWrite && upte.HasFlags(FlagCopyOnWrite):
		return s.ResolveCOW(va)
	case upte == nil && (region == RegionHeap || region == RegionStack):
		return s.mapZeroPage(mm.PageRoundDown(va), FlagRead|FlagWrite)
	default:
		return ErrSegmentationFault
	}
}

// PrintFault writes a description of an unrecoverable fault to w.
func PrintFault(w io.Writer, s *Space, va uintptr, access Access, err *kernel.Error) {
	kfmt.Fprintf(w, "\nPage fault while accessing address: 0x%016x\nReason: ", va)

	present := false
	if s != nil && s.User != nil {
		_, _, present = s.User.Lookup(mm.PageRoundDown(va))
	}

	switch {
	case s != nil && s.Info.Classify(va) == RegionInvalid:
		kfmt.Fprintf(w, "%s outside of the address space", access)
	case !present:
		kfmt.Fprintf(w, "%s to non-present page", access)
	default:
		kfmt.Fprintf(w, "page protection violation (%s)", access)
	}

	kfmt.Fprintf(w, "\nError: %s\n", err.Message)
}
