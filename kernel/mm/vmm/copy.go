package vmm

import (
	"io"

	"cowos/kernel"
	"cowos/kernel/mm"
)

// CopyOut copies src to the user address dst. The whole destination span
// must lie in a single range of the address space; otherwise ErrBadAddress is
// returned and no memory is touched. Pages that are not yet backed or are
// shared copy-on-write are faulted in.
func (s *Space) CopyOut(dst uintptr, src []byte) *kernel.Error {
	if len(src) == 0 {
		return nil
	}
	if s.Info.ClassifySpan(dst, uintptr(len(src))) == RegionInvalid {
		return ErrBadAddress
	}

	return s.copyPages(dst, uintptr(len(src)), AccessWrite, func(done uintptr, page []byte) bool {
		copy(page, src[done:])
		return true
	})
}

// CopyIn fills dst with the bytes stored at the user address src. It applies
// the same span check as CopyOut.
func (s *Space) CopyIn(dst []byte, src uintptr) *kernel.Error {
	if len(dst) == 0 {
		return nil
	}
	if s.Info.ClassifySpan(src, uintptr(len(dst))) == RegionInvalid {
		return ErrBadAddress
	}

	return s.copyPages(src, uintptr(len(dst)), AccessRead, func(done uintptr, page []byte) bool {
		copy(dst[done:], page)
		return true
	})
}

// CopyInString reads a NUL terminated string of at most max bytes, the
// terminator included, starting at the user address src. The string must not
// extend past the end of the range that contains src.
func (s *Space) CopyInString(src uintptr, max int) (string, *kernel.Error) {
	region := s.Info.Classify(src)
	if region == RegionInvalid || max <= 0 {
		return "", ErrBadAddress
	}

	var (
		limit   = s.Info.RangeOf(region).End - src
		n       = uintptr(max)
		buf     []byte
		found   bool
		clipped bool
	)
	if limit < n {
		n, clipped = limit, true
	}

	err := s.copyPages(src, n, AccessRead, func(_ uintptr, page []byte) bool {
		for _, b := range page {
			if b == 0 {
				found = true
				return false
			}
			buf = append(buf, b)
		}
		return true
	})

	switch {
	case err != nil:
		return "", err
	case found:
		return string(buf), nil
	case clipped:
		return "", ErrBadAddress
	default:
		return "", ErrNoTerminator
	}
}

// copyPages walks n bytes of user memory starting at va one page at a time
// through the shadow table and hands each chunk to fn along with the number of
// bytes already processed. The walk stops early when fn returns false.
func (s *Space) copyPages(va, n uintptr, access Access, fn func(done uintptr, page []byte) bool) *kernel.Error {
	for done := uintptr(0); done < n; {
		cur := va + done
		pa, err := s.Kernel.Translate(cur, access, false)
		if err != nil {
			if err = s.ServiceFault(cur, access, MaxVA); err != nil {
				return err
			}
			if pa, err = s.Kernel.Translate(cur, access, false); err != nil {
				return err
			}
		}

		chunk := mm.PageSize - PageOffset(cur)
		if chunk > n-done {
			chunk = n - done
		}
		if !fn(done, mm.PhysBytes(pa, chunk)) {
			return nil
		}
		done += chunk
	}
	return nil
}

// InstallSegment reads n bytes at offset off of r into the user pages at va.
// The pages must already be mapped, typically by Grow.
func (s *Space) InstallSegment(va uintptr, r io.ReaderAt, off int64, n uintptr) *kernel.Error {
	for done := uintptr(0); done < n; {
		cur := va + done
		frame, _, ok := s.User.Lookup(mm.PageRoundDown(cur))
		if !ok {
			return errSegmentMissing
		}

		chunk := mm.PageSize - PageOffset(cur)
		if chunk > n-done {
			chunk = n - done
		}

		page := mm.PhysBytes(frame.Address()+PageOffset(cur), chunk)
		if read, err := r.ReadAt(page, off+int64(done)); uintptr(read) != chunk {
			if err == nil || err == io.EOF {
				return errShortRead
			}
			return &kernel.Error{Module: "vmm", Message: err.Error()}
		}
		done += chunk
	}
	return nil
}
