// Package loader builds the address space of a program from an ELF image.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"cowos/kernel"
	"cowos/kernel/mm"
	"cowos/kernel/mm/vmm"
)

// MaxArg bounds the number of arguments passed to a program.
const MaxArg = 32

var (
	// ErrBadImage is returned for images that are not loadable 64-bit
	// RISC-V executables.
	ErrBadImage = &kernel.Error{Module: "loader", Message: "bad ELF image"}

	// ErrTooManyArgs is returned when the argument vector does not fit.
	ErrTooManyArgs = &kernel.Error{Module: "loader", Message: "argument list too long"}
)

// Image is a loaded program.
type Image struct {
	// Space is the new address space. The caller owns it.
	Space *vmm.Space

	// Entry is the program entry point.
	Entry uintptr

	// SP is the initial stack pointer.
	SP uintptr

	// Argv is the user address of the argument pointer array.
	Argv uintptr

	// Argc is the number of arguments.
	Argc int
}

// Load builds a fresh address space for the program stored in r. The loadable
// segments are mapped in ascending address order starting at the lowest one;
// the heap starts one guard page above the last segment and the stack gets a
// single page below vmm.StackTop holding the argument strings and the
// argument pointer array. The trapframe, status page and kernel stack frames
// of the calling process are mapped into the new space.
func Load(pool *vmm.Pool, trapframe, status, kstack mm.Frame, r io.ReaderAt, argv []string) (*Image, *kernel.Error) {
	if len(argv) > MaxArg {
		return nil, ErrTooManyArgs
	}

	f, ferr := elf.NewFile(r)
	if ferr != nil || f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV || f.Type != elf.ET_EXEC {
		return nil, ErrBadImage
	}

	s, err := vmm.NewSpace(pool, trapframe, status, kstack)
	if err != nil {
		return nil, err
	}

	img := &Image{Space: s, Entry: uintptr(f.Entry)}
	if err = loadSegments(s, f, r); err == nil {
		err = setupStack(img, argv)
	}
	if err != nil {
		s.Free()
		return nil, err
	}
	return img, nil
}

// loadSegments maps and fills every PT_LOAD segment and records the code
// range and heap start in s.Info.
func loadSegments(s *vmm.Space, f *elf.File, r io.ReaderAt) *kernel.Error {
	var (
		loaded bool
		top    uintptr
	)

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		va, memsz := uintptr(prog.Vaddr), uintptr(prog.Memsz)
		switch {
		case prog.Memsz < prog.Filesz,
			va+memsz < va,
			va%mm.PageSize != 0,
			loaded && va < top,
			va+memsz > vmm.StackTop-2*mm.PageSize:
			return ErrBadImage
		}

		if !loaded {
			s.Info.VMOffset = va
			top = va
			loaded = true
		}

		if err := s.Grow(top, va+memsz, segmentFlags(prog.Flags)); err != nil {
			return err
		}
		if va+memsz > top {
			top = va + memsz
		}
		s.Info.ProgramSize = top - s.Info.VMOffset

		if err := s.InstallSegment(va, r, int64(prog.Off), uintptr(prog.Filesz)); err != nil {
			return err
		}
	}

	if !loaded {
		return ErrBadImage
	}

	s.Info.HeapStart = s.Info.Code().End + mm.PageSize
	s.Info.HeapEnd = s.Info.HeapStart
	return nil
}

func segmentFlags(flags elf.ProgFlag) vmm.PageTableEntryFlag {
	perm := vmm.FlagRead
	if flags&elf.PF_X != 0 {
		perm |= vmm.FlagExec
	}
	if flags&elf.PF_W != 0 {
		perm |= vmm.FlagWrite
	}
	return perm
}

// setupStack maps the initial stack page and pushes the argument strings
// followed by the NULL terminated argument pointer array.
func setupStack(img *Image, argv []string) *kernel.Error {
	s := img.Space
	s.Info.StackTop = vmm.StackTop
	s.Info.StackBottom = vmm.StackTop - mm.PageSize
	if err := s.Grow(s.Info.StackBottom, s.Info.StackTop, vmm.FlagRead|vmm.FlagWrite); err != nil {
		return err
	}

	sp := s.Info.StackTop
	ustack := make([]byte, (len(argv)+1)*8)
	for i, arg := range argv {
		need := uintptr(len(arg) + 1)
		if sp-s.Info.StackBottom < need+16 {
			return ErrTooManyArgs
		}
		sp = (sp - need) &^ 15
		if err := s.CopyOut(sp, append([]byte(arg), 0)); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(ustack[i*8:], uint64(sp))
	}

	if sp-s.Info.StackBottom < uintptr(len(ustack))+16 {
		return ErrTooManyArgs
	}
	sp = (sp - uintptr(len(ustack))) &^ 15
	if err := s.CopyOut(sp, ustack); err != nil {
		return err
	}

	img.SP, img.Argv, img.Argc = sp, sp, len(argv)
	return nil
}
