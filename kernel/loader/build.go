package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"unsafe"

	"cowos/kernel/mm"
)

// Segment describes a loadable segment of an image produced by Build.
type Segment struct {
	// Addr is the page aligned virtual address of the segment.
	Addr uintptr

	// Data is the file backed part of the segment.
	Data []byte

	// MemSize is the size of the segment in memory. It is raised to
	// len(Data) if smaller; the difference is zero filled.
	MemSize uintptr

	// Flags are the segment permissions.
	Flags elf.ProgFlag
}

// Build returns a 64-bit RISC-V executable holding the supplied segments.
// Segment contents are stored at page aligned file offsets.
func Build(entry uintptr, segs ...Segment) []byte {
	const (
		ehsize = uint16(unsafe.Sizeof(elf.Header64{}))
		phsize = uint16(unsafe.Sizeof(elf.Prog64{}))
	)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     uint64(entry),
		Phoff:     uint64(ehsize),
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var (
		progs = make([]elf.Prog64, len(segs))
		off   = mm.PageRoundUp(uintptr(ehsize) + uintptr(len(segs))*uintptr(phsize))
	)
	for i, seg := range segs {
		memsz := seg.MemSize
		if memsz < uintptr(len(seg.Data)) {
			memsz = uintptr(len(seg.Data))
		}
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    uint64(off),
			Vaddr:  uint64(seg.Addr),
			Paddr:  uint64(seg.Addr),
			Filesz: uint64(len(seg.Data)),
			Memsz:  uint64(memsz),
			Align:  uint64(mm.PageSize),
		}
		off = mm.PageRoundUp(off + uintptr(len(seg.Data)))
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, progs)
	for i, seg := range segs {
		buf.Write(make([]byte, int(progs[i].Off)-buf.Len()))
		buf.Write(seg.Data)
	}
	return buf.Bytes()
}
