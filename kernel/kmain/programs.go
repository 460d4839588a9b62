package kmain

import (
	"debug/elf"
	"strconv"
	"strings"

	"cowos/kernel/loader"
	"cowos/kernel/mm"
	"cowos/kernel/trap"
)

// image builds the executable of a demo program: a text segment holding
// the program name followed by one page of zeroed data.
func image(name string) []byte {
	return loader.Build(0,
		loader.Segment{Data: []byte(name), Flags: elf.PF_R | elf.PF_X},
		loader.Segment{Addr: mm.PageSize, MemSize: mm.PageSize, Flags: elf.PF_R | elf.PF_W},
	)
}

// Binaries returns the demo programs.
func Binaries() trap.Catalog {
	return trap.Catalog{
		"/bin/echo":     {Image: image("echo"), Main: echo},
		"/bin/cowtest":  {Image: image("cowtest"), Main: cowtest},
		"/bin/lazytest": {Image: image("lazytest"), Main: lazytest},
		"/bin/sysinfo":  {Image: image("sysinfo"), Main: sysinfo},
	}
}

// Shell returns an init program that runs every command in turn, reaps
// orphans while waiting and powers the machine off when done.
func (k *Kernel) Shell(cmds ...[]string) trap.Program {
	return func(u *trap.User) {
		for _, argv := range cmds {
			pid := u.Fork(func(u *trap.User) {
				u.Exec(argv[0], argv)
				u.Print("exec " + argv[0] + " failed\n")
				u.Exit(1)
			})
			if pid < 0 {
				u.Print("init: fork failed\n")
				continue
			}

			for {
				wpid, status := u.Wait()
				if wpid < 0 {
					break
				}
				if wpid == pid {
					if status != 0 {
						u.Print(argv[0] + ": exit status " + strconv.Itoa(status) + "\n")
					}
					break
				}
			}
		}

		k.PowerOff()
		for {
			u.Sleep(1 << 30)
		}
	}
}

func echo(u *trap.User) {
	args := u.Args()
	if len(args) > 0 {
		args = args[1:]
	}
	u.Print(strings.Join(args, " ") + "\n")
}

func sysinfo(u *trap.User) {
	free, nproc, ok := u.Sysinfo()
	if !ok {
		u.Print("sysinfo: FAILED\n")
		u.Exit(1)
	}
	u.Print("sysinfo: " + strconv.FormatUint(free, 10) + " bytes free, " + strconv.FormatUint(nproc, 10) + " processes\n")
}

// freePages returns the number of free frames reported by sysinfo.
func freePages(u *trap.User) int {
	free, _, _ := u.Sysinfo()
	return int(uintptr(free) / mm.PageSize)
}

// touch writes a marker into every page of [start, start+pages*PageSize).
func touch(u *trap.User, start uintptr, pages int, marker uint64) {
	for i := 0; i < pages; i++ {
		u.Store64(start+uintptr(i)*mm.PageSize, marker+uint64(i))
	}
}

// verify checks the markers written by touch.
func verify(u *trap.User, start uintptr, pages int, marker uint64) bool {
	for i := 0; i < pages; i++ {
		if u.Load64(start+uintptr(i)*mm.PageSize) != marker+uint64(i) {
			return false
		}
	}
	return true
}

// cowtest checks that fork shares memory instead of copying it and that
// writes after the fork stay private.
func cowtest(u *trap.User) {
	fail := func(what string) {
		u.Print("cowtest: " + what + ": FAILED\n")
		u.Exit(1)
	}

	// More than half of memory: an eager fork could not copy it.
	pages := freePages(u) * 2 / 3
	heap := uintptr(u.Sbrk(pages * int(mm.PageSize)))
	touch(u, heap, pages, 0x1000)

	pid := u.Fork(func(u *trap.User) { u.Exit(0) })
	if pid < 0 {
		fail("simple fork")
	}
	if _, status := u.Wait(); status != 0 {
		fail("simple wait")
	}
	u.Sbrk(-pages * int(mm.PageSize))
	u.Print("cowtest: simple ok\n")

	// A quarter of memory shared by three processes, each writing its own
	// copy of half of the pages.
	pages = freePages(u) / 4
	heap = uintptr(u.Sbrk(pages * int(mm.PageSize)))
	touch(u, heap, pages, 0x2000)

	half := pages / 2
	for child := 0; child < 2; child++ {
		marker := uint64(0x3000 * (child + 1))
		pid = u.Fork(func(u *trap.User) {
			touch(u, heap, half, marker)
			if !verify(u, heap, half, marker) || !verify(u, heap+uintptr(half)*mm.PageSize, pages-half, 0x2000+uint64(half)) {
				u.Exit(1)
			}
			u.Exit(0)
		})
		if pid < 0 {
			fail("three fork")
		}
	}
	for child := 0; child < 2; child++ {
		if _, status := u.Wait(); status != 0 {
			fail("three child")
		}
	}
	if !verify(u, heap, pages, 0x2000) {
		fail("three parent")
	}
	u.Sbrk(-pages * int(mm.PageSize))
	u.Print("cowtest: three ok\n")

	u.Print("cowtest: ok\n")
}

// lazytest checks that sbrk does not back memory before it is touched and
// that a stray access kills only the offender.
func lazytest(u *trap.User) {
	before := freePages(u)

	// Larger than physical memory.
	const huge = 1 << 27
	heap := uintptr(u.Sbrk(huge))
	if int64(heap) < 0 {
		u.Print("lazytest: sbrk: FAILED\n")
		u.Exit(1)
	}
	for _, off := range []uintptr{0, huge / 2, huge - 8} {
		u.Store64(heap+off, uint64(off))
	}
	if used := before - freePages(u); used > 16 {
		u.Print("lazytest: " + strconv.Itoa(used) + " pages used: FAILED\n")
		u.Exit(1)
	}
	u.Sbrk(-huge)

	u.Fork(func(u *trap.User) {
		u.Store8(heap+huge, 1)
		u.Exit(0)
	})
	if _, status := u.Wait(); status != -1 {
		u.Print("lazytest: stray store survived: FAILED\n")
		u.Exit(1)
	}

	u.Print("lazytest: ok\n")
}
