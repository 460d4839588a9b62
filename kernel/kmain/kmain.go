// Package kmain boots the simulated machine: it detects the devices, brings
// up physical and virtual memory, creates the process table and the trap
// dispatcher and drives the timer.
package kmain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	gosync "sync"
	"time"

	"cowos/device/plic"
	"cowos/device/uart"
	"cowos/kernel"
	"cowos/kernel/cpu"
	"cowos/kernel/hal"
	"cowos/kernel/kfmt"
	"cowos/kernel/klog"
	"cowos/kernel/mm/pmm"
	"cowos/kernel/mm/vmm"
	"cowos/kernel/proc"
	"cowos/kernel/trap"
)

var (
	errNoConsole = &kernel.Error{Module: "kmain", Message: "no console detected"}
	errNoPLIC    = &kernel.Error{Module: "kmain", Message: "no interrupt controller detected"}
	errStarted   = &kernel.Error{Module: "kmain", Message: "init process already started"}
)

// Kernel is a booted machine.
type Kernel struct {
	cfg *Config
	log *slog.Logger

	alloc   *pmm.Allocator
	pool    *vmm.Pool
	harts   []*cpu.Hart
	console *uart.UART
	intc    *plic.PLIC

	procs *proc.Table
	disp  *trap.Dispatcher

	powerOff     chan struct{}
	powerOffOnce gosync.Once

	peakLock gosync.Mutex
	peakFree int
	peak     []uint8
}

// Boot brings the machine up. Console output goes to host. bins resolves
// the paths passed to exec. The caller must call Shutdown once done with the
// kernel, even if it never ran.
func Boot(cfg *Config, host io.Writer, bins trap.Binaries) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{cfg: cfg, powerOff: make(chan struct{})}

	uart.SetHost(host)
	hal.DetectHardware()
	if k.console = hal.ActiveConsole(); k.console == nil {
		k.Shutdown()
		return nil, errNoConsole
	}
	if k.intc = hal.ActivePLIC(); k.intc == nil {
		k.Shutdown()
		return nil, errNoPLIC
	}

	klog.Init(cfg.LogLevel, nil)
	k.log = klog.New("kmain")

	if err := k.initMemory(); err != nil {
		k.Shutdown()
		return nil, fmt.Errorf("memory init: %w", err)
	}

	for id := 0; id < cfg.NCPU; id++ {
		h := cpu.NewHart(id)
		k.intc.AttachHart(h)
		k.harts = append(k.harts, h)
	}

	k.procs = proc.NewTable(proc.Config{
		NProc:     cfg.NProc,
		Harts:     k.harts,
		Pool:      k.pool,
		EagerHeap: cfg.EagerHeap,
		Logger:    klog.New("proc"),
	})
	k.disp = trap.NewDispatcher(trap.Config{
		Procs:      k.procs,
		Binaries:   bins,
		Interrupts: k.intc,
		Memory:     k.alloc,
		Logger:     klog.New("trap"),
	})

	kfmt.RegisterDumpHook(func() {
		k.procs.Dump(kfmt.Writer())
	})

	k.log.Info("booted",
		"memory", cfg.MemoryBytes.String(),
		"free", k.alloc.AvailableBytes().String(),
		"harts", cfg.NCPU,
		"nproc", cfg.NProc,
		"pool", cfg.PoolSize,
	)
	return k, nil
}

// initMemory sets up the frame allocator, the kernel page table and the
// shadow table pool.
func (k *Kernel) initMemory() error {
	var err *kernel.Error
	if k.alloc, err = pmm.Init(vmm.KernBase, k.cfg.MemoryBytes); err != nil {
		return err
	}
	if err = vmm.Init(vmm.KernBase, k.alloc.Size()); err != nil {
		return err
	}
	if k.pool, err = vmm.NewPool(k.cfg.PoolSize); err != nil {
		return err
	}
	return nil
}

// Procs returns the process table.
func (k *Kernel) Procs() *proc.Table {
	return k.procs
}

// Dispatcher returns the trap dispatcher.
func (k *Kernel) Dispatcher() *trap.Dispatcher {
	return k.disp
}

// Console returns the console UART.
func (k *Kernel) Console() *uart.UART {
	return k.console
}

// Allocator returns the frame allocator.
func (k *Kernel) Allocator() *pmm.Allocator {
	return k.alloc
}

// Start creates the first process running init with the console open on
// descriptors 0, 1 and 2.
func (k *Kernel) Start(init trap.Program) error {
	if k.procs.InitProc() != nil {
		return errStarted
	}

	console := proc.NewRef("console", k.console)
	if err := k.procs.UserInit(k.disp.Entry(init), console, proc.NewRef("/", nil)); err != nil {
		return err
	}
	// The init process holds its own references.
	console.Close()
	return nil
}

// PowerOff asks Run to return. It may be called from user programs.
func (k *Kernel) PowerOff() {
	k.powerOffOnce.Do(func() {
		close(k.powerOff)
	})
}

// Run drives the timer and the schedulers until ctx is done or the machine
// is powered off.
func (k *Kernel) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-k.powerOff:
			k.log.Info("power off")
			cancel()
		case <-ctx.Done():
		}
	}()
	go k.tick(ctx)

	k.procs.Run(ctx)
}

// tick raises a timer interrupt on every hart once per tick interval.
func (k *Kernel) tick(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(k.cfg.TickInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range k.harts {
				h.RaiseTimer()
			}
			if k.cfg.FrameMap != "" {
				k.sampleFrames()
			}
		}
	}
}

// sampleFrames records the reference counts if fewer frames are free than at
// any earlier sample.
func (k *Kernel) sampleFrames() {
	free := k.alloc.FreeFrames()

	k.peakLock.Lock()
	defer k.peakLock.Unlock()
	if k.peak != nil && free >= k.peakFree {
		return
	}
	k.peakFree, k.peak = free, k.alloc.RefCounts()
}

// PeakRefCounts returns the frame reference counts sampled when memory was
// busiest, or the current counts if no sample was taken.
func (k *Kernel) PeakRefCounts() []uint8 {
	k.peakLock.Lock()
	defer k.peakLock.Unlock()
	if k.peak == nil {
		return k.alloc.RefCounts()
	}
	return append([]uint8(nil), k.peak...)
}

// Shutdown detaches the devices and returns the physical memory to the
// host. The kernel must not be running.
func (k *Kernel) Shutdown() {
	kfmt.ResetDumpHooks()
	hal.Reset()
	uart.SetHost(nil)

	if k.alloc != nil {
		if err := k.alloc.Close(); err != nil && k.log != nil {
			k.log.Warn("releasing memory", "err", err)
		}
	}
}
