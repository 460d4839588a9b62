// Package plic emulates the platform-level interrupt controller that
// multiplexes device interrupt lines onto the harts.
package plic

import (
	"io"

	"cowos/device"
	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/sync"
)

// Sources is the number of interrupt lines. Line 0 is reserved to mean "no
// interrupt".
const Sources = 64

var errBadSource = &kernel.Error{Module: "plic", Message: "interrupt source out of range"}

// Notifier is implemented by harts that can be woken from a wait for
// interrupt.
type Notifier interface {
	Notify()
}

// PLIC routes device interrupts to harts. A raised line stays pending until
// a hart claims it and is not delivered again until the claim is completed.
type PLIC struct {
	lock      sync.Spinlock
	pending   uint64
	inService uint64
	harts     []Notifier
}

// New returns a controller with no pending interrupts.
func New() *PLIC {
	return &PLIC{}
}

// DriverName returns the name of the driver.
func (p *PLIC) DriverName() string { return "plic" }

// DriverVersion returns the driver version.
func (p *PLIC) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit initializes the controller.
func (p *PLIC) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%d interrupt sources\n", Sources-1)
	return nil
}

// AttachHart registers a hart that should be notified when a line is raised.
func (p *PLIC) AttachHart(n Notifier) {
	p.lock.Acquire()
	p.harts = append(p.harts, n)
	p.lock.Release()
}

// Raise marks an interrupt line as pending and wakes the attached harts.
func (p *PLIC) Raise(irq int) *kernel.Error {
	if irq <= 0 || irq >= Sources {
		return errBadSource
	}

	p.lock.Acquire()
	p.pending |= 1 << uint(irq)
	harts := append([]Notifier(nil), p.harts...)
	p.lock.Release()

	for _, h := range harts {
		h.Notify()
	}
	return nil
}

// Pending returns true if a line is waiting to be claimed.
func (p *PLIC) Pending() bool {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.pending&^p.inService != 0
}

// Claim returns the lowest numbered pending line that is not being serviced
// and marks it as in service. It returns 0 if no line is ready.
func (p *PLIC) Claim(_ int) int {
	p.lock.Acquire()
	defer p.lock.Release()

	ready := p.pending &^ p.inService
	for irq := 1; irq < Sources; irq++ {
		mask := uint64(1) << uint(irq)
		if ready&mask != 0 {
			p.pending &^= mask
			p.inService |= mask
			return irq
		}
	}
	return 0
}

// Complete ends the service of a claimed line.
func (p *PLIC) Complete(_, irq int) {
	if irq <= 0 || irq >= Sources {
		return
	}

	p.lock.Acquire()
	p.inService &^= 1 << uint(irq)
	p.lock.Release()
}

func probe() device.Driver {
	return New()
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probe,
	})
}
