// Package irq routes device interrupts delivered through the platform
// interrupt controller to the handlers registered by device drivers.
package irq

import (
	"cowos/kernel/kfmt"
	"cowos/kernel/sync"
)

// Controller is implemented by the platform interrupt controller.
type Controller interface {
	// Claim returns the highest priority pending interrupt for a hart and
	// marks it as in service, or 0 if none is pending.
	Claim(hart int) int

	// Complete signals that the hart finished servicing irq.
	Complete(hart, irq int)
}

// Handler services a device interrupt.
type Handler func()

var (
	lock       sync.Spinlock
	controller Controller
	handlers   = make(map[int]Handler)
)

// SetController registers the interrupt controller.
func SetController(c Controller) {
	lock.Acquire()
	controller = c
	lock.Release()
}

// ActiveController returns the registered interrupt controller.
func ActiveController() Controller {
	lock.Acquire()
	defer lock.Release()
	return controller
}

// HandleIRQ ensures that handler will be invoked when the device wired to
// line num raises an interrupt. A nil handler removes the registration.
func HandleIRQ(num int, handler Handler) {
	lock.Acquire()
	defer lock.Release()

	if handler == nil {
		delete(handlers, num)
		return
	}
	handlers[num] = handler
}

// Dispatch claims the pending interrupt for hart, invokes its handler and
// signals completion to the controller. It returns the serviced line or 0 if
// nothing was pending.
func Dispatch(hart int) int {
	lock.Acquire()
	c := controller
	lock.Release()
	if c == nil {
		return 0
	}

	num := c.Claim(hart)
	if num == 0 {
		return 0
	}

	lock.Acquire()
	handler := handlers[num]
	lock.Release()

	if handler != nil {
		handler()
	} else {
		kfmt.Printf("unexpected interrupt irq=%d\n", num)
	}

	c.Complete(hart, num)
	return num
}
