// Package uart emulates the 16550a compatible serial port used as the system
// console. Output is forwarded to a host writer; input injected by the host
// is queued in the receive FIFO and announced with an interrupt.
package uart

import (
	"io"

	"cowos/device"
	"cowos/kernel"
	"cowos/kernel/kfmt"
	"cowos/kernel/sync"
)

const (
	// IRQ is the interrupt line the UART is wired to.
	IRQ = 10

	// fifoSize is the depth of the receive FIFO.
	fifoSize = 32

	// inputSize bounds the console line being edited.
	inputSize = 128
)

var (
	// ErrFIFOFull is returned by Receive when the receive FIFO overflows.
	ErrFIFOFull = &kernel.Error{Module: "uart", Message: "receive FIFO full"}

	// hostWriter is where transmitted bytes end up. The UART is only
	// detected if it is set.
	hostWriter io.Writer
)

// SetHost connects the transmit side of the UART to w. It must be called
// before hardware detection.
func SetHost(w io.Writer) {
	hostWriter = w
}

// Raiser is implemented by the interrupt controller the UART signals.
type Raiser interface {
	Raise(irq int) *kernel.Error
}

// UART is the console serial port.
type UART struct {
	lock   sync.Spinlock
	out    io.Writer
	raiser Raiser

	rx    []byte
	input []byte
	lines []string
}

// New returns a UART transmitting to out.
func New(out io.Writer) *UART {
	return &UART{out: out}
}

// DriverName returns the name of the driver.
func (u *UART) DriverName() string { return "uart16550" }

// DriverVersion returns the driver version.
func (u *UART) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit initializes the device.
func (u *UART) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "irq %d, %d byte fifo\n", IRQ, fifoSize)
	return nil
}

// AttachTo wires the UART interrupt line to r.
func (u *UART) AttachTo(r Raiser) {
	u.lock.Acquire()
	u.raiser = r
	u.lock.Release()
}

// Write transmits p synchronously.
func (u *UART) Write(p []byte) (int, error) {
	u.lock.Acquire()
	defer u.lock.Release()
	return u.out.Write(p)
}

// Receive queues bytes arriving on the serial line and raises the UART
// interrupt. Bytes that do not fit in the FIFO are dropped.
func (u *UART) Receive(p []byte) *kernel.Error {
	u.lock.Acquire()
	var err *kernel.Error
	room := fifoSize - len(u.rx)
	if len(p) > room {
		p, err = p[:room], ErrFIFOFull
	}
	u.rx = append(u.rx, p...)
	r := u.raiser
	u.lock.Release()

	if r != nil && len(p) > 0 {
		if rerr := r.Raise(IRQ); rerr != nil {
			return rerr
		}
	}
	return err
}

// Intr drains the receive FIFO into the console line editor. Received
// characters are echoed; a newline completes the line being edited.
func (u *UART) Intr() {
	u.lock.Acquire()
	defer u.lock.Release()

	for _, c := range u.rx {
		switch {
		case c == '\r' || c == '\n':
			u.lines = append(u.lines, string(u.input))
			u.input = u.input[:0]
			_, _ = u.out.Write([]byte{'\n'})
		case c == 0x7f || c == '\b':
			if len(u.input) > 0 {
				u.input = u.input[:len(u.input)-1]
				_, _ = u.out.Write([]byte("\b \b"))
			}
		case len(u.input) < inputSize:
			u.input = append(u.input, c)
			_, _ = u.out.Write([]byte{c})
		}
	}
	u.rx = u.rx[:0]
}

// ReadLine returns the oldest complete input line.
func (u *UART) ReadLine() (string, bool) {
	u.lock.Acquire()
	defer u.lock.Release()

	if len(u.lines) == 0 {
		return "", false
	}
	line := u.lines[0]
	u.lines = u.lines[1:]
	return line, true
}

func probe() device.Driver {
	if hostWriter == nil {
		return nil
	}
	return New(hostWriter)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: probe,
	})
}
