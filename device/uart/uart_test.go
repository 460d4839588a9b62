package uart

import (
	"bytes"
	"testing"

	"cowos/kernel"
)

type fakeRaiser struct{ raised []int }

func (r *fakeRaiser) Raise(irq int) *kernel.Error {
	r.raised = append(r.raised, irq)
	return nil
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	u := New(&buf)

	if n, err := u.Write([]byte("hello")); n != 5 || err != nil {
		t.Fatalf("unexpected write result %d, %v", n, err)
	}
	if buf.String() != "hello" {
		t.Fatalf("expected output to reach the host; got %q", buf.String())
	}
}

func TestReceiveAndIntr(t *testing.T) {
	var buf bytes.Buffer
	u := New(&buf)
	r := &fakeRaiser{}
	u.AttachTo(r)

	if err := u.Receive([]byte("lsx\b\n")); err != nil {
		t.Fatal(err)
	}
	if len(r.raised) != 1 || r.raised[0] != IRQ {
		t.Fatalf("expected the UART interrupt to be raised; got %v", r.raised)
	}

	if _, ok := u.ReadLine(); ok {
		t.Fatal("expected no line before the interrupt is serviced")
	}

	u.Intr()
	line, ok := u.ReadLine()
	if !ok || line != "ls" {
		t.Fatalf("expected line %q; got %q (%t)", "ls", line, ok)
	}
	if exp := "lsx\b \b\n"; buf.String() != exp {
		t.Fatalf("expected echo %q; got %q", exp, buf.String())
	}
}

func TestReceiveOverflow(t *testing.T) {
	u := New(&bytes.Buffer{})

	if err := u.Receive(bytes.Repeat([]byte{'a'}, fifoSize+4)); err != ErrFIFOFull {
		t.Fatalf("expected ErrFIFOFull; got %v", err)
	}
	if len(u.rx) != fifoSize {
		t.Fatalf("expected the FIFO to hold %d bytes; got %d", fifoSize, len(u.rx))
	}
}

func TestProbe(t *testing.T) {
	defer SetHost(nil)

	SetHost(nil)
	if probe() != nil {
		t.Fatal("expected no UART without a host writer")
	}

	SetHost(&bytes.Buffer{})
	if drv := probe(); drv == nil || drv.DriverName() != "uart16550" {
		t.Fatal("expected probe to detect the UART")
	}
}
