package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfEarlyBuffer(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(nil)

	Printf("booting %d harts with %s\n", 2, "32MiB")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "booting 2 harts with 32MiB\n", buf.String(); got != exp {
		t.Fatalf("expected early output to be flushed to the sink as %q; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the active sink")
	}

	buf.Reset()
	Fprintf(Writer(), "pid %d\n", 7)
	if exp, got := "pid 7\n", buf.String(); got != exp {
		t.Fatalf("expected Writer to forward to the active sink; got %q", got)
	}
}
