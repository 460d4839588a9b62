// Package kfmt provides the kernel's console output path: formatted printing
// into a single output sink, the early boot buffer that holds output produced
// before a console driver is attached, and the kernel panic routine.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// sinkMu serializes writes to the sink; console devices are not
	// reentrant.
	sinkMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before a
	// console is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// consoleWriter is the io.Writer returned by Writer.
	consoleWriter = writerFunc(write)
)

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink or nil if output is
// still being buffered.
func GetOutputSink() io.Writer {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	return outputSink
}

// Writer returns an io.Writer that forwards to whatever sink is active at the
// time of each write. Loggers hold on to it across SetOutputSink calls.
func Writer() io.Writer {
	return consoleWriter
}

// Printf formats according to a format specifier and writes to the active
// output sink. It supports the same verbs as fmt.Printf.
func Printf(format string, args ...interface{}) {
	Fprintf(consoleWriter, format, args...)
}

// Fprintf behaves like Printf but writes to w. Writes to the console sink are
// serialized with all other console output.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	// format first so that a single Write reaches the sink
	_, _ = w.Write([]byte(fmt.Sprintf(format, args...)))
}

func write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}
