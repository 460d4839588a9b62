package kfmt

import (
	"sync"

	"cowos/kernel"
	"cowos/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	dumpMu    sync.Mutex
	dumpHooks []func()
)

// RegisterDumpHook registers fn to be invoked by Panic after the error banner
// has been printed and before the system halts. Subsystems use it to dump the
// state needed to diagnose an invariant violation.
func RegisterDumpHook(fn func()) {
	dumpMu.Lock()
	dumpHooks = append(dumpHooks, fn)
	dumpMu.Unlock()
}

// ResetDumpHooks removes every registered dump hook.
func ResetDumpHooks() {
	dumpMu.Lock()
	dumpHooks = nil
	dumpMu.Unlock()
}

// Panic outputs the supplied error (if not nil) to the console, runs the dump
// hooks and halts the CPU. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}

	dumpMu.Lock()
	hooks := append([]func(){}, dumpHooks...)
	dumpMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
