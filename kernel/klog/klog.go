// Package klog hands out structured loggers for kernel subsystems. Every
// logger writes through the kfmt console sink so log lines interleave
// correctly with panic output and early boot messages.
package klog

import (
	"io"
	"log/slog"
	"strings"
	"sync"

	"cowos/kernel/kfmt"
)

var (
	level = new(slog.LevelVar)

	mu   sync.Mutex
	root *slog.Logger
)

// ParseLevel maps a configuration string to a slog level. Unknown values map
// to slog.LevelInfo.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the level shared by all loggers and the writer they emit to.
// A nil writer selects the kfmt console.
func Init(levelName string, w io.Writer) {
	if w == nil {
		w = kfmt.Writer()
	}
	level.Set(ParseLevel(levelName))

	mu.Lock()
	root = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	mu.Unlock()
}

// SetLevel changes the level of every logger handed out by New.
func SetLevel(levelName string) {
	level.Set(ParseLevel(levelName))
}

// New returns a logger tagged with the supplied module name.
func New(module string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if root == nil {
		root = slog.New(slog.NewTextHandler(kfmt.Writer(), &slog.HandlerOptions{Level: level}))
	}
	return root.With("module", module)
}
