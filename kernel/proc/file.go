package proc

import (
	"io"

	"cowos/kernel"
	"cowos/kernel/sync"
)

var errNotWritable = &kernel.Error{Module: "proc", Message: "file not writable"}

// File is an open file shared between process slots. Dup adds a reference
// and Close drops one.
type File interface {
	io.Writer

	// Dup returns the file after taking an extra reference to it.
	Dup() File

	// Close drops a reference.
	Close()
}

// Ref is a reference counted File backed by an optional writer. It is used
// for the console and for directory references.
type Ref struct {
	lock sync.Spinlock
	refs int
	name string
	w    io.Writer
}

// NewRef returns a file with one reference. w may be nil for files that
// cannot be written.
func NewRef(name string, w io.Writer) *Ref {
	return &Ref{refs: 1, name: name, w: w}
}

// Write implements io.Writer.
func (r *Ref) Write(p []byte) (int, error) {
	if r.w == nil {
		return 0, errNotWritable
	}
	return r.w.Write(p)
}

// Dup implements File.
func (r *Ref) Dup() File {
	r.lock.Acquire()
	r.refs++
	r.lock.Release()
	return r
}

// Close implements File.
func (r *Ref) Close() {
	r.lock.Acquire()
	if r.refs > 0 {
		r.refs--
	}
	r.lock.Release()
}

// Refs returns the number of outstanding references.
func (r *Ref) Refs() int {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.refs
}

// String returns the file name.
func (r *Ref) String() string {
	return r.name
}
