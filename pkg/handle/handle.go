// Package handle provides RAII-style ownership wrappers over pkg/compute
// handles. Go has no destructors, so every wrapper's Release is idempotent
// and safe to call from both an explicit Close path and a runtime finalizer
// without double-releasing the underlying native handle.
package handle

import "github.com/orneryd/clstream/pkg/compute"

// Event owns at most one retain on a compute.Event. The zero value owns
// nothing and Release on it is a no-op.
type Event struct {
	ev compute.Event
}

// NewEvent wraps an event this call already owns a retain on (e.g. the one
// returned by an Enqueue* call). It does not retain again.
func NewEvent(ev compute.Event) Event { return Event{ev: ev} }

// Get returns the underlying event, or nil if this wrapper owns nothing.
func (r Event) Get() compute.Event { return r.ev }

// Clone retains and returns a second independently-owned Event.
func (r Event) Clone() Event {
	if r.ev == nil {
		return Event{}
	}
	return Event{ev: r.ev.Retain()}
}

// Release releases the owned retain, if any, and is idempotent.
func (r *Event) Release() {
	SafeReleaseEvent(r.ev)
	r.ev = nil
}

// SafeReleaseEvent releases e if non-nil. Safe to call on a nil interface
// value, which is the sentinel used throughout this module for "no event".
func SafeReleaseEvent(e compute.Event) {
	if e != nil {
		e.Release()
	}
}

// Buffer owns at most one retain on a compute.MemObject.
type Buffer struct {
	mem compute.MemObject
}

func NewBuffer(mem compute.MemObject) Buffer { return Buffer{mem: mem} }

func (r Buffer) Get() compute.MemObject { return r.mem }

func (r Buffer) Clone() Buffer {
	if r.mem == nil {
		return Buffer{}
	}
	return Buffer{mem: r.mem.Retain()}
}

func (r *Buffer) Release() {
	if r.mem != nil {
		r.mem.Release()
		r.mem = nil
	}
}

// Kernel owns at most one retain on a compute.Kernel.
type Kernel struct {
	k compute.Kernel
}

func NewKernel(k compute.Kernel) Kernel { return Kernel{k: k} }

func (r Kernel) Get() compute.Kernel { return r.k }

func (r *Kernel) Release() {
	if r.k != nil {
		r.k.Release()
		r.k = nil
	}
}

// Program owns at most one retain on a compute.Program.
type Program struct {
	p compute.Program
}

func NewProgram(p compute.Program) Program { return Program{p: p} }

func (r Program) Get() compute.Program { return r.p }

func (r Program) Clone() Program {
	if r.p == nil {
		return Program{}
	}
	return Program{p: r.p.Retain()}
}

func (r *Program) Release() {
	if r.p != nil {
		r.p.Release()
		r.p = nil
	}
}
