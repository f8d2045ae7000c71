// Package dustpool implements the Dust Pool: a bounded freelist of small,
// fixed-size device buffers used as reduction scratch space. Get blocks
// until a buffer is available; Put never blocks and never rejects a
// buffer, because the pool's channel capacity always equals the number of
// dust buffers in circulation, so every Put has room.
package dustpool

import (
	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/handle"
)

const (
	// DefaultCapacity is the default number of dust buffers in the pool.
	DefaultCapacity = 32
	// DefaultSize is the default size in bytes of each dust buffer.
	DefaultSize = 64 * 1024
)

// Buffer is one dust buffer checked out of or returned to a Pool. Mem owns
// exactly one retain on the underlying device buffer, released once by the
// pool on Close.
type Buffer struct {
	Mem  handle.Buffer
	Size int
}

// Pool is a bounded, blocking-get freelist of dust buffers.
type Pool struct {
	free chan Buffer
	all  []Buffer
}

// New allocates capacity dust buffers of size bytes each, up front, and
// returns a Pool ready to hand them out. If an allocation fails partway
// through, every buffer allocated so far is released before returning the
// error.
func New(ctx compute.Context, capacity, size int) (*Pool, error) {
	p := &Pool{free: make(chan Buffer, capacity), all: make([]Buffer, 0, capacity)}
	for i := 0; i < capacity; i++ {
		mem, err := ctx.CreateBuffer(compute.MemReadWrite, size, nil)
		if err != nil {
			p.releaseAll()
			return nil, err
		}
		buf := Buffer{Mem: handle.NewBuffer(mem), Size: size}
		p.all = append(p.all, buf)
		p.free <- buf
	}
	return p, nil
}

// Get blocks until a dust buffer is available and returns it.
func (p *Pool) Get() Buffer {
	return <-p.free
}

// Put returns a dust buffer to circulation. Callers must only do this once
// every event that read or wrote the buffer has fired, never while a
// command that uses it may still be pending.
func (p *Pool) Put(buf Buffer) {
	p.free <- buf
}

// Close releases every dust buffer's native handle, whether or not it is
// currently in the free list. Not safe to call while any buffer is still
// checked out.
func (p *Pool) Close() {
	p.releaseAll()
}

func (p *Pool) releaseAll() {
	for _, buf := range p.all {
		buf.Mem.Release()
	}
	p.all = nil
}
