package session

import (
	"runtime"
	"sync/atomic"

	"github.com/orneryd/clstream/pkg/codec"
	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/handle"
)

// Chunk is a fixed-capacity window of elements of type T living in a single
// device buffer, ready once its ready event fires. A Chunk owns exactly one
// retain on its buffer and, after any operation consumes it, Close becomes
// a permanent no-op.
type Chunk[T any] struct {
	sess   *Session
	codec  codec.Codec[T]
	elems  int
	space  int
	mem    handle.Buffer
	ready  handle.Event
	closed int32
}

func newChunk[T any](sess *Session, cd codec.Codec[T], elems, space int, mem compute.MemObject, ready compute.Event) *Chunk[T] {
	c := &Chunk[T]{sess: sess, codec: cd, elems: elems, space: space, mem: handle.NewBuffer(mem), ready: handle.NewEvent(ready)}
	runtime.SetFinalizer(c, (*Chunk[T]).finalize)
	return c
}

// Elems reports how many elements of T this chunk actually holds.
func (c *Chunk[T]) Elems() int { return c.elems }

// Space reports the chunk's backing buffer size in bytes.
func (c *Chunk[T]) Space() int { return c.space }

// Close releases the chunk's buffer retain and its ready event. Idempotent:
// safe to call more than once, and safe to call on a chunk whose ownership
// was transferred elsewhere (e.g. by a destructive MapChunk), in which case
// it is a no-op.
func (c *Chunk[T]) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.ready.Release()
	c.mem.Release()
	runtime.SetFinalizer(c, nil)
	return nil
}

func (c *Chunk[T]) finalize() { c.Close() }
