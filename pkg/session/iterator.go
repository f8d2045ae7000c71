package session

import (
	"io"
	"runtime"
	"sync/atomic"

	"github.com/orneryd/clstream/pkg/codec"
	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/handle"
)

// ChunkIterator walks a chunk's elements through at most one mapped window
// at a time, remapping when the read crosses a window boundary. It holds
// its own retain on the chunk's buffer and ready event, independent of the
// chunk's own lifetime, so closing the chunk while an iterator is still
// live does not invalidate the iterator.
type ChunkIterator[T any] struct {
	sess  *Session
	codec codec.Codec[T]
	mem   handle.Buffer
	ready handle.Event
	elems int

	elemsPerWindow int
	window         []byte
	windowOff      int // element index the mapped window starts at; -1 = none mapped
	windowEvent    compute.Event
	touched        bool

	idx    int
	closed int32
}

// Iterate returns a ChunkIterator over c. c may be closed by the caller
// immediately afterward; the iterator keeps the underlying buffer alive via
// its own retain.
func Iterate[T any](s *Session, c *Chunk[T]) (*ChunkIterator[T], error) {
	sizeOf := c.codec.SizeOf()
	elemsPerWindow := s.cfg.MapWindow / sizeOf
	if elemsPerWindow <= 0 {
		elemsPerWindow = 1
	}
	it := &ChunkIterator[T]{
		sess:           s,
		codec:          c.codec,
		mem:            c.mem.Clone(),
		ready:          c.ready.Clone(),
		elems:          c.elems,
		elemsPerWindow: elemsPerWindow,
		windowOff:      -1,
	}
	runtime.SetFinalizer(it, (*ChunkIterator[T]).finalize)
	return it, nil
}

// HasNext reports whether Next has more elements to produce.
func (it *ChunkIterator[T]) HasNext() bool { return it.idx < it.elems }

// Next returns the next element, remapping the iterator's window first if
// the read crosses into a new one. Blocks on first touch of a newly mapped
// window, and on nothing otherwise.
func (it *ChunkIterator[T]) Next() (T, error) {
	var zero T
	if it.idx >= it.elems {
		return zero, io.EOF
	}
	winStart := (it.idx / it.elemsPerWindow) * it.elemsPerWindow
	if it.windowOff != winStart {
		if err := it.remap(winStart); err != nil {
			return zero, err
		}
	}
	if !it.touched {
		if err := it.windowEvent.Wait(); err != nil {
			return zero, err
		}
		it.touched = true
	}
	v := it.codec.Decode(it.idx-it.windowOff, it.window)
	it.idx++
	return v, nil
}

func (it *ChunkIterator[T]) remap(winStart int) error {
	sizeOf := it.codec.SizeOf()
	if it.windowOff >= 0 {
		unmapEv, err := it.sess.queue.EnqueueUnmapMemObject(it.mem.Get(), it.window, nil)
		if err != nil {
			return err
		}
		handle.SafeReleaseEvent(unmapEv)
		handle.SafeReleaseEvent(it.windowEvent)
		it.window = nil
	}

	winElems := it.elemsPerWindow
	if remaining := it.elems - winStart; remaining < winElems {
		winElems = remaining
	}
	byteOff := winStart * sizeOf
	winBytes := winElems * sizeOf

	window, ev, err := it.sess.queue.EnqueueMapBuffer(it.mem.Get(), false, compute.MapRead, byteOff, winBytes, []compute.Event{it.ready.Get()})
	if err != nil {
		return err
	}
	it.window = window
	it.windowOff = winStart
	it.windowEvent = ev
	it.touched = false
	return nil
}

// Close unmaps the current window, if any, and releases the iterator's
// independent retains on the chunk buffer and ready event. Idempotent.
func (it *ChunkIterator[T]) Close() error {
	if !atomic.CompareAndSwapInt32(&it.closed, 0, 1) {
		return nil
	}
	if it.windowOff >= 0 && it.window != nil {
		if unmapEv, err := it.sess.queue.EnqueueUnmapMemObject(it.mem.Get(), it.window, nil); err == nil {
			handle.SafeReleaseEvent(unmapEv)
		}
		handle.SafeReleaseEvent(it.windowEvent)
	}
	it.mem.Release()
	it.ready.Release()
	runtime.SetFinalizer(it, nil)
	return nil
}

func (it *ChunkIterator[T]) finalize() { it.Close() }
