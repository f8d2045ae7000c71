package session

import (
	"sync/atomic"

	"github.com/orneryd/clstream/pkg/codec"
	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/handle"
)

// MapChunk applies the kernel named by key to every element of in,
// producing a chunk of B. If destructive is true and A and B are the same
// width, the kernel runs in place and the returned chunk takes over in's
// buffer outright: in becomes permanently closed (Close on it is a no-op)
// rather than leaving two Chunk values sharing one handle. If destructive
// is true but the widths differ, a new output buffer is allocated and in is
// closed once the kernel's args are bound. If destructive is false, in is
// left open and the caller remains responsible for closing it.
func MapChunk[A, B any](s *Session, in *Chunk[A], codecB codec.Codec[B], key MapSourceKey, destructive bool) (*Chunk[B], error) {
	sizeA := in.codec.SizeOf()
	sizeB := codecB.SizeOf()
	inPlace := destructive && sizeA == sizeB

	args := []compute.KernelArg{{Buffer: in.mem.Get()}}

	var outMem compute.MemObject
	if !inPlace {
		mem, err := s.ctx.CreateBuffer(compute.MemReadWrite, in.elems*sizeB, nil)
		if err != nil {
			return nil, err
		}
		outMem = mem
		args = append(args, compute.KernelArg{Buffer: outMem})
	}

	dims := compute.Dimensions{Rank: 1, GlobalSize: []int{in.elems}}
	ev, err := s.callKernel(key, key.Name(), args, []compute.Event{in.ready.Get()}, dims)
	if err != nil {
		if outMem != nil {
			outMem.Release()
		}
		return nil, err
	}

	if inPlace {
		out := newChunk[B](s, codecB, in.elems, in.space, in.mem.Get(), ev)
		// Ownership of the buffer has moved to out, but in's own ready
		// event (the upload/map event the dispatch just consumed as a
		// dependency) is still in's to release — ev is a new event owned
		// by out, not a replacement retain on in.ready.
		in.ready.Release()
		in.mem = handle.Buffer{}
		atomic.StoreInt32(&in.closed, 1)
		return out, nil
	}

	if destructive {
		in.Close()
	}
	return newChunk[B](s, codecB, in.elems, in.elems*sizeB, outMem, ev), nil
}
