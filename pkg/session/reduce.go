package session

import (
	"sync"

	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/handle"
)

// Future resolves exactly once, either to a value or an error, from a
// device completion callback.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] { return &Future[T]{done: make(chan struct{})} }

func (f *Future[T]) resolve(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.value = v
	close(f.done)
}

func (f *Future[T]) reject(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.err = err
	close(f.done)
}

// Wait blocks until the future resolves and returns its value or error.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Done returns a channel closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// reduceDims picks the two-stage tree reduction's work-group shape: a
// single-item group on CPU devices (no benefit to wide parallelism), a wide
// fixed shape on GPU devices, shrunk so stage 1's partials still fit in one
// dust buffer.
func (s *Session) reduceDims(sizeOf int) (nGroups, nLocal int) {
	if s.device.IsCPU() {
		return 1, 1
	}
	nGroups, nLocal = 8192, 128
	for nGroups*sizeOf > s.cfg.DustSize {
		nGroups /= 2
	}
	if nGroups < 1 {
		nGroups = 1
	}
	return nGroups, nLocal
}

var dustPairMu sync.Mutex

// ReduceChunk performs a two-stage tree reduction of in using the kernel
// (always named "reduce") built from key and key.Stage2(). Stage 1 folds in
// into nGroups partials in one dust buffer; stage 2 folds those partials
// into a single value in a second dust buffer; a non-blocking read-back
// resolves the returned future from a completion callback, which is also
// where both dust buffers return to the pool and every intermediate event
// is released.
func ReduceChunk[T any](s *Session, in *Chunk[T], key ReduceSourceKey) (*Future[T], error) {
	sizeOf := in.codec.SizeOf()
	nGroups, nLocal := s.reduceDims(sizeOf)

	// Both dust buffers are taken under one lock so that concurrent
	// reductions cannot each hold one buffer while waiting for a second.
	dustPairMu.Lock()
	partials := s.pool.Get()
	result := s.pool.Get()
	dustPairMu.Unlock()

	args1 := []compute.KernelArg{
		{Buffer: in.mem.Get()},
		{Buffer: partials.Mem.Get()},
		{Local: nLocal * sizeOf},
		{Value: encodeUint32(uint32(in.elems))},
	}
	dims1 := compute.Dimensions{Rank: 1, GlobalSize: []int{nLocal * nGroups}, LocalSize: []int{nLocal}}
	ev1, err := s.callKernel(key, reduceKernelName, args1, []compute.Event{in.ready.Get()}, dims1)
	if err != nil {
		s.pool.Put(partials)
		s.pool.Put(result)
		return nil, err
	}

	args2 := []compute.KernelArg{
		{Buffer: partials.Mem.Get()},
		{Buffer: result.Mem.Get()},
		{Local: nLocal * sizeOf},
		{Value: encodeUint32(uint32(nGroups))},
	}
	dims2 := compute.Dimensions{Rank: 1, GlobalSize: []int{nLocal}, LocalSize: []int{nLocal}}
	ev2, err := s.callKernel(key.Stage2(), reduceKernelName, args2, []compute.Event{ev1}, dims2)
	if err != nil {
		_ = ev1.Wait()
		handle.SafeReleaseEvent(ev1)
		s.pool.Put(partials)
		s.pool.Put(result)
		return nil, err
	}

	hostWindow := make([]byte, sizeOf)
	readEv, err := s.queue.EnqueueReadBuffer(result.Mem.Get(), false, 0, sizeOf, hostWindow, []compute.Event{ev2})
	if err != nil {
		_ = ev2.Wait()
		handle.SafeReleaseEvent(ev1)
		handle.SafeReleaseEvent(ev2)
		s.pool.Put(partials)
		s.pool.Put(result)
		return nil, err
	}

	future := newFuture[T]()
	readEv.SetCallback(func(status error) {
		defer s.pool.Put(partials)
		defer s.pool.Put(result)
		handle.SafeReleaseEvent(ev1)
		handle.SafeReleaseEvent(ev2)
		handle.SafeReleaseEvent(readEv)
		if status != nil {
			future.reject(&compute.DeviceError{Operation: "EnqueueReadBuffer", Err: status})
			return
		}
		future.resolve(in.codec.Decode(0, hostWindow))
	})
	return future, nil
}
