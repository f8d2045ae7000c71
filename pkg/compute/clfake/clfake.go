// Package clfake is an in-process simulation of pkg/compute, used by every
// test in this module and by any caller exercising the session engine off
// real hardware. It honors event dependency ordering (an enqueue only runs
// once every event in its wait list has fired), executes registered Go
// closures in place of real kernel source, and supports per-call failure
// injection so the handle/event-balance and forced-failure Testable
// Properties can be driven deterministically.
package clfake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/clstream/pkg/compute"
)

var errInjected = errors.New("clfake: injected failure")

// KernelFunc simulates the arithmetic a named kernel performs against its
// bound arguments. Registered with Backend.RegisterKernel.
type KernelFunc func(args []BoundArg, dims compute.Dimensions) error

// BoundArg is the resolved form of a compute.KernelArg against this
// backend's concrete Buffer type.
type BoundArg struct {
	Buffer *Buffer
	Local  int
	Scalar []byte
}

// Uint32 decodes this argument's scalar bytes as a little-endian uint32.
func (a BoundArg) Uint32() uint32 { return binary.LittleEndian.Uint32(a.Scalar) }

// Backend implements compute.Context, compute.Queue and compute.Device. A
// single Backend stands in for one device's context and its one command
// queue, which matches how Session uses them.
//
// It also tracks, per handle kind, the number of outstanding retains across
// every buffer, event, program and kernel it has ever created — one on
// creation, one more per Retain/Clone, one fewer per Release. A well-behaved
// caller that creates, retains and releases in balance drives every counter
// back to zero; a leaked retain holds one open forever. Live* exposes these
// for exactly the kind of Testable Property assertion that can't be driven
// from Release's over-release panic alone.
type Backend struct {
	mu      sync.Mutex
	kernels map[string]KernelFunc
	faults  map[string]int

	hostUnified bool
	nvidia      bool
	cpu         bool

	liveBuffers  int64
	liveEvents   int64
	livePrograms int64
	liveKernels  int64
}

// LiveBuffers reports the number of outstanding buffer retains.
func (b *Backend) LiveBuffers() int64 { return atomic.LoadInt64(&b.liveBuffers) }

// LiveEvents reports the number of outstanding event retains.
func (b *Backend) LiveEvents() int64 { return atomic.LoadInt64(&b.liveEvents) }

// LivePrograms reports the number of outstanding program retains.
func (b *Backend) LivePrograms() int64 { return atomic.LoadInt64(&b.livePrograms) }

// LiveKernels reports the number of outstanding kernel retains.
func (b *Backend) LiveKernels() int64 { return atomic.LoadInt64(&b.liveKernels) }

// NewBackend returns a Backend with no kernels registered and no device
// quirks set (staged upload policy, non-NVIDIA, GPU device type).
func NewBackend() *Backend {
	return &Backend{
		kernels: make(map[string]KernelFunc),
		faults:  make(map[string]int),
	}
}

// RegisterKernel associates a kernel entry-point name with the Go closure
// that simulates it. CreateKernel fails for any name without one.
func (b *Backend) RegisterKernel(name string, fn KernelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernels[name] = fn
}

func (b *Backend) SetHostUnifiedMemory(v bool) { b.hostUnified = v }
func (b *Backend) SetVendorNVIDIA(v bool)      { b.nvidia = v }
func (b *Backend) SetDeviceIsCPU(v bool)       { b.cpu = v }

func (b *Backend) HostUnifiedMemory() bool { return b.hostUnified }
func (b *Backend) VendorIsNVIDIA() bool    { return b.nvidia }
func (b *Backend) IsCPU() bool             { return b.cpu }

// FailNext arranges for the next n calls to the named operation (e.g.
// "CreateBuffer", "BuildProgram", "EnqueueNDRangeKernel") to fail with a
// synthetic error instead of running. Operation names follow the OpenCL
// call each method stands in for: "BuildProgram" guards Program.Build and
// "SetKernelArg" guards Kernel.SetArg; every other name is the method name
// itself.
func (b *Backend) FailNext(op string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = n
}

func (b *Backend) shouldFail(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.faults[op]
	if n <= 0 {
		return false
	}
	b.faults[op] = n - 1
	return true
}

func waitAll(evs []compute.Event) error {
	for _, e := range evs {
		if e == nil {
			continue
		}
		if err := e.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Buffer is a device buffer backed by a plain byte slice.
type Buffer struct {
	mu      sync.Mutex
	backend *Backend
	data    []byte
	refs    int32
}

// Data returns the buffer's backing bytes. Intended for use by test-defined
// KernelFunc closures; production code reaches buffer contents only through
// EnqueueMapBuffer/EnqueueReadBuffer like a real backend would require.
func (b *Buffer) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func (b *Buffer) Retain() compute.MemObject {
	atomic.AddInt32(&b.refs, 1)
	atomic.AddInt64(&b.backend.liveBuffers, 1)
	return b
}

func (b *Buffer) Release() {
	if n := atomic.AddInt32(&b.refs, -1); n < 0 {
		panic("clfake: buffer released more times than retained")
	}
	atomic.AddInt64(&b.backend.liveBuffers, -1)
}

func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Backend) CreateBuffer(flags compute.BufferFlags, size int, hostPtr []byte) (compute.MemObject, error) {
	if b.shouldFail("CreateBuffer") {
		return nil, &compute.DeviceError{Operation: "CreateBuffer", Err: errInjected}
	}
	data := make([]byte, size)
	if hostPtr != nil {
		copy(data, hostPtr)
	}
	atomic.AddInt64(&b.liveBuffers, 1)
	return &Buffer{data: data, refs: 1, backend: b}, nil
}

// Program is a no-op compiled artifact; its only job is to resolve kernel
// names against the backend's registry once built.
type Program struct {
	backend *Backend
	built   bool
	refs    int32
}

func (b *Backend) CreateProgramWithSource(fragments []string) (compute.Program, error) {
	if b.shouldFail("CreateProgramWithSource") {
		return nil, &compute.DeviceError{Operation: "CreateProgramWithSource", Err: errInjected}
	}
	atomic.AddInt64(&b.livePrograms, 1)
	return &Program{backend: b, refs: 1}, nil
}

func (p *Program) Build(options string) error {
	if p.backend.shouldFail("BuildProgram") {
		return &compute.CompileError{Log: "clfake: simulated build failure"}
	}
	p.built = true
	return nil
}

func (p *Program) CreateKernel(name string) (compute.Kernel, error) {
	if p.backend.shouldFail("CreateKernel") {
		return nil, &compute.DeviceError{Operation: "CreateKernel", Err: errInjected}
	}
	if !p.built {
		return nil, &compute.DeviceError{Operation: "CreateKernel", Err: errors.New("clfake: program not built")}
	}
	p.backend.mu.Lock()
	fn, ok := p.backend.kernels[name]
	p.backend.mu.Unlock()
	if !ok {
		return nil, &compute.DeviceError{Operation: "CreateKernel", Err: fmt.Errorf("clfake: no kernel registered for %q", name)}
	}
	atomic.AddInt64(&p.backend.liveKernels, 1)
	return &Kernel{backend: p.backend, fn: fn, args: map[int]BoundArg{}, refs: 1}, nil
}

func (p *Program) Retain() compute.Program {
	atomic.AddInt32(&p.refs, 1)
	atomic.AddInt64(&p.backend.livePrograms, 1)
	return p
}

func (p *Program) Release() {
	if n := atomic.AddInt32(&p.refs, -1); n < 0 {
		panic("clfake: program released more times than retained")
	}
	atomic.AddInt64(&p.backend.livePrograms, -1)
}

// Kernel binds arguments for a single dispatch.
type Kernel struct {
	backend *Backend
	fn      KernelFunc
	args    map[int]BoundArg
	maxIdx  int
	refs    int32
}

func (k *Kernel) SetArg(index int, arg compute.KernelArg) error {
	if k.backend.shouldFail("SetKernelArg") {
		return &compute.DeviceError{Operation: "SetKernelArg", Err: errInjected}
	}
	bound := BoundArg{Local: arg.Local, Scalar: arg.Value}
	if arg.Buffer != nil {
		buf, ok := arg.Buffer.(*Buffer)
		if !ok {
			return &compute.DeviceError{Operation: "SetKernelArg", Err: errors.New("clfake: foreign buffer type")}
		}
		bound.Buffer = buf
	}
	k.args[index] = bound
	if index+1 > k.maxIdx {
		k.maxIdx = index + 1
	}
	return nil
}

func (k *Kernel) Retain() compute.Kernel {
	atomic.AddInt32(&k.refs, 1)
	atomic.AddInt64(&k.backend.liveKernels, 1)
	return k
}

func (k *Kernel) Release() {
	if n := atomic.AddInt32(&k.refs, -1); n < 0 {
		panic("clfake: kernel released more times than retained")
	}
	atomic.AddInt64(&k.backend.liveKernels, -1)
}

func (k *Kernel) boundArgs() []BoundArg {
	out := make([]BoundArg, k.maxIdx)
	for i, a := range k.args {
		out[i] = a
	}
	return out
}

// Event is a completion signal fired exactly once from a goroutine that
// first waits on its own dependency list.
type Event struct {
	mu        sync.Mutex
	backend   *Backend
	done      chan struct{}
	fired     bool
	err       error
	refs      int32
	queuedAt  int64
	endAt     int64
	callbacks []func(error)
}

func newEvent(b *Backend) *Event {
	atomic.AddInt64(&b.liveEvents, 1)
	return &Event{backend: b, done: make(chan struct{}), refs: 1, queuedAt: time.Now().UnixNano()}
}

func (e *Event) complete(err error) {
	e.mu.Lock()
	if e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	e.err = err
	e.endAt = time.Now().UnixNano()
	cbs := e.callbacks
	e.mu.Unlock()
	close(e.done)
	for _, cb := range cbs {
		cb(err)
	}
}

func (e *Event) Retain() compute.Event {
	atomic.AddInt32(&e.refs, 1)
	atomic.AddInt64(&e.backend.liveEvents, 1)
	return e
}

func (e *Event) Release() {
	if n := atomic.AddInt32(&e.refs, -1); n < 0 {
		panic("clfake: event released more times than retained")
	}
	atomic.AddInt64(&e.backend.liveEvents, -1)
}

func (e *Event) Wait() error {
	<-e.done
	return e.err
}

func (e *Event) SetCallback(fn func(status error)) {
	e.mu.Lock()
	if e.fired {
		err := e.err
		e.mu.Unlock()
		fn(err)
		return
	}
	e.callbacks = append(e.callbacks, fn)
	e.mu.Unlock()
}

func (e *Event) Profiling() (queuedNS, endNS uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.fired {
		return 0, 0, false
	}
	return uint64(e.queuedAt), uint64(e.endAt), true
}

func (b *Backend) EnqueueNDRangeKernel(kernel compute.Kernel, dims compute.Dimensions, waitList []compute.Event) (compute.Event, error) {
	if b.shouldFail("EnqueueNDRangeKernel") {
		return nil, &compute.DeviceError{Operation: "EnqueueNDRangeKernel", Err: errInjected}
	}
	k, ok := kernel.(*Kernel)
	if !ok {
		return nil, &compute.DeviceError{Operation: "EnqueueNDRangeKernel", Err: errors.New("clfake: foreign kernel")}
	}
	ev := newEvent(b)
	args := k.boundArgs()
	go func() {
		if err := waitAll(waitList); err != nil {
			ev.complete(err)
			return
		}
		ev.complete(k.fn(args, dims))
	}()
	return ev, nil
}

func (b *Backend) EnqueueMapBuffer(mem compute.MemObject, blocking bool, flags compute.MapFlags, offset, size int, waitList []compute.Event) ([]byte, compute.Event, error) {
	if b.shouldFail("EnqueueMapBuffer") {
		return nil, nil, &compute.DeviceError{Operation: "EnqueueMapBuffer", Err: errInjected}
	}
	buf, ok := mem.(*Buffer)
	if !ok {
		return nil, nil, &compute.DeviceError{Operation: "EnqueueMapBuffer", Err: errors.New("clfake: foreign buffer")}
	}
	buf.mu.Lock()
	window := buf.data[offset : offset+size]
	buf.mu.Unlock()

	ev := newEvent(b)
	if blocking {
		err := waitAll(waitList)
		ev.complete(err)
		return window, ev, err
	}
	go func() { ev.complete(waitAll(waitList)) }()
	return window, ev, nil
}

func (b *Backend) EnqueueUnmapMemObject(mem compute.MemObject, hostPtr []byte, waitList []compute.Event) (compute.Event, error) {
	if b.shouldFail("EnqueueUnmapMemObject") {
		return nil, &compute.DeviceError{Operation: "EnqueueUnmapMemObject", Err: errInjected}
	}
	ev := newEvent(b)
	go func() { ev.complete(waitAll(waitList)) }()
	return ev, nil
}

func (b *Backend) EnqueueCopyBuffer(src, dst compute.MemObject, srcOffset, dstOffset, size int, waitList []compute.Event) (compute.Event, error) {
	if b.shouldFail("EnqueueCopyBuffer") {
		return nil, &compute.DeviceError{Operation: "EnqueueCopyBuffer", Err: errInjected}
	}
	s, ok1 := src.(*Buffer)
	d, ok2 := dst.(*Buffer)
	if !ok1 || !ok2 {
		return nil, &compute.DeviceError{Operation: "EnqueueCopyBuffer", Err: errors.New("clfake: foreign buffer")}
	}
	ev := newEvent(b)
	go func() {
		if err := waitAll(waitList); err != nil {
			ev.complete(err)
			return
		}
		s.mu.Lock()
		d.mu.Lock()
		copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
		d.mu.Unlock()
		s.mu.Unlock()
		ev.complete(nil)
	}()
	return ev, nil
}

func (b *Backend) EnqueueReadBuffer(mem compute.MemObject, blocking bool, offset, size int, dst []byte, waitList []compute.Event) (compute.Event, error) {
	if b.shouldFail("EnqueueReadBuffer") {
		return nil, &compute.DeviceError{Operation: "EnqueueReadBuffer", Err: errInjected}
	}
	buf, ok := mem.(*Buffer)
	if !ok {
		return nil, &compute.DeviceError{Operation: "EnqueueReadBuffer", Err: errors.New("clfake: foreign buffer")}
	}
	do := func() error {
		if err := waitAll(waitList); err != nil {
			return err
		}
		buf.mu.Lock()
		copy(dst, buf.data[offset:offset+size])
		buf.mu.Unlock()
		return nil
	}
	ev := newEvent(b)
	if blocking {
		err := do()
		ev.complete(err)
		return ev, err
	}
	go func() { ev.complete(do()) }()
	return ev, nil
}
