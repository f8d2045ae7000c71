// Package compute declares the device-API surface the session engine is
// built against: contexts, command queues, devices, memory objects,
// programs, kernels and completion events. It mirrors the primitives of a
// command-queue-based compute API (the family OpenCL represents) without
// committing callers to any one binding.
//
// Two implementations satisfy these interfaces in this module:
// pkg/compute/opencl (a real cgo binding, gated behind the "opencl" build
// tag) and pkg/compute/clfake (an in-process simulation used by every test
// in this repository). Bootstrapping a Context/Queue/Device — platform and
// device selection, context creation — is outside this package's scope; it
// is handed in by the caller, the same way it is handed to a NornicDB GPU
// backend's NewDevice constructor.
package compute

import "fmt"

// BufferFlags mirrors the cl_mem_flags bitmask used when creating a buffer.
type BufferFlags int

const (
	MemReadWrite BufferFlags = 1 << iota
	MemReadOnly
	MemWriteOnly
	MemUseHostPtr
	MemCopyHostPtr
	MemAllocHostPtr
)

// MapFlags mirrors the cl_map_flags bitmask used when mapping a buffer.
type MapFlags int

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapWriteInvalidateRegion
)

// Dimensions describes an N-D-range kernel launch.
type Dimensions struct {
	Rank          int
	GlobalOffset  []int
	GlobalSize    []int
	LocalSize     []int // nil means "let the runtime choose"
}

// KernelArg is one positional argument of a kernel invocation. Exactly one
// of Buffer, Local, or Value should be set: Buffer for a memory-object
// argument, Local>0 for a local/shared-memory allocation of that many
// bytes (the null-pointer-with-size case), or Value for a raw scalar.
type KernelArg struct {
	Buffer MemObject
	Local  int
	Value  []byte
}

// Context creates the resources that outlive a single command queue: memory
// objects and programs.
type Context interface {
	CreateBuffer(flags BufferFlags, size int, hostPtr []byte) (MemObject, error)
	CreateProgramWithSource(fragments []string) (Program, error)
}

// Queue is a serially-submitted command queue. Every Enqueue* method returns
// an Event representing the completion of that single command, dependent on
// the events in waitList (nil or empty means "no dependencies").
type Queue interface {
	EnqueueMapBuffer(buf MemObject, blocking bool, flags MapFlags, offset, size int, waitList []Event) ([]byte, Event, error)
	EnqueueUnmapMemObject(buf MemObject, hostPtr []byte, waitList []Event) (Event, error)
	EnqueueCopyBuffer(src, dst MemObject, srcOffset, dstOffset, size int, waitList []Event) (Event, error)
	EnqueueReadBuffer(buf MemObject, blocking bool, offset, size int, dst []byte, waitList []Event) (Event, error)
	EnqueueNDRangeKernel(kernel Kernel, dims Dimensions, waitList []Event) (Event, error)
}

// Device reports capabilities the engine needs to pick an upload policy and
// a reduction work-group shape.
type Device interface {
	// HostUnifiedMemory reports CL_DEVICE_HOST_UNIFIED_MEMORY.
	HostUnifiedMemory() bool
	// VendorIsNVIDIA reports whether CL_DEVICE_VENDOR case-insensitively
	// contains "nvidia".
	VendorIsNVIDIA() bool
	// IsCPU reports whether the device type is CL_DEVICE_TYPE_CPU.
	IsCPU() bool
}

// MemObject is an owned, reference-counted device buffer.
type MemObject interface {
	Retain() MemObject
	Release()
	Size() int
}

// Program is a compiled artifact for a concatenated source. Owned solely by
// the program cache; kernels created from it keep it alive via Retain.
type Program interface {
	Build(options string) error
	CreateKernel(name string) (Kernel, error)
	Retain() Program
	Release()
}

// Kernel is scoped to a single dispatch; it is never cached.
type Kernel interface {
	SetArg(index int, arg KernelArg) error
	Retain() Kernel
	Release()
}

// Event is an opaque, reference-counted completion signal. A nil Event is a
// valid sentinel meaning "no event here"; release it through
// handle.SafeReleaseEvent, which tolerates it. Methods cannot be called on
// the nil sentinel itself.
type Event interface {
	Retain() Event
	Release()
	// Wait blocks until the event fires and returns its terminal status.
	Wait() error
	// SetCallback registers a completion callback. If the event has already
	// fired, the callback runs synchronously before SetCallback returns.
	// Implementations must not hold a lock across the callback invocation.
	SetCallback(fn func(status error))
	// Profiling returns the queued/end timestamps in nanoseconds, and false
	// if profiling information is unavailable (event not yet fired, or the
	// underlying API doesn't support profiling).
	Profiling() (queuedNS, endNS uint64, ok bool)
}

// DeviceError wraps a failure returned by the underlying compute API.
type DeviceError struct {
	Operation string
	Code      int
	Err       error
}

func (e *DeviceError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("compute: %s failed (code %d): %v", e.Operation, e.Code, e.Err)
	}
	return fmt.Sprintf("compute: %s failed: %v", e.Operation, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// CompileError reports that a program failed to build.
type CompileError struct {
	SourceKey any
	Log       string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compute: program build failed: %s", e.Log)
}
