//go:build opencl && (linux || windows || darwin)

package opencl

/*
#cgo linux CFLAGS: -I/opt/rocm/include -I/usr/include
#cgo linux LDFLAGS: -L/opt/rocm/lib -L/usr/lib/x86_64-linux-gnu -lOpenCL
#cgo darwin CFLAGS: -framework OpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#cgo windows LDFLAGS: -lOpenCL

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif

#include <stdlib.h>
#include <string.h>

static const char* cl_error_string(cl_int err) {
    switch (err) {
        case CL_SUCCESS: return "CL_SUCCESS";
        case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
        case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
        case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
        case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
        case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
        case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
        case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
        case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
        case CL_INVALID_DEVICE_TYPE: return "CL_INVALID_DEVICE_TYPE";
        case CL_INVALID_PLATFORM: return "CL_INVALID_PLATFORM";
        case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
        case CL_INVALID_CONTEXT: return "CL_INVALID_CONTEXT";
        case CL_INVALID_COMMAND_QUEUE: return "CL_INVALID_COMMAND_QUEUE";
        case CL_INVALID_HOST_PTR: return "CL_INVALID_HOST_PTR";
        case CL_INVALID_MEM_OBJECT: return "CL_INVALID_MEM_OBJECT";
        case CL_INVALID_PROGRAM: return "CL_INVALID_PROGRAM";
        case CL_INVALID_PROGRAM_EXECUTABLE: return "CL_INVALID_PROGRAM_EXECUTABLE";
        case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
        case CL_INVALID_KERNEL: return "CL_INVALID_KERNEL";
        case CL_INVALID_ARG_INDEX: return "CL_INVALID_ARG_INDEX";
        case CL_INVALID_ARG_VALUE: return "CL_INVALID_ARG_VALUE";
        case CL_INVALID_ARG_SIZE: return "CL_INVALID_ARG_SIZE";
        case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
        case CL_INVALID_WORK_DIMENSION: return "CL_INVALID_WORK_DIMENSION";
        case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
        case CL_INVALID_EVENT_WAIT_LIST: return "CL_INVALID_EVENT_WAIT_LIST";
        default: return "unknown cl_int error";
    }
}

// goEventCallback is implemented in opencl_bridge.go and exported to C; it
// dispatches through a cgo.Handle stashed in user_data.
extern void goEventCallback(cl_event ev, cl_int status, void *user_data);

static cl_int cl_set_event_callback(cl_event ev, void *user_data) {
    return clSetEventCallback(ev, CL_COMPLETE, goEventCallback, user_data);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"runtime/cgo"
	"unsafe"

	"github.com/orneryd/clstream/pkg/compute"
)

var (
	ErrOpenCLNotAvailable = errors.New("opencl: no platform/device found")
	ErrDeviceCreation     = errors.New("opencl: failed to create device/context/queue")
)

func statusErr(op string, status C.cl_int) error {
	if status == C.CL_SUCCESS {
		return nil
	}
	return &compute.DeviceError{Operation: op, Code: int(status), Err: errors.New(C.GoString(C.cl_error_string(status)))}
}

// Open selects the deviceIndex'th device of the platformIndex'th platform,
// creates a context and single in-order command queue on it, and returns
// the three pkg/compute handles a Session needs. This is the bootstrap
// convenience spec.md treats as an external collaborator, and the only
// constructor this package offers for its Context, Queue and Device. The
// queue is created with profiling enabled so that Event.Profiling can
// report timestamps.
func Open(platformIndex, deviceIndex int) (*Context, *Queue, *Device, error) {
	var numPlatforms C.cl_uint
	if st := C.clGetPlatformIDs(0, nil, &numPlatforms); st != C.CL_SUCCESS || numPlatforms == 0 {
		return nil, nil, nil, ErrOpenCLNotAvailable
	}
	platforms := make([]C.cl_platform_id, numPlatforms)
	if st := C.clGetPlatformIDs(numPlatforms, &platforms[0], nil); st != C.CL_SUCCESS {
		return nil, nil, nil, statusErr("clGetPlatformIDs", st)
	}
	if platformIndex < 0 || platformIndex >= len(platforms) {
		return nil, nil, nil, ErrOpenCLNotAvailable
	}
	platform := platforms[platformIndex]

	var numDevices C.cl_uint
	if st := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, 0, nil, &numDevices); st != C.CL_SUCCESS || numDevices == 0 {
		return nil, nil, nil, ErrOpenCLNotAvailable
	}
	devices := make([]C.cl_device_id, numDevices)
	if st := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, numDevices, &devices[0], nil); st != C.CL_SUCCESS {
		return nil, nil, nil, statusErr("clGetDeviceIDs", st)
	}
	if deviceIndex < 0 || deviceIndex >= len(devices) {
		return nil, nil, nil, ErrOpenCLNotAvailable
	}
	deviceID := devices[deviceIndex]

	var st C.cl_int
	clCtx := C.clCreateContext(nil, 1, &deviceID, nil, nil, &st)
	if st != C.CL_SUCCESS {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrDeviceCreation, statusErr("clCreateContext", st))
	}
	queueProps := []C.cl_queue_properties{C.CL_QUEUE_PROPERTIES, C.CL_QUEUE_PROFILING_ENABLE, 0}
	queue := C.clCreateCommandQueueWithProperties(clCtx, deviceID, &queueProps[0], &st)
	if st != C.CL_SUCCESS {
		C.clReleaseContext(clCtx)
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrDeviceCreation, statusErr("clCreateCommandQueueWithProperties", st))
	}

	dev := &Device{id: deviceID, unified: queryUnified(deviceID), vendorNV: queryVendorNVIDIA(deviceID), cpu: queryIsCPU(deviceID)}
	ctx := &Context{ctx: clCtx, device: deviceID}
	q := &Queue{queue: queue, ctx: ctx}
	return ctx, q, dev, nil
}

func queryUnified(dev C.cl_device_id) bool {
	var v C.cl_bool
	C.clGetDeviceInfo(dev, C.CL_DEVICE_HOST_UNIFIED_MEMORY, C.size_t(unsafe.Sizeof(v)), unsafe.Pointer(&v), nil)
	return v != 0
}

func queryVendorNVIDIA(dev C.cl_device_id) bool {
	var sz C.size_t
	C.clGetDeviceInfo(dev, C.CL_DEVICE_VENDOR, 0, nil, &sz)
	if sz == 0 {
		return false
	}
	buf := make([]byte, sz)
	C.clGetDeviceInfo(dev, C.CL_DEVICE_VENDOR, sz, unsafe.Pointer(&buf[0]), nil)
	return containsFold(string(buf), "nvidia")
}

func queryIsCPU(dev C.cl_device_id) bool {
	var t C.cl_device_type
	C.clGetDeviceInfo(dev, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(t)), unsafe.Pointer(&t), nil)
	return t == C.CL_DEVICE_TYPE_CPU
}

func containsFold(s, substr string) bool {
	sl, subl := len(s), len(substr)
	if subl == 0 {
		return true
	}
	for i := 0; i+subl <= sl; i++ {
		if equalFold(s[i:i+subl], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Device reports capabilities queried once at Open time.
type Device struct {
	id       C.cl_device_id
	unified  bool
	vendorNV bool
	cpu      bool
}

func (d *Device) HostUnifiedMemory() bool { return d.unified }
func (d *Device) VendorIsNVIDIA() bool    { return d.vendorNV }
func (d *Device) IsCPU() bool             { return d.cpu }

// Close is a no-op: it does not release the context or queue created by
// Open, since Device holds no reference to either.
func (d *Device) Close() {}

// Context owns cl_mem and cl_program allocation for one cl_context.
type Context struct {
	ctx    C.cl_context
	device C.cl_device_id
}

func (c *Context) CreateBuffer(flags compute.BufferFlags, size int, hostPtr []byte) (compute.MemObject, error) {
	var clFlags C.cl_mem_flags
	if flags&compute.MemReadWrite != 0 {
		clFlags |= C.CL_MEM_READ_WRITE
	}
	if flags&compute.MemReadOnly != 0 {
		clFlags |= C.CL_MEM_READ_ONLY
	}
	if flags&compute.MemWriteOnly != 0 {
		clFlags |= C.CL_MEM_WRITE_ONLY
	}
	if flags&compute.MemUseHostPtr != 0 {
		clFlags |= C.CL_MEM_USE_HOST_PTR
	}
	if flags&compute.MemCopyHostPtr != 0 {
		clFlags |= C.CL_MEM_COPY_HOST_PTR
	}
	if flags&compute.MemAllocHostPtr != 0 {
		clFlags |= C.CL_MEM_ALLOC_HOST_PTR
	}

	var hp unsafe.Pointer
	if len(hostPtr) > 0 {
		hp = unsafe.Pointer(&hostPtr[0])
	}
	var st C.cl_int
	mem := C.clCreateBuffer(c.ctx, clFlags, C.size_t(size), hp, &st)
	if st != C.CL_SUCCESS {
		return nil, statusErr("clCreateBuffer", st)
	}
	return &MemObject{mem: mem, size: size}, nil
}

func (c *Context) CreateProgramWithSource(fragments []string) (compute.Program, error) {
	n := len(fragments)
	cStrs := make([]*C.char, n)
	cLens := make([]C.size_t, n)
	for i, f := range fragments {
		cStrs[i] = C.CString(f)
		cLens[i] = C.size_t(len(f))
	}
	defer func() {
		for _, s := range cStrs {
			C.free(unsafe.Pointer(s))
		}
	}()

	var st C.cl_int
	var prog C.cl_program
	if n == 0 {
		return nil, &compute.DeviceError{Operation: "clCreateProgramWithSource", Err: errors.New("opencl: empty source fragments")}
	}
	prog = C.clCreateProgramWithSource(c.ctx, C.cl_uint(n), &cStrs[0], &cLens[0], &st)
	if st != C.CL_SUCCESS {
		return nil, statusErr("clCreateProgramWithSource", st)
	}
	return &Program{prog: prog, device: c.device}, nil
}

// Queue wraps a single in-order cl_command_queue.
type Queue struct {
	queue C.cl_command_queue
	ctx   *Context
}

func toCMem(m compute.MemObject) (C.cl_mem, error) {
	mo, ok := m.(*MemObject)
	if !ok {
		return nil, errors.New("opencl: foreign MemObject implementation")
	}
	return mo.mem, nil
}

func waitListOf(evs []compute.Event) ([]C.cl_event, error) {
	var out []C.cl_event
	for _, e := range evs {
		if e == nil {
			continue
		}
		ev, ok := e.(*Event)
		if !ok {
			return nil, errors.New("opencl: foreign Event implementation")
		}
		out = append(out, ev.ev)
	}
	return out, nil
}

func waitListPtr(evs []C.cl_event) (*C.cl_event, C.cl_uint) {
	if len(evs) == 0 {
		return nil, 0
	}
	return &evs[0], C.cl_uint(len(evs))
}

func (q *Queue) EnqueueMapBuffer(buf compute.MemObject, blocking bool, flags compute.MapFlags, offset, size int, waitList []compute.Event) ([]byte, compute.Event, error) {
	mem, err := toCMem(buf)
	if err != nil {
		return nil, nil, err
	}
	waits, err := waitListOf(waitList)
	if err != nil {
		return nil, nil, err
	}
	var clFlags C.cl_map_flags
	if flags&compute.MapRead != 0 {
		clFlags |= C.CL_MAP_READ
	}
	if flags&compute.MapWrite != 0 {
		clFlags |= C.CL_MAP_WRITE
	}
	if flags&compute.MapWriteInvalidateRegion != 0 {
		clFlags |= C.CL_MAP_WRITE_INVALIDATE_REGION
	}

	waitPtr, waitN := waitListPtr(waits)
	var st C.cl_int
	var outEv C.cl_event
	cBlocking := C.cl_bool(0)
	if blocking {
		cBlocking = C.CL_TRUE
	}
	ptr := C.clEnqueueMapBuffer(q.queue, mem, cBlocking, clFlags, C.size_t(offset), C.size_t(size), waitN, waitPtr, &outEv, &st)
	if st != C.CL_SUCCESS {
		return nil, nil, statusErr("clEnqueueMapBuffer", st)
	}
	window := unsafe.Slice((*byte)(ptr), size)
	return window, newEvent(outEv), nil
}

func (q *Queue) EnqueueUnmapMemObject(buf compute.MemObject, hostPtr []byte, waitList []compute.Event) (compute.Event, error) {
	mem, err := toCMem(buf)
	if err != nil {
		return nil, err
	}
	waits, err := waitListOf(waitList)
	if err != nil {
		return nil, err
	}
	waitPtr, waitN := waitListPtr(waits)
	var hp unsafe.Pointer
	if len(hostPtr) > 0 {
		hp = unsafe.Pointer(&hostPtr[0])
	}
	var st C.cl_int
	var outEv C.cl_event
	st = C.clEnqueueUnmapMemObject(q.queue, mem, hp, waitN, waitPtr, &outEv)
	if st != C.CL_SUCCESS {
		return nil, statusErr("clEnqueueUnmapMemObject", st)
	}
	return newEvent(outEv), nil
}

func (q *Queue) EnqueueCopyBuffer(src, dst compute.MemObject, srcOffset, dstOffset, size int, waitList []compute.Event) (compute.Event, error) {
	srcMem, err := toCMem(src)
	if err != nil {
		return nil, err
	}
	dstMem, err := toCMem(dst)
	if err != nil {
		return nil, err
	}
	waits, err := waitListOf(waitList)
	if err != nil {
		return nil, err
	}
	waitPtr, waitN := waitListPtr(waits)
	var st C.cl_int
	var outEv C.cl_event
	st = C.clEnqueueCopyBuffer(q.queue, srcMem, dstMem, C.size_t(srcOffset), C.size_t(dstOffset), C.size_t(size), waitN, waitPtr, &outEv)
	if st != C.CL_SUCCESS {
		return nil, statusErr("clEnqueueCopyBuffer", st)
	}
	return newEvent(outEv), nil
}

func (q *Queue) EnqueueReadBuffer(buf compute.MemObject, blocking bool, offset, size int, dst []byte, waitList []compute.Event) (compute.Event, error) {
	mem, err := toCMem(buf)
	if err != nil {
		return nil, err
	}
	waits, err := waitListOf(waitList)
	if err != nil {
		return nil, err
	}
	waitPtr, waitN := waitListPtr(waits)
	var dp unsafe.Pointer
	if len(dst) > 0 {
		dp = unsafe.Pointer(&dst[0])
	}
	cBlocking := C.cl_bool(0)
	if blocking {
		cBlocking = C.CL_TRUE
	}
	var st C.cl_int
	var outEv C.cl_event
	st = C.clEnqueueReadBuffer(q.queue, mem, cBlocking, C.size_t(offset), C.size_t(size), dp, waitN, waitPtr, &outEv)
	if st != C.CL_SUCCESS {
		return nil, statusErr("clEnqueueReadBuffer", st)
	}
	return newEvent(outEv), nil
}

func (q *Queue) EnqueueNDRangeKernel(kernel compute.Kernel, dims compute.Dimensions, waitList []compute.Event) (compute.Event, error) {
	k, ok := kernel.(*Kernel)
	if !ok {
		return nil, errors.New("opencl: foreign Kernel implementation")
	}
	waits, err := waitListOf(waitList)
	if err != nil {
		return nil, err
	}
	waitPtr, waitN := waitListPtr(waits)

	global := make([]C.size_t, dims.Rank)
	for i, v := range dims.GlobalSize {
		global[i] = C.size_t(v)
	}
	var offsetPtr *C.size_t
	if len(dims.GlobalOffset) == dims.Rank && dims.Rank > 0 {
		offsets := make([]C.size_t, dims.Rank)
		for i, v := range dims.GlobalOffset {
			offsets[i] = C.size_t(v)
		}
		offsetPtr = &offsets[0]
	}
	var localPtr *C.size_t
	if len(dims.LocalSize) == dims.Rank && dims.Rank > 0 {
		locals := make([]C.size_t, dims.Rank)
		for i, v := range dims.LocalSize {
			locals[i] = C.size_t(v)
		}
		localPtr = &locals[0]
	}

	var st C.cl_int
	var outEv C.cl_event
	st = C.clEnqueueNDRangeKernel(q.queue, k.k, C.cl_uint(dims.Rank), offsetPtr, &global[0], localPtr, waitN, waitPtr, &outEv)
	if st != C.CL_SUCCESS {
		return nil, statusErr("clEnqueueNDRangeKernel", st)
	}
	return newEvent(outEv), nil
}

// MemObject wraps a reference-counted cl_mem.
type MemObject struct {
	mem  C.cl_mem
	size int
}

func (m *MemObject) Retain() compute.MemObject {
	C.clRetainMemObject(m.mem)
	return m
}

func (m *MemObject) Release() { C.clReleaseMemObject(m.mem) }
func (m *MemObject) Size() int { return m.size }

// Program wraps a reference-counted cl_program.
type Program struct {
	prog   C.cl_program
	device C.cl_device_id
}

func (p *Program) Build(options string) error {
	var cOpts *C.char
	if options != "" {
		cOpts = C.CString(options)
		defer C.free(unsafe.Pointer(cOpts))
	}
	st := C.clBuildProgram(p.prog, 1, &p.device, cOpts, nil, nil)
	if st != C.CL_SUCCESS {
		var logSize C.size_t
		C.clGetProgramBuildInfo(p.prog, p.device, C.CL_PROGRAM_BUILD_LOG, 0, nil, &logSize)
		log := make([]byte, logSize)
		if logSize > 0 {
			C.clGetProgramBuildInfo(p.prog, p.device, C.CL_PROGRAM_BUILD_LOG, logSize, unsafe.Pointer(&log[0]), nil)
		}
		return &compute.CompileError{Log: string(log)}
	}
	return nil
}

func (p *Program) CreateKernel(name string) (compute.Kernel, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var st C.cl_int
	k := C.clCreateKernel(p.prog, cName, &st)
	if st != C.CL_SUCCESS {
		return nil, statusErr("clCreateKernel", st)
	}
	return &Kernel{k: k}, nil
}

func (p *Program) Retain() compute.Program {
	C.clRetainProgram(p.prog)
	return p
}

func (p *Program) Release() { C.clReleaseProgram(p.prog) }

// Kernel wraps a reference-counted cl_kernel, scoped to one dispatch.
type Kernel struct {
	k C.cl_kernel
}

func (k *Kernel) SetArg(index int, arg compute.KernelArg) error {
	var st C.cl_int
	switch {
	case arg.Buffer != nil:
		mem, err := toCMem(arg.Buffer)
		if err != nil {
			return err
		}
		st = C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case arg.Local > 0:
		st = C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(arg.Local), nil)
	case len(arg.Value) > 0:
		st = C.clSetKernelArg(k.k, C.cl_uint(index), C.size_t(len(arg.Value)), unsafe.Pointer(&arg.Value[0]))
	default:
		st = C.clSetKernelArg(k.k, C.cl_uint(index), 0, nil)
	}
	if st != C.CL_SUCCESS {
		return statusErr("clSetKernelArg", st)
	}
	return nil
}

func (k *Kernel) Retain() compute.Kernel {
	C.clRetainKernel(k.k)
	return k
}

func (k *Kernel) Release() { C.clReleaseKernel(k.k) }

// Event wraps a reference-counted cl_event. A registered callback's
// cgo.Handle is passed to C as an opaque uintptr token (never a pointer
// into Go's stack or heap) and is deleted by goEventCallback once the
// callback runs — OpenCL guarantees CL_COMPLETE callbacks fire exactly
// once, including immediately and synchronously if the event has already
// reached a terminal status when clSetEventCallback is called.
type Event struct {
	ev C.cl_event
}

func newEvent(ev C.cl_event) *Event { return &Event{ev: ev} }

func (e *Event) Retain() compute.Event {
	C.clRetainEvent(e.ev)
	return e
}

func (e *Event) Release() { C.clReleaseEvent(e.ev) }

func (e *Event) Wait() error {
	st := C.clWaitForEvents(1, &e.ev)
	return statusErr("clWaitForEvents", st)
}

// SetCallback registers fn to run once the event completes.
func (e *Event) SetCallback(fn func(status error)) {
	h := cgo.NewHandle(fn)
	C.cl_set_event_callback(e.ev, unsafe.Pointer(uintptr(h)))
}

func (e *Event) Profiling() (queuedNS, endNS uint64, ok bool) {
	var queued, end C.cl_ulong
	st1 := C.clGetEventProfilingInfo(e.ev, C.CL_PROFILING_COMMAND_QUEUED, C.size_t(unsafe.Sizeof(queued)), unsafe.Pointer(&queued), nil)
	st2 := C.clGetEventProfilingInfo(e.ev, C.CL_PROFILING_COMMAND_END, C.size_t(unsafe.Sizeof(end)), unsafe.Pointer(&end), nil)
	if st1 != C.CL_SUCCESS || st2 != C.CL_SUCCESS {
		return 0, 0, false
	}
	return uint64(queued), uint64(end), true
}

//export goEventCallback
func goEventCallback(ev C.cl_event, status C.cl_int, userData unsafe.Pointer) {
	h := cgo.Handle(uintptr(userData))
	fn, ok := h.Value().(func(error))
	h.Delete()
	if !ok {
		return
	}
	if status == C.CL_COMPLETE {
		fn(nil)
	} else {
		fn(statusErr("kernel/command", status))
	}
}
