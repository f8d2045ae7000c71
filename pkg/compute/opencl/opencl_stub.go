//go:build !opencl

package opencl

import (
	"errors"

	"github.com/orneryd/clstream/pkg/compute"
)

// ErrOpenCLNotAvailable is returned by every constructor in this package
// when built without the "opencl" tag.
var ErrOpenCLNotAvailable = errors.New("opencl: built without the \"opencl\" tag")

// Open returns an error on a build without OpenCL support.
func Open(platformIndex, deviceIndex int) (*Context, *Queue, *Device, error) {
	return nil, nil, nil, ErrOpenCLNotAvailable
}

// Context is an unusable stub satisfying compute.Context.
type Context struct{}

func (c *Context) CreateBuffer(flags compute.BufferFlags, size int, hostPtr []byte) (compute.MemObject, error) {
	return nil, ErrOpenCLNotAvailable
}

func (c *Context) CreateProgramWithSource(fragments []string) (compute.Program, error) {
	return nil, ErrOpenCLNotAvailable
}

// Queue is an unusable stub satisfying compute.Queue.
type Queue struct{}

func (q *Queue) EnqueueMapBuffer(buf compute.MemObject, blocking bool, flags compute.MapFlags, offset, size int, waitList []compute.Event) ([]byte, compute.Event, error) {
	return nil, nil, ErrOpenCLNotAvailable
}

func (q *Queue) EnqueueUnmapMemObject(buf compute.MemObject, hostPtr []byte, waitList []compute.Event) (compute.Event, error) {
	return nil, ErrOpenCLNotAvailable
}

func (q *Queue) EnqueueCopyBuffer(src, dst compute.MemObject, srcOffset, dstOffset, size int, waitList []compute.Event) (compute.Event, error) {
	return nil, ErrOpenCLNotAvailable
}

func (q *Queue) EnqueueReadBuffer(buf compute.MemObject, blocking bool, offset, size int, dst []byte, waitList []compute.Event) (compute.Event, error) {
	return nil, ErrOpenCLNotAvailable
}

func (q *Queue) EnqueueNDRangeKernel(kernel compute.Kernel, dims compute.Dimensions, waitList []compute.Event) (compute.Event, error) {
	return nil, ErrOpenCLNotAvailable
}

// Device is an unusable stub satisfying compute.Device.
type Device struct{}

func (d *Device) HostUnifiedMemory() bool { return false }
func (d *Device) VendorIsNVIDIA() bool    { return false }
func (d *Device) IsCPU() bool             { return false }

// Close is a no-op, as it is in the cgo binding.
func (d *Device) Close() {}
