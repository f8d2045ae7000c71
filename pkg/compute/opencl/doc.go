// Package opencl binds pkg/compute to a real OpenCL ICD loader via cgo.
//
// It is only compiled with the "opencl" build tag:
//
//	go build -tags opencl
//
// Without the tag, opencl_stub.go satisfies the same exported surface with
// every constructor returning ErrOpenCLNotAvailable, so callers can link
// against this package unconditionally and only pay the cgo cost when they
// opt in.
//
// # Requirements
//
// Linux: an ICD loader and a vendor driver (ROCm for AMD, the NVIDIA
// driver package, or Intel's compute runtime) providing libOpenCL.so.
// macOS: the system OpenCL.framework (deprecated by Apple but still
// present on Intel and Apple Silicon hosts with Rosetta).
// Windows: libOpenCL.lib shipped with the GPU vendor's driver.
//
// # Scope
//
// This package implements only the pkg/compute primitives the session
// engine dispatches through: buffer/program/kernel/event lifetime,
// NDRange kernel launch, map/unmap, copy and read-back, event callbacks
// and profiling timestamps. Platform and device enumeration is exposed
// through Open, a convenience bootstrap — picking which platform/device to
// bind to, and the resulting Context/Queue/Device, are handed to
// session.NewSession by the caller, the same way the teacher's gpu package
// hands a *Device to its accelerator layer.
package opencl
