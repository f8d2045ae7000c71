// Package session implements the streaming/reduction compute engine: a
// Session drives chunked uploads, program-cache-backed kernel dispatch, map
// and two-stage tree-reduce kernels, and a mapped-buffer chunk iterator
// against a pkg/compute backend.
package session

import (
	"io"
	"log"
	"sync/atomic"

	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/dustpool"
	"github.com/orneryd/clstream/pkg/handle"
	"github.com/orneryd/clstream/pkg/programcache"
)

// Config holds every tunable of a Session. Use DefaultConfig and override
// individual fields, or pass Options to NewSession.
type Config struct {
	// GroupSize is the default upload chunk size in bytes.
	GroupSize int
	// DustSize is the size in bytes of each dust (reduction scratch) buffer.
	DustSize int
	// DustCount is the number of dust buffers kept in the pool.
	DustCount int
	// MapWindow is the size in bytes of each mapped iterator window.
	MapWindow int
	// ProgramCacheCapacity bounds the number of idle compiled programs kept
	// around.
	ProgramCacheCapacity int
	// BuildOptions is passed to Program.Build for every compile.
	BuildOptions string
}

// DefaultConfig returns the engine's default tunables.
func DefaultConfig() Config {
	return Config{
		GroupSize:            256 << 20,
		DustSize:             dustpool.DefaultSize,
		DustCount:            dustpool.DefaultCapacity,
		MapWindow:            64 << 20,
		ProgramCacheCapacity: 100,
		BuildOptions:         "-cl-unsafe-math-optimizations",
	}
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithConfig overrides the Session's full Config.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithLogger attaches a logger to the Session. Defaults to discarding all
// output. No code path in this package writes to it, so completion
// callbacks never log.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session binds a device-API context, queue and device to the program
// cache and dust pool the streaming/reduction engine needs, and tracks
// cumulative device execution time across every kernel it dispatches.
type Session struct {
	ctx    compute.Context
	queue  compute.Queue
	device compute.Device
	cfg    Config
	logger *log.Logger

	cache   *programcache.Cache
	pool    *dustpool.Pool
	unified bool

	execNS uint64
}

// NewSession constructs a Session, allocating its program cache and dust
// pool up front. The returned Session owns the dust pool's native buffers
// and the program cache's compiled programs until Close.
func NewSession(ctx compute.Context, queue compute.Queue, device compute.Device, opts ...Option) (*Session, error) {
	s := &Session{
		ctx:    ctx,
		queue:  queue,
		device: device,
		cfg:    DefaultConfig(),
		logger: log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := programcache.New(ctx, s.cfg.ProgramCacheCapacity, s.cfg.BuildOptions)
	if err != nil {
		return nil, err
	}
	s.cache = cache

	pool, err := dustpool.New(ctx, s.cfg.DustCount, s.cfg.DustSize)
	if err != nil {
		cache.Close()
		return nil, err
	}
	s.pool = pool

	s.unified = device.HostUnifiedMemory() || device.VendorIsNVIDIA()
	return s, nil
}

// ExecutionTimeNS returns the cumulative device execution time, in
// nanoseconds, across every kernel dispatched through this session so far.
func (s *Session) ExecutionTimeNS() uint64 {
	return atomic.LoadUint64(&s.execNS)
}

// Close releases the session's program cache and dust pool. Not safe to
// call while any chunk, iterator or future created from this session is
// still live.
func (s *Session) Close() error {
	s.pool.Close()
	s.cache.Close()
	return nil
}

// callKernel is the Dispatcher: it resolves sk to a built program (via the
// program cache, compiling on miss), creates a scoped kernel, binds args,
// enqueues the ND-range, and attaches a profiling callback that accumulates
// device time. The returned event belongs to the caller.
func (s *Session) callKernel(sk SourceKey, kernelName string, args []compute.KernelArg, deps []compute.Event, dims compute.Dimensions) (compute.Event, error) {
	prog, release, err := s.cache.Get(sk)
	if err != nil {
		return nil, err
	}
	defer release()

	rawKernel, err := prog.CreateKernel(kernelName)
	if err != nil {
		return nil, err
	}
	kernel := handle.NewKernel(rawKernel)
	defer kernel.Release()

	for i, arg := range args {
		if err := kernel.Get().SetArg(i, arg); err != nil {
			return nil, err
		}
	}

	ev, err := s.queue.EnqueueNDRangeKernel(kernel.Get(), dims, deps)
	if err != nil {
		return nil, err
	}
	ev.SetCallback(func(status error) {
		if status != nil {
			return
		}
		if queuedNS, endNS, ok := ev.Profiling(); ok && endNS >= queuedNS {
			atomic.AddUint64(&s.execNS, endNS-queuedNS)
		}
	})
	return ev, nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return b
}
