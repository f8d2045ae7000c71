package session_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/clstream/pkg/codec"
	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/compute/clfake"
	"github.com/orneryd/clstream/pkg/session"
)

// sliceSeq is a host-side lazy sequence over an in-memory slice, the
// ElementSeq collaborator Stream drives.
type sliceSeq[T any] struct {
	vals []T
	idx  int
}

func newSliceSeq[T any](vals []T) *sliceSeq[T] { return &sliceSeq[T]{vals: vals} }

func (s *sliceSeq[T]) HasNext() bool { return s.idx < len(s.vals) }
func (s *sliceSeq[T]) Next() T {
	v := s.vals[s.idx]
	s.idx++
	return v
}

// rangeSeq produces the half-open integer range [0, n) as int32, used for
// the million-element streaming scenario without materializing a slice.
type rangeSeq struct {
	i, n int32
}

func (s *rangeSeq) HasNext() bool { return s.i < s.n }
func (s *rangeSeq) Next() int32 {
	v := s.i
	s.i++
	return v
}

// testSourceKey is the SourceKey/MapSourceKey collaborator for tests: a
// fixed source fragment and kernel entry-point name.
type testSourceKey struct {
	frag, name string
}

func (k testSourceKey) GenerateSource() []string { return []string{k.frag} }
func (k testSourceKey) Name() string             { return k.name }

// testReduceKey is the ReduceSourceKey collaborator: distinct source
// fragments for each stage, both invoking a kernel literally named
// "reduce" per spec.
type testReduceKey struct {
	frag, stage2Frag string
}

func (k testReduceKey) GenerateSource() []string { return []string{k.frag} }
func (k testReduceKey) Stage2() session.ReduceSourceKey {
	return testReduceKey{frag: k.stage2Frag, stage2Frag: k.stage2Frag}
}

// registerSumFloat64 (and registerSumInt32 below) wires a "reduce" kernel that sums the first `count`
// elements of its input buffer (arg 3) into element 0 of its output
// buffer. Used for both reduction stages: stage 1 sums the whole chunk
// into one dust buffer slot; stage 2 sums that dust buffer's `n_groups`
// slots (all but slot 0 are still zero-filled) into the result slot,
// so the two-stage fold is correct regardless of n_groups/n_local.
func registerSumFloat64(b *clfake.Backend) {
	cd := codec.Float64{}
	b.RegisterKernel("reduce", func(args []clfake.BoundArg, _ compute.Dimensions) error {
		in := args[0].Buffer.Data()
		out := args[1].Buffer.Data()
		count := int(args[3].Uint32())
		var total float64
		for i := 0; i < count; i++ {
			total += cd.Decode(i, in)
		}
		cd.Encode(0, out, total)
		return nil
	})
}

func registerSumInt32(b *clfake.Backend) {
	cd := codec.Int32{}
	b.RegisterKernel("reduce", func(args []clfake.BoundArg, _ compute.Dimensions) error {
		in := args[0].Buffer.Data()
		out := args[1].Buffer.Data()
		count := int(args[3].Uint32())
		var total int32
		for i := 0; i < count; i++ {
			total += cd.Decode(i, in)
		}
		cd.Encode(0, out, total)
		return nil
	})
}

func registerSquareInt32(b *clfake.Backend, name string) {
	cd := codec.Int32{}
	b.RegisterKernel(name, func(args []clfake.BoundArg, dims compute.Dimensions) error {
		in := args[0].Buffer.Data()
		out := args[1].Buffer.Data()
		n := dims.GlobalSize[0]
		for i := 0; i < n; i++ {
			v := cd.Decode(i, in)
			cd.Encode(i, out, v*v)
		}
		return nil
	})
}

// registerIdentityInt32 copies arg 0 to arg 1 if a second (out-of-place)
// buffer argument was bound, or rewrites arg 0 onto itself when the
// dispatcher ran it in place (destructive map with matching element
// sizes binds only one buffer argument).
func registerIdentityInt32(b *clfake.Backend, name string) {
	cd := codec.Int32{}
	b.RegisterKernel(name, func(args []clfake.BoundArg, dims compute.Dimensions) error {
		in := args[0].Buffer.Data()
		out := in
		if len(args) > 1 && args[1].Buffer != nil {
			out = args[1].Buffer.Data()
		}
		n := dims.GlobalSize[0]
		for i := 0; i < n; i++ {
			cd.Encode(i, out, cd.Decode(i, in))
		}
		return nil
	})
}

func newTestSession(t *testing.T, backend *clfake.Backend) *session.Session {
	t.Helper()
	s, err := session.NewSession(backend, backend, backend)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

// Scenario: stream 1,000,000 int32 elements in groups of 4MiB: the group
// is wider than the whole sequence, so Stream produces exactly one chunk
// holding everything.
func TestStreamOneBigGroup(t *testing.T) {
	backend := clfake.NewBackend()
	s := newTestSession(t, backend)

	const total = 1_000_000
	const groupSize = 4 << 20
	seq := &rangeSeq{n: total}
	chunks := session.Stream[int32](s, seq, codec.Int32{}, groupSize)

	require.True(t, chunks.HasNext())
	c, err := chunks.Next()
	require.NoError(t, err)
	assert.Equal(t, total, c.Elems())
	assert.False(t, chunks.HasNext())
	require.NoError(t, c.Close())
}

// Scenario: stream the same sequence in 64KiB groups (16384 int32
// elements per chunk): every chunk but the last is full, and the chunk
// count and final remainder follow directly from integer division.
func TestStreamManySmallGroups(t *testing.T) {
	backend := clfake.NewBackend()
	s := newTestSession(t, backend)

	const total = 1_000_000
	const groupSize = 64 << 10
	const elemsPerChunk = groupSize / 4

	seq := &rangeSeq{n: total}
	chunks := session.Stream[int32](s, seq, codec.Int32{}, groupSize)

	wantChunks := (total + elemsPerChunk - 1) / elemsPerChunk
	gotChunks := 0
	gotElems := 0
	for chunks.HasNext() {
		c, err := chunks.Next()
		require.NoError(t, err)
		gotChunks++
		gotElems += c.Elems()
		if chunks.HasNext() {
			assert.Equal(t, elemsPerChunk, c.Elems(), "chunk %d should be full", gotChunks)
		} else {
			assert.Equal(t, total-(wantChunks-1)*elemsPerChunk, c.Elems(), "last chunk should hold the remainder")
		}
		require.NoError(t, c.Close())
	}
	assert.Equal(t, wantChunks, gotChunks)
	assert.Equal(t, total, gotElems)
}

// Scenario: upload [1,2,3,4] as float64 and reduce with +, expecting 10.0.
func TestReduceSumFloat64(t *testing.T) {
	backend := clfake.NewBackend()
	registerSumFloat64(backend)
	s := newTestSession(t, backend)

	chunks := session.Stream[float64](s, newSliceSeq([]float64{1, 2, 3, 4}), codec.Float64{}, 0)
	c, err := chunks.Next()
	require.NoError(t, err)

	key := testReduceKey{frag: "sum_stage1", stage2Frag: "sum_stage2"}
	future, err := session.ReduceChunk(s, c, key)
	require.NoError(t, err)

	got, err := future.Wait()
	require.NoError(t, err)
	assert.Equal(t, 10.0, got)
	require.NoError(t, c.Close())
}

// Scenario: upload 1..1000 as int32, map x -> x*x, reduce with +, expecting
// the sum of squares 1..1000 = 333833500.
func TestMapSquareThenReduceSum(t *testing.T) {
	backend := clfake.NewBackend()
	registerSquareInt32(backend, "square")
	registerSumInt32(backend)
	s := newTestSession(t, backend)

	vals := make([]int32, 1000)
	for i := range vals {
		vals[i] = int32(i + 1)
	}
	chunks := session.Stream[int32](s, newSliceSeq(vals), codec.Int32{}, 0)
	c, err := chunks.Next()
	require.NoError(t, err)

	squared, err := session.MapChunk[int32, int32](s, c, codec.Int32{}, testSourceKey{frag: "square", name: "square"}, false)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	future, err := session.ReduceChunk(s, squared, testReduceKey{frag: "sum_stage1", stage2Frag: "sum_stage2"})
	require.NoError(t, err)

	got, err := future.Wait()
	require.NoError(t, err)
	assert.Equal(t, int32(333833500), got)
	require.NoError(t, squared.Close())
}

// Testable property: a map kernel implementing identity leaves a chunk's
// elements unchanged.
func TestMapIdentityPreservesElements(t *testing.T) {
	backend := clfake.NewBackend()
	registerIdentityInt32(backend, "identity")
	s := newTestSession(t, backend)

	vals := []int32{5, -3, 100, 0, 42}
	chunks := session.Stream[int32](s, newSliceSeq(vals), codec.Int32{}, 0)
	c, err := chunks.Next()
	require.NoError(t, err)

	out, err := session.MapChunk[int32, int32](s, c, codec.Int32{}, testSourceKey{frag: "identity", name: "identity"}, false)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	it, err := session.Iterate[int32](s, out)
	require.NoError(t, err)
	got := make([]int32, 0, len(vals))
	for it.HasNext() {
		v, err := it.Next()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, it.Close())
	require.NoError(t, out.Close())
	assert.Equal(t, vals, got)
}

// Testable property: handle and event balance. Every buffer and event
// retain returns to zero once a chunk's iterator, the chunk itself and the
// session are all closed, including through a destructive in-place map
// (Scenario 6), which reassigns a chunk's buffer to a new owner without
// touching its own ready event — that event is still the original chunk's
// to release, and a leak there would otherwise go unnoticed since Release
// only panics on over-release, never under-release.
func TestHandleAndEventBalanceAfterDestructiveInPlaceMap(t *testing.T) {
	backend := clfake.NewBackend()
	backend.SetHostUnifiedMemory(true) // avoid the staged upload's async host-buffer release racing the assertions below
	registerIdentityInt32(backend, "identity")
	s, err := session.NewSession(backend, backend, backend)
	require.NoError(t, err)

	vals := []int32{1, 2, 3, 4, 5}
	chunks := session.Stream[int32](s, newSliceSeq(vals), codec.Int32{}, 0)
	c, err := chunks.Next()
	require.NoError(t, err)

	out, err := session.MapChunk[int32, int32](s, c, codec.Int32{}, testSourceKey{frag: "identity", name: "identity"}, true)
	require.NoError(t, err)

	it, err := session.Iterate[int32](s, out)
	require.NoError(t, err)
	got := make([]int32, 0, len(vals))
	for it.HasNext() {
		v, err := it.Next()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, it.Close())
	assert.Equal(t, vals, got)

	require.NoError(t, out.Close())
	require.NoError(t, c.Close()) // in-place destructive map left c permanently closed; this is a no-op
	require.NoError(t, s.Close())

	assert.Zero(t, backend.LiveBuffers(), "buffer retains should return to zero")
	assert.Zero(t, backend.LiveEvents(), "event retains should return to zero")
	assert.Zero(t, backend.LivePrograms(), "program retains should return to zero")
	assert.Zero(t, backend.LiveKernels(), "kernel retains should return to zero")
}

// Testable property: a forced clBuildProgram failure surfaces as a
// CompileError; retrying with the same source-key succeeds and builds
// exactly once more.
func TestCompileFailureThenRetry(t *testing.T) {
	backend := clfake.NewBackend()
	registerSumFloat64(backend)
	backend.FailNext("BuildProgram", 1)
	s := newTestSession(t, backend)

	chunks := session.Stream[float64](s, newSliceSeq([]float64{1, 2}), codec.Float64{}, 0)
	c, err := chunks.Next()
	require.NoError(t, err)
	defer c.Close()

	key := testReduceKey{frag: "flaky", stage2Frag: "flaky_stage2"}
	_, err = session.ReduceChunk(s, c, key)
	require.Error(t, err)
	var compileErr *compute.CompileError
	require.ErrorAs(t, err, &compileErr)

	future, err := session.ReduceChunk(s, c, key)
	require.NoError(t, err)
	got, err := future.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)
}

// Testable property: 40 concurrent reductions against a 32-buffer dust
// pool all eventually resolve with no deadlock.
func TestConcurrentReductionsNeverDeadlock(t *testing.T) {
	backend := clfake.NewBackend()
	registerSumFloat64(backend)
	s := newTestSession(t, backend)

	const n = 40
	var g errgroup.Group
	var mu sync.Mutex
	sums := make([]float64, n)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			chunks := session.Stream[float64](s, newSliceSeq([]float64{float64(i), 1, 1}), codec.Float64{}, 0)
			c, err := chunks.Next()
			if err != nil {
				return err
			}
			defer c.Close()
			future, err := session.ReduceChunk(s, c, testReduceKey{frag: "concur_stage1", stage2Frag: "concur_stage2"})
			if err != nil {
				return err
			}
			got, err := future.Wait()
			if err != nil {
				return err
			}
			mu.Lock()
			sums[i] = got
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for i, sum := range sums {
		assert.Equal(t, float64(i)+2, sum)
	}
}
