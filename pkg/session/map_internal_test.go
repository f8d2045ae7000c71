package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/clstream/pkg/codec"
	"github.com/orneryd/clstream/pkg/compute"
	"github.com/orneryd/clstream/pkg/compute/clfake"
)

type doublerKey struct{}

func (doublerKey) GenerateSource() []string { return []string{"double"} }
func (doublerKey) Name() string             { return "double" }

// Scenario 6: a destructive map where A and B share element width returns a
// chunk whose handle equals the input's handle, and the input chunk
// becomes permanently unclosable on its own (ownership moved to the
// returned chunk).
func TestMapChunkDestructiveInPlaceReusesHandle(t *testing.T) {
	backend := clfake.NewBackend()
	cd := codec.Int32{}
	backend.RegisterKernel("double", func(args []clfake.BoundArg, dims compute.Dimensions) error {
		buf := args[0].Buffer.Data()
		n := dims.GlobalSize[0]
		for i := 0; i < n; i++ {
			cd.Encode(i, buf, cd.Decode(i, buf)*2)
		}
		return nil
	})

	s, err := NewSession(backend, backend, backend)
	require.NoError(t, err)
	defer s.Close()

	seq := &intSliceSeq{vals: []int32{1, 2, 3}}
	chunks := Stream[int32](s, seq, cd, 0)
	in, err := chunks.Next()
	require.NoError(t, err)
	inMem := in.mem.Get()

	out, err := MapChunk[int32, int32](s, in, cd, doublerKey{}, true)
	require.NoError(t, err)

	assert.Same(t, inMem, out.mem.Get())
	assert.Equal(t, int32(1), in.closed)
	assert.Nil(t, in.mem.Get())
	assert.Nil(t, in.ready.Get())

	// in.Close is now a permanent no-op; out remains the sole owner.
	require.NoError(t, in.Close())
	require.NoError(t, out.Close())
}

type intSliceSeq struct {
	vals []int32
	idx  int
}

func (s *intSliceSeq) HasNext() bool { return s.idx < len(s.vals) }
func (s *intSliceSeq) Next() int32 {
	v := s.vals[s.idx]
	s.idx++
	return v
}
