package dustpool_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/clstream/pkg/compute/clfake"
	"github.com/orneryd/clstream/pkg/dustpool"
)

func TestNewAllocatesCapacityBuffers(t *testing.T) {
	backend := clfake.NewBackend()
	pool, err := dustpool.New(backend, 4, 1024)
	require.NoError(t, err)

	seen := make([]dustpool.Buffer, 0, 4)
	for i := 0; i < 4; i++ {
		seen = append(seen, pool.Get())
	}
	for _, b := range seen {
		assert.Equal(t, 1024, b.Size)
		pool.Put(b)
	}
}

func TestGetBlocksUntilPut(t *testing.T) {
	backend := clfake.NewBackend()
	pool, err := dustpool.New(backend, 1, 64)
	require.NoError(t, err)

	first := pool.Get()

	done := make(chan dustpool.Buffer, 1)
	go func() {
		done <- pool.Get()
	}()

	select {
	case <-done:
		t.Fatal("Get returned before a buffer was available")
	case <-time.After(20 * time.Millisecond):
	}

	pool.Put(first)
	select {
	case b := <-done:
		assert.Equal(t, first.Mem, b.Mem)
	case <-time.After(time.Second):
		t.Fatal("Get never unblocked after Put")
	}
}

func TestPoolNeverExceedsCapacityInCirculation(t *testing.T) {
	backend := clfake.NewBackend()
	const capacity = 8
	pool, err := dustpool.New(backend, capacity, 64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := pool.Get()
			time.Sleep(time.Millisecond)
			pool.Put(b)
		}()
	}
	wg.Wait()

	acquired := make([]dustpool.Buffer, 0, capacity)
	for i := 0; i < capacity; i++ {
		acquired = append(acquired, pool.Get())
	}
	assert.Len(t, acquired, capacity)
	for _, b := range acquired {
		pool.Put(b)
	}
}
