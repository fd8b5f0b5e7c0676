package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.Acquire("node-1", true))
	assert.False(t, r.Acquire("node-1", false))

	r.Release("node-1")
	assert.True(t, r.Acquire("node-1", false))
	r.Release("node-1")

	assert.Equal(t, 0, r.Len())
}

func TestDifferentKeysIndependent(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.Acquire("node-1", true))
	assert.True(t, r.Acquire("node-2", false))

	r.Release("node-1")
	r.Release("node-2")
}

func TestReleaseUnheldIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Release("node-1")

	// A stray Release must not grant a second holder a free token.
	require.True(t, r.Acquire("node-1", true))
	r.Release("node-1")
	r.Release("node-1")
	assert.True(t, r.Acquire("node-1", false))
	r.Release("node-1")
}

func TestBlockingWaitsForHolder(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Acquire("node-1", true))

	acquired := make(chan struct{})
	go func() {
		r.Acquire("node-1", true)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder proceeded while lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	r.Release("node-1")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire the released lock")
	}
	r.Release("node-1")
}

func TestMutualExclusion(t *testing.T) {
	r := NewRegistry()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.WithLock("node-1", func() {
					counter++
				})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3200, counter)
	assert.Equal(t, 0, r.Len())
}
