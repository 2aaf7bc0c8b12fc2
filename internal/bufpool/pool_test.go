package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetPut(t *testing.T) {
	pool := New(4096)

	buf := pool.Get()
	require.Len(t, buf, 4096)
	pool.Put(buf[:10])

	again := pool.Get()
	assert.Len(t, again, 4096)
	assert.Equal(t, 4096, pool.BufSize())
}

func TestPoolSlice(t *testing.T) {
	pool := New(100)

	small := pool.Slice(40)
	assert.Len(t, small, 40)
	assert.GreaterOrEqual(t, cap(small), 100)

	big := pool.Slice(250)
	assert.Len(t, big, 250)
	pool.Put(big)
	pool.Put(small)
}

func TestPoolDropsUndersizedBuffers(t *testing.T) {
	pool := New(64)
	pool.Put(make([]byte, 8))
	for i := 0; i < 4; i++ {
		assert.Len(t, pool.Get(), 64)
	}
}

func TestPoolConcurrent(t *testing.T) {
	pool := New(1024)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b := pool.Get()
				b[0] = seed
				pool.Put(b)
			}
		}(byte(i))
	}
	wg.Wait()
}

func TestNewPanicsOnZeroSize(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}
