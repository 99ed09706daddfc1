package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialExecutorRunsInOrder(t *testing.T) {
	e := newSerialExecutor(16)
	defer e.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, e.Submit(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestSerialExecutorDiscardsNewest(t *testing.T) {
	e := newSerialExecutor(1)
	defer e.Close()

	release := make(chan struct{})
	running := make(chan struct{})
	require.True(t, e.Submit(func() {
		close(running)
		<-release
	}))
	<-running

	ran := make(chan int, 3)
	assert.True(t, e.Submit(func() { ran <- 1 }), "one task fits in the backlog")
	assert.False(t, e.Submit(func() { ran <- 2 }))
	assert.False(t, e.Submit(func() { ran <- 3 }))

	close(release)
	assert.Equal(t, 1, <-ran)
	assert.Never(t, func() bool { return len(ran) > 0 }, 20*time.Millisecond, time.Millisecond)
}

func TestSerialExecutorClose(t *testing.T) {
	e := newSerialExecutor(4)
	e.Close()
	e.Close()
	assert.False(t, e.Submit(func() {}))
}

func TestSerialExecutorNeverOverlaps(t *testing.T) {
	e := newSerialExecutor(1000)
	defer e.Close()

	var active, maxActive, done int
	var mu sync.Mutex
	for i := 0; i < 200; i++ {
		e.Submit(func() {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Microsecond)

			mu.Lock()
			active--
			done++
			mu.Unlock()
		})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 200
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, maxActive)
}
