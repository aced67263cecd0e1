package actor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_FIFO(t *testing.T) {
	l := New()
	l.Start()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Stop()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_SingleGoroutine(t *testing.T) {
	l := New()
	l.Start()

	var running int32
	var overlap int32
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() {
					if atomic.AddInt32(&running, 1) > 1 {
						atomic.StoreInt32(&overlap, 1)
					}
					atomic.AddInt32(&running, -1)
				})
			}
		}()
	}
	wg.Wait()
	l.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&overlap))
}

func TestLoop_PostAfterStop(t *testing.T) {
	l := New()
	l.Start()
	l.Stop()

	assert.False(t, l.Post(func() {}))
	assert.True(t, l.Stopped())
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestLoop_StopDrainsQueuedWork(t *testing.T) {
	l := New()
	var count int32
	for i := 0; i < 10; i++ {
		l.Post(func() { atomic.AddInt32(&count, 1) })
	}
	// never started: Stop still runs what was accepted
	l.Stop()
	assert.Equal(t, int32(10), atomic.LoadInt32(&count))
}

func TestLoop_PostFromInsideLoop(t *testing.T) {
	l := New()
	l.Start()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
	l.Stop()
}

func TestLoop_Call(t *testing.T) {
	l := New()
	l.Start()

	x := 0
	require.True(t, l.Call(func() { x = 42 }))
	assert.Equal(t, 42, x)

	l.Stop()
	assert.False(t, l.Call(func() {}))
}

func TestLoop_Run(t *testing.T) {
	l := New()
	exited := make(chan struct{})
	go func() {
		l.Run()
		close(exited)
	}()

	l.Post(func() {})
	l.Stop()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
