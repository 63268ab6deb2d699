package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(4, 16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	var n int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&n, 1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	assert.EqualValues(t, 50, atomic.LoadInt64(&n))
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	block := make(chan struct{})
	require.True(t, p.Submit(func() { <-block }))
	time.Sleep(20 * time.Millisecond) // let the worker pick it up, emptying the queue slot
	require.True(t, p.Submit(func() {}))
	ok := p.Submit(func() {})
	assert.False(t, ok)
	assert.EqualValues(t, 1, p.Dropped())
	close(block)
}

func TestPoolPanicRecoveryContinues(t *testing.T) {
	p := New(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	done := make(chan struct{})
	require.True(t, p.Submit(func() { panic("boom") }))
	require.True(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not continue after panic")
	}
}
