package ringbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingDropsOldestWhenFull(t *testing.T) {
	r := New[[]byte](4)
	for i := 0; i < 100; i++ {
		r.Push([]byte{byte(i)})
	}
	assert.Equal(t, 4, r.Len())
	assert.True(t, r.DrainOverflow())
	assert.False(t, r.DrainOverflow(), "overflow flag resets after drain")

	var got []byte
	for {
		data, ok := popNonBlocking(r)
		if !ok {
			break
		}
		got = append(got, data[0])
	}
	// the last 4 pushed values, oldest-first, are 96,97,98,99
	assert.Equal(t, []byte{96, 97, 98, 99}, got)
}

func popNonBlocking(r *Ring[[]byte]) ([]byte, bool) {
	if r.Len() == 0 {
		return nil, false
	}
	return r.Pop()
}

func TestRingPushNeverBlocksProducer(t *testing.T) {
	r := New[[]byte](2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			r.Push([]byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked despite no consumer draining the ring")
	}
}

func TestRingCloseUnblocksPop(t *testing.T) {
	r := New[[]byte](2)
	done := make(chan struct{})
	go func() {
		_, ok := r.Pop()
		assert.False(t, ok)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	r.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestRingPopReturnsInFIFOOrder(t *testing.T) {
	r := New[[]byte](8)
	for i := 0; i < 5; i++ {
		r.Push([]byte{byte(i)})
	}
	for i := 0; i < 5; i++ {
		data, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, byte(i), data[0])
	}
}
