package beacon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler() HandlerFunc {
	return SyncHandler(func(req Request) ([]byte, error) {
		return req.Payload, nil
	})
}

// TestServiceRegistryUniqueness is P6: name -> id and id -> service stay
// injective across insert/remove, and a removed name can be reused.
func TestServiceRegistryUniqueness(t *testing.T) {
	reg := NewServiceRegistry()

	svcA, err := reg.Register("add", ServiceSchema{}, echoHandler())
	require.NoError(t, err)

	_, err = reg.Register("add", ServiceSchema{}, echoHandler())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidInput, kind)

	svcB, err := reg.Register("subtract", ServiceSchema{}, echoHandler())
	require.NoError(t, err)
	assert.NotEqual(t, svcA.ID, svcB.ID)

	reg.Remove(svcA.ID)
	_, found := reg.ByID(svcA.ID)
	assert.False(t, found)
	_, found = reg.ByName("add")
	assert.False(t, found)

	svcA2, err := reg.Register("add", ServiceSchema{}, echoHandler())
	require.NoError(t, err)
	assert.NotEqual(t, svcA.ID, svcA2.ID)

	assert.Len(t, reg.Snapshot(), 2)
}

// TestDispatcherRespondsExactlyOnce is P7: every accepted call produces
// exactly one reply invocation, for sync, blocking, and async handlers.
func TestDispatcherRespondsExactlyOnce(t *testing.T) {
	reg := NewServiceRegistry()

	_, err := reg.Register("sync-echo", ServiceSchema{}, SyncHandler(func(req Request) ([]byte, error) {
		return req.Payload, nil
	}))
	require.NoError(t, err)

	_, err = reg.Register("blocking-echo", ServiceSchema{}, BlockingHandler(func(req Request) ([]byte, error) {
		return req.Payload, nil
	}))
	require.NoError(t, err)

	_, err = reg.Register("async-echo", ServiceSchema{}, AsyncHandler(func(ctx context.Context, req Request, r *Responder) {
		r.RespondOK(req.Payload)
	}))
	require.NoError(t, err)

	_, err = reg.Register("panicker", ServiceSchema{}, SyncHandler(func(req Request) ([]byte, error) {
		panic("boom")
	}))
	require.NoError(t, err)

	d := NewServiceDispatcher(reg, 8, 4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	for _, name := range []string{"sync-echo", "blocking-echo", "async-echo", "panicker"} {
		svc, ok := reg.ByName(name)
		require.True(t, ok)

		var mu sync.Mutex
		var calls int
		var gotOK bool
		var gotData []byte
		done := make(chan struct{})

		reply := func(ok bool, data []byte, errMsg string) {
			mu.Lock()
			calls++
			gotOK = ok
			gotData = data
			mu.Unlock()
			close(done)
		}

		d.Dispatch(ctx, Request{
			ServiceID: svc.ID,
			ClientID:  "client-1",
			CallID:    1,
			Payload:   []byte("ping"),
		}, reply)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: reply never invoked", name)
		}

		mu.Lock()
		assert.Equal(t, 1, calls, "service %s", name)
		if name != "panicker" {
			assert.True(t, gotOK, "service %s", name)
			assert.Equal(t, []byte("ping"), gotData, "service %s", name)
		} else {
			assert.False(t, gotOK, "panicker should respond with an error, not a panic")
		}
		mu.Unlock()
	}
}

// TestDispatcherAdmissionChecks verifies the four-step call-lifecycle
// admission of spec.md §4.5: unknown service, call id reuse, encoding
// mismatch, and semaphore exhaustion are all rejected before the handler
// ever runs.
func TestDispatcherAdmissionChecks(t *testing.T) {
	reg := NewServiceRegistry()
	reqSchema := &EncodedSchema{Encoding: "json"}
	_, err := reg.Register("typed", ServiceSchema{Request: reqSchema}, echoHandler())
	require.NoError(t, err)
	svc, _ := reg.ByName("typed")

	t.Run("unknown service", func(t *testing.T) {
		d := NewServiceDispatcher(reg, 4, 1, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d.Start(ctx)
		defer d.Stop()

		done := make(chan struct{})
		reply := func(ok bool, data []byte, errMsg string) {
			assert.False(t, ok)
			assert.Contains(t, errMsg, "ServiceUnknown")
			close(done)
		}
		d.Dispatch(ctx, Request{ServiceID: 9999, ClientID: "c1", CallID: 1}, reply)
		<-done
	})

	t.Run("call id reuse rejected while in flight", func(t *testing.T) {
		d := NewServiceDispatcher(reg, 4, 1, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d.Start(ctx)
		defer d.Stop()

		assert.True(t, d.reserveCallID("c1", 42))
		assert.False(t, d.reserveCallID("c1", 42))
		d.releaseCallID("c1", 42)
		assert.True(t, d.reserveCallID("c1", 42))
	})

	t.Run("encoding mismatch rejected", func(t *testing.T) {
		d := NewServiceDispatcher(reg, 4, 1, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d.Start(ctx)
		defer d.Stop()

		var gotOK bool
		var gotErr string
		done := make(chan struct{})
		d.Dispatch(ctx, Request{ServiceID: svc.ID, ClientID: "c2", CallID: 1, Encoding: "protobuf"}, func(ok bool, data []byte, errMsg string) {
			gotOK, gotErr = ok, errMsg
			close(done)
		})
		<-done
		assert.False(t, gotOK)
		assert.Contains(t, gotErr, "encoding")
	})

	t.Run("semaphore exhaustion rejected as overloaded", func(t *testing.T) {
		block := make(chan struct{})
		_, err := reg.Register("blocker", ServiceSchema{}, SyncHandler(func(req Request) ([]byte, error) {
			<-block
			return nil, nil
		}))
		require.NoError(t, err)
		blocker, _ := reg.ByName("blocker")

		d := NewServiceDispatcher(reg, 1, 1, 4)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		d.Start(ctx)
		defer d.Stop()

		go d.Dispatch(ctx, Request{ServiceID: blocker.ID, ClientID: "c3", CallID: 1}, func(ok bool, data []byte, errMsg string) {})
		time.Sleep(50 * time.Millisecond)

		var gotOK bool
		var gotErr string
		done := make(chan struct{})
		d.Dispatch(ctx, Request{ServiceID: blocker.ID, ClientID: "c4", CallID: 1}, func(ok bool, data []byte, errMsg string) {
			gotOK, gotErr = ok, errMsg
			close(done)
		})
		<-done
		close(block)
		assert.False(t, gotOK)
		assert.Contains(t, gotErr, "Overloaded")
	})
}
