package beacon

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beaconviz/beacon-go/internal/wsproto"
)

// TestServerLifecycleStates walks Constructed -> Listening -> Running ->
// Stopping -> Stopped and checks operations are rejected out of order
// (spec.md §4.6.1).
func TestServerLifecycleStates(t *testing.T) {
	s := NewServer(nil)

	require.Error(t, s.Start()) // Start before Bind: not Listening
	require.NoError(t, s.Bind("127.0.0.1", 0))
	require.Error(t, s.Bind("127.0.0.1", 0)) // Bind twice: not Constructed

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	// Stop is a no-op once already Stopped.
	require.NoError(t, s.Stop())
}

// TestCapabilityGating asserts a client-publish advertise is rejected with
// a status+close when clientPublish wasn't granted (spec.md §4.6.3, §7
// CapabilityNotGranted).
func TestCapabilityGating(t *testing.T) {
	s := startTestServer(t, WithCapabilities(CapTime)) // no clientPublish
	c := dialClient(t, s.Addr())
	defer c.close()
	c.readText(time.Second) // serverInfo
	c.readText(time.Second) // advertise

	c.sendText(clientAdvertiseMessage{Op: "advertise", Channels: []clientAdvertiseChannel{{Id: 1, Topic: "/x", Encoding: EncodingJSONSchema}}})

	status := c.readText(time.Second)
	require.Equal(t, "status", status["op"])
	payload := status["payload"].(map[string]interface{})
	require.Equal(t, string(StatusError), payload["level"])
}

// TestHandshakeRequiresSubProtocol asserts a plain HTTP request without the
// foxglove.sdk.v1 sub-protocol gets a 426 (spec.md §4.6.2).
func TestHandshakeRequiresSubProtocol(t *testing.T) {
	s := startTestServer(t)
	url := "http://" + s.Addr().String() + "/"
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

// TestSubscriptionFiltering (P8): a client only receives messages for
// channels it currently has an active subscription mapped to.
func TestSubscriptionFiltering(t *testing.T) {
	s := startTestServer(t)

	subscribed := dialClient(t, s.Addr())
	defer subscribed.close()
	subscribed.readText(time.Second) // serverInfo
	subscribed.readText(time.Second) // advertise (empty channel list)
	subscribed.readText(time.Second) // advertiseServices

	unsubscribed := dialClient(t, s.Addr())
	defer unsubscribed.close()
	unsubscribed.readText(time.Second) // serverInfo
	unsubscribed.readText(time.Second) // advertise (empty channel list)
	unsubscribed.readText(time.Second) // advertiseServices

	chA, err := NewChannel("/a", EncodingJSONSchema, Schema{})
	require.NoError(t, err)
	defer chA.Close()
	chB, err := NewChannel("/b", EncodingJSONSchema, Schema{})
	require.NoError(t, err)
	defer chB.Close()

	subscribed.readText(time.Second)   // advertise /a
	subscribed.readText(time.Second)   // advertise /b
	unsubscribed.readText(time.Second) // advertise /a
	unsubscribed.readText(time.Second) // advertise /b

	subscribed.sendText(subscribeMessage{Op: "subscribe", Subscriptions: []subscription{{Id: 1, ChannelId: chA.ID()}}})
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, chA.Log([]byte("on-a")))
	require.NoError(t, chB.Log([]byte("on-b")))

	frame := subscribed.readBinary(time.Second)
	require.Equal(t, byte(0x01), frame[0])

	// The unsubscribed client never subscribed to anything: it must not
	// receive a data frame for either channel within a short window.
	unsubscribed.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err = unsubscribed.conn.Read(make([]byte, 1))
	// Read timing out (not returning real data) demonstrates no message
	// arrived; we only assert that the read fails, not the exact transport error.
	require.Error(t, err)
}

// TestResponderExactlyOnce (P7): for every accepted service request,
// exactly one service-response frame reaches the client, across all three
// handler variants.
func TestResponderExactlyOnce(t *testing.T) {
	registry := NewServiceRegistry()

	syncSvc, err := registry.Register("/sync", ServiceSchema{}, SyncHandler(func(r Request) ([]byte, error) {
		return []byte("sync-ok"), nil
	}))
	require.NoError(t, err)

	blockingSvc, err := registry.Register("/blocking", ServiceSchema{}, BlockingHandler(func(r Request) ([]byte, error) {
		time.Sleep(10 * time.Millisecond)
		return []byte("blocking-ok"), nil
	}))
	require.NoError(t, err)

	asyncSvc, err := registry.Register("/async", ServiceSchema{}, AsyncHandler(func(ctx context.Context, r Request, resp *Responder) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			resp.RespondOK([]byte("async-ok"))
		}()
	}))
	require.NoError(t, err)

	droppedSvc, err := registry.Register("/dropped", ServiceSchema{}, AsyncHandler(func(ctx context.Context, r Request, resp *Responder) {
		// never responds; dispatcher's runGuarded must still call ensure().
	}))
	require.NoError(t, err)

	s := NewServer(registry)
	require.NoError(t, s.Bind("127.0.0.1", 0))
	require.NoError(t, s.Start())
	defer s.Stop()

	c := dialClient(t, s.Addr())
	defer c.close()
	c.readText(time.Second) // serverInfo
	c.readText(time.Second) // advertise
	c.readText(time.Second) // advertiseServices

	for i, svc := range []*Service{syncSvc, blockingSvc, asyncSvc, droppedSvc} {
		c.sendBinary(wsproto.EncodeServiceRequest(svc.ID, uint32(100+i), "", nil))
		resp := c.readBinary(2 * time.Second)
		require.Equal(t, byte(0x03), resp[0])
	}
}
