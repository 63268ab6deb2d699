package beacon

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/beaconviz/beacon-go/internal/ringbuf"
	"github.com/beaconviz/beacon-go/internal/telemetry"
)

// Time allowed to write a frame to a client, and the ping/pong keepalive
// cadence — grounded on the host module's pump_write.go constants, kept at
// the same values.
const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// clientChannelInfo is what the server remembers about a channel a client
// has advertised for publishing (spec.md §4.6.5 "Client publishing").
type clientChannelInfo struct {
	Topic    string
	Encoding string
	Schema   Schema
}

// Client is one connected WebSocket peer: its raw connection, its
// per-client subscription state, and its bounded, drop-oldest outbound
// queue. Client state outside the outbound queue is mutated only by its
// own read goroutine (spec.md §5 "Shared-resource policy"), except where
// noted.
type Client struct {
	id     string
	conn   net.Conn
	server *Server

	outbound *ringbuf.Ring[[]byte]

	closeOnce sync.Once
	closed    chan struct{}

	mu             sync.Mutex
	subsByID       map[uint32]uint64            // subscription_id -> channel_id
	subsByChannel  map[uint64]map[uint32]struct{} // channel_id -> set of subscription_id
	clientChannels map[uint32]clientChannelInfo  // client_channel_id -> info
	paramSubs      map[string]struct{}

	assetSem chan struct{}
}

func newClient(conn net.Conn, srv *Server, backlog int) *Client {
	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		server:         srv,
		outbound:       ringbuf.New[[]byte](backlog),
		closed:         make(chan struct{}),
		subsByID:       map[uint32]uint64{},
		subsByChannel:  map[uint64]map[uint32]struct{}{},
		clientChannels: map[uint32]clientChannelInfo{},
		paramSubs:      map[string]struct{}{},
		assetSem:       make(chan struct{}, srv.opts.MaxConcurrentAssetFetchesPerClient),
	}
}

// ID returns the client's server-assigned identity.
func (c *Client) ID() string { return c.id }

// enqueueBinary pushes a binary frame onto the client's outbound queue,
// dropping the oldest queued frame if full, and arranges for exactly one
// overflow Status frame to follow (spec.md §5).
func (c *Client) enqueueBinary(frame []byte) {
	if c.outbound.Push(frame) {
		telemetry.MessagesDroppedTotal.WithLabelValues(c.id).Inc()
		c.enqueueOverflowStatusOnce()
	}
}

func (c *Client) enqueueOverflowStatusOnce() {
	if !c.outbound.DrainOverflow() {
		return
	}
	frame, err := encodeTextFrame(statusMessage{
		Op: "status",
		Payload: Status{
			Level:   StatusWarning,
			Message: "message queue overflow",
		},
	})
	if err != nil {
		return
	}
	c.outbound.Push(frame)
}

// enqueueText pushes a pre-encoded text JSON frame onto the outbound
// queue.
func (c *Client) enqueueText(frame []byte) {
	c.outbound.Push(frame)
}

// addSubscription records subscriptionID -> channelID for this client.
func (c *Client) addSubscription(subscriptionID uint32, channelID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subsByID[subscriptionID] = channelID
	set, ok := c.subsByChannel[channelID]
	if !ok {
		set = map[uint32]struct{}{}
		c.subsByChannel[channelID] = set
	}
	set[subscriptionID] = struct{}{}
}

// removeSubscription forgets subscriptionID.
func (c *Client) removeSubscription(subscriptionID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channelID, ok := c.subsByID[subscriptionID]
	if !ok {
		return
	}
	delete(c.subsByID, subscriptionID)
	if set, ok := c.subsByChannel[channelID]; ok {
		delete(set, subscriptionID)
		if len(set) == 0 {
			delete(c.subsByChannel, channelID)
		}
	}
}

// subscriptionsFor returns every subscription id this client currently
// maps to channelID (spec.md P8 "active subscription mapped to C").
func (c *Client) subscriptionsFor(channelID uint64) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.subsByChannel[channelID]
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (c *Client) addClientChannel(id uint32, info clientChannelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientChannels[id] = info
}

func (c *Client) removeClientChannel(id uint32) (clientChannelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.clientChannels[id]
	delete(c.clientChannels, id)
	return info, ok
}

func (c *Client) setParamSubscriptions(names []string, subscribe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		if subscribe {
			c.paramSubs[n] = struct{}{}
		} else {
			delete(c.paramSubs, n)
		}
	}
}

func (c *Client) subscribedToParam(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paramSubs[name]
	return ok
}

// close tears down the connection exactly once, releasing every resource
// this client held server-side.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.outbound.Close()
		_ = c.conn.Close()
		c.server.forgetClient(c)
	})
}

// writePump drains the outbound queue to the socket, batching available
// frames per wakeup and sending keepalive pings on the idle ticker —
// adapted from the host module's pump_write.go writePump, generalized from
// a single JSON envelope type to this spec's binary/text frame mix.
func (c *Client) writePump() {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	frames := make(chan []byte)
	go func() {
		for {
			frame, ok := c.outbound.Pop()
			if !ok {
				close(frames)
				return
			}
			select {
			case frames <- frame:
			case <-c.closed:
				return
			}
		}
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeFrame(writer, frame); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
			telemetry.MessagesSentTotal.Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// writeFrame picks text vs. binary framing by sniffing the first byte of a
// JSON text frame (always '{') against the binary opcode space (0x01-0x04).
func writeFrame(w *bufio.Writer, frame []byte) error {
	if len(frame) > 0 && frame[0] == '{' {
		return wsutil.WriteServerMessage(w, ws.OpText, frame)
	}
	return wsutil.WriteServerMessage(w, ws.OpBinary, frame)
}

// readPump parses inbound frames and dispatches them to the server,
// adapted from the host module's pump_read.go readPump.
func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.server.rateLimiter.Allow(c.id) {
			continue
		}

		switch op {
		case ws.OpText:
			c.server.handleTextFrame(c, msg)
		case ws.OpBinary:
			c.server.handleBinaryFrame(c, msg)
		case ws.OpClose:
			return
		}
	}
}
