package beacon

import (
	"strconv"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

var channelIDCounter int64

func nextChannelID() uint64 {
	return uint64(atomic.AddInt64(&channelIDCounter, 1))
}

// channelState is the shared, reference-counted interior of a Channel.
// Go has no Drop hook, so lifecycle is explicit: every Channel value
// returned to a producer increments refs; Close decrements it and
// deregisters at zero. This is the "newer, always-open" variant spec.md §9
// calls authoritative — Close is idempotent and safe to call from any
// number of holders.
type channelState struct {
	id       uint64
	topic    string
	encoding string
	schema   Schema
	metadata map[string]string

	seq int64 // per-channel monotone sequence counter (spec.md §3 Metadata)

	mu       sync.Mutex
	refs     int
	closed   bool
	closeErr error
}

// Channel is a handle to a schematized, process-wide message stream. It is
// cheap to clone: Clone shares the underlying state and increments the
// refcount, mirroring the "shared by multiple producers" lifecycle in
// spec.md §3.
type Channel struct {
	state *channelState
}

// NewChannel allocates a fresh channel identity bound to topic, a wire
// encoding name, and a schema, and registers it with the global LogContext.
// It fails only on invalid UTF-8 in topic.
func NewChannel(topic string, encoding string, schema Schema) (Channel, error) {
	const op = "NewChannel"
	if !utf8.ValidString(topic) {
		return Channel{}, newError(KindInvalidInput, op, errInvalidTopic)
	}
	st := &channelState{
		id:       nextChannelID(),
		topic:    topic,
		encoding: encoding,
		schema:   schema,
		metadata: map[string]string{},
		refs:     1,
	}
	ch := Channel{state: st}
	globalLogContext().registerChannel(ch)
	return ch, nil
}

var errInvalidTopic = &strconvError{"topic is not valid UTF-8"}

type strconvError struct{ msg string }

func (e *strconvError) Error() string { return e.msg }

// ID returns the channel's process-wide unique identity.
func (c Channel) ID() uint64 { return c.state.id }

// Topic returns the channel's topic string.
func (c Channel) Topic() string { return c.state.topic }

// MessageEncoding returns the channel's wire encoding name.
func (c Channel) MessageEncoding() string { return c.state.encoding }

// Schema returns the channel's immutable schema.
func (c Channel) Schema() Schema { return c.state.schema }

// Metadata returns a copy of the channel's key/value metadata.
func (c Channel) Metadata() map[string]string {
	out := make(map[string]string, len(c.state.metadata))
	for k, v := range c.state.metadata {
		out[k] = v
	}
	return out
}

// WithMetadata returns a Channel sharing the same identity with additional
// metadata entries merged in. Metadata mutation is only safe before the
// channel is shared across goroutines that read it concurrently, matching
// spec.md's "once created, immutable" guarantee for schema/encoding only.
func (c Channel) WithMetadata(kv map[string]string) Channel {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	for k, v := range kv {
		c.state.metadata[k] = v
	}
	return c
}

// Clone returns a new Channel handle sharing this channel's identity and
// increments its reference count. Each Clone must eventually be balanced
// by a Close.
func (c Channel) Clone() Channel {
	c.state.mu.Lock()
	c.state.refs++
	c.state.mu.Unlock()
	return c
}

// Close releases this handle's reference. When the last reference drops,
// the channel deregisters from the global LogContext, which notifies every
// attached sink via RemoveChannel. Close is idempotent per-handle-group:
// calling it more times than there are outstanding references is a no-op
// past the first redundant call.
func (c Channel) Close() error {
	c.state.mu.Lock()
	if c.state.closed {
		c.state.mu.Unlock()
		return nil
	}
	c.state.refs--
	if c.state.refs > 0 {
		c.state.mu.Unlock()
		return nil
	}
	c.state.closed = true
	c.state.mu.Unlock()
	globalLogContext().deregisterChannel(c)
	return nil
}

// nextSequence returns the next value of this channel's per-channel
// monotone sequence counter, used to fill Metadata.Sequence when the
// producer didn't supply one (spec.md §3).
func (c Channel) nextSequence() uint32 {
	return uint32(atomic.AddInt64(&c.state.seq, 1) - 1)
}

// Log publishes raw, already-encoded bytes on this channel with metadata
// defaulted per spec.md §3 (log_time from wall clock if absent,
// publish_time from log_time if absent, sequence from the per-channel
// counter if absent).
func (c Channel) Log(data []byte) error {
	return c.LogWithMeta(data, Metadata{})
}

// LogWithMeta publishes raw bytes with caller-supplied metadata; absent
// (nil) fields are defaulted as described on Log.
func (c Channel) LogWithMeta(data []byte, meta Metadata) error {
	c.state.mu.Lock()
	closed := c.state.closed
	c.state.mu.Unlock()
	if closed {
		globalLogContext().logger.Debug().Str("topic", c.state.topic).Msg("log on closed channel")
		return newError(KindChannelClosed, "Channel.Log", nil)
	}
	resolved := ResolvedMetadata{}
	if meta.LogTime != nil {
		resolved.LogTime = *meta.LogTime
	} else {
		resolved.LogTime = Now().UnixNano()
	}
	if meta.PublishTime != nil {
		resolved.PublishTime = *meta.PublishTime
	} else {
		resolved.PublishTime = resolved.LogTime
	}
	if meta.Sequence != nil {
		resolved.Sequence = *meta.Sequence
	} else {
		resolved.Sequence = c.nextSequence()
	}
	globalLogContext().dispatch(c, data, resolved)
	return nil
}

// Metadata carries the per-message fields a producer may optionally supply
// for a single Log call; nil fields are defaulted per spec.md §3.
type Metadata struct {
	LogTime     *uint64
	PublishTime *uint64
	Sequence    *uint32
}

// ResolvedMetadata is Metadata after defaulting: every field is populated,
// which is what sinks observe.
type ResolvedMetadata struct {
	LogTime     uint64
	PublishTime uint64
	Sequence    uint32
}

// TypedChannel specializes a Channel to a single message type T
// implementing Encode, so producers call Log(&T) instead of hand-encoding
// bytes (spec.md §4.2).
type TypedChannel[T Encode] struct {
	ch Channel
}

// NewTypedChannel creates a TypedChannel for topic with the given wire
// encoding and schema; they are not derived from T. Callers typically call
// it as NewTypedChannel[MyMessage]("/topic", msgEncoding, schema).
func NewTypedChannel[T Encode](topic string, encoding string, schema Schema) (TypedChannel[T], error) {
	ch, err := NewChannel(topic, encoding, schema)
	if err != nil {
		return TypedChannel[T]{}, err
	}
	return TypedChannel[T]{ch: ch}, nil
}

// Channel returns the underlying untyped Channel handle.
func (t TypedChannel[T]) Channel() Channel { return t.ch }

// Log encodes msg via its Encode implementation and publishes it.
func (t TypedChannel[T]) Log(msg T) error {
	return t.LogWithMeta(msg, Metadata{})
}

// LogWithMeta encodes msg and publishes it with explicit metadata.
func (t TypedChannel[T]) LogWithMeta(msg T, meta Metadata) error {
	buf, err := msg.EncodeBeacon(nil)
	if err != nil {
		return newError(KindInvalidInput, "TypedChannel.Log", err)
	}
	return t.ch.LogWithMeta(buf, meta)
}

// Close releases this TypedChannel's reference to the underlying channel.
func (t TypedChannel[T]) Close() error { return t.ch.Close() }

func (c Channel) String() string {
	return c.state.topic + "#" + strconv.FormatUint(c.state.id, 10)
}
