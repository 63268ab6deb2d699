package beacon

// Sink is the capability set a message consumer implements: an archive
// writer, the WebSocket server, or any other downstream collaborator
// (spec.md §3 "Sink", §6 "Sink contract"). Log is the only required method;
// AddChannel/RemoveChannel/Close default to no-ops via BaseSink so most
// implementors only need to embed it and override Log.
//
// Implementations are called concurrently from many goroutines and are
// responsible for their own internal synchronization.
type Sink interface {
	// Log delivers one already-encoded message for channel to the sink.
	// A returned error is logged and isolated by the LogContext; it never
	// prevents delivery to other sinks.
	Log(channel Channel, data []byte, meta ResolvedMetadata) error
	// AddChannel notifies the sink that channel is now live. Called once
	// per channel when the sink is added (for every currently-live
	// channel) and once per channel as new channels are created.
	AddChannel(channel Channel)
	// RemoveChannel notifies the sink that channel has been deregistered.
	RemoveChannel(channel Channel)
	// Close releases any resources held by the sink. Called by the
	// embedder; the LogContext never calls it automatically.
	Close() error
}

// BaseSink provides no-op implementations of Sink's optional methods so
// implementors can embed it and only define Log.
type BaseSink struct{}

func (BaseSink) AddChannel(Channel)    {}
func (BaseSink) RemoveChannel(Channel) {}
func (BaseSink) Close() error          { return nil }
