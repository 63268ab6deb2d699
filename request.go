package beacon

// Request is the payload a service handler receives for one call,
// spec.md §4.5. Payload is the raw, still-encoded request body; handlers
// decode it according to the service's declared request encoding.
type Request struct {
	ServiceName string
	ServiceID   uint32
	ClientID    string
	CallID      uint32
	Encoding    string
	Payload     []byte
}
