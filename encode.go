package beacon

// Encode is implemented by generated per-schema message types so that
// TypedChannel can serialize them without the core depending on any
// particular generated type (spec.md §4.2, §9 "Generated schema structs
// vs. hand-written core"). The core treats the returned bytes as opaque.
type Encode interface {
	// EncodeBeacon appends the wire representation of the message to buf
	// and returns the extended slice, following the append-pattern used
	// throughout the corpus for allocation-free encoders.
	EncodeBeacon(buf []byte) ([]byte, error)
	// BeaconSchema returns the schema describing the encoded bytes, or
	// a zero Schema if the encoding is self-describing and needs none.
	BeaconSchema() (Schema, bool)
	// BeaconMessageEncoding names the wire encoding ("protobuf", "json",
	// "cdr", "ros1"), matching Channel.MessageEncoding for a TypedChannel.
	BeaconMessageEncoding() string
}
