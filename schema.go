package beacon

// Schema describes the wire shape of messages on a channel or a service's
// request/response. It is immutable once constructed.
type Schema struct {
	Name     string
	Encoding string
	Data     []byte
}

// Well-known schema encodings that trigger client-side format dispatch.
// The core itself never interprets Data beyond passing it through.
const (
	EncodingProtobuf   = "protobuf"
	EncodingROS1Msg    = "ros1msg"
	EncodingROS2Msg    = "ros2msg"
	EncodingJSONSchema = "jsonschema"
	EncodingOMGIDL     = "omgidl"
)

// ServiceSchema carries the optional request and response sub-schemas for
// a Service. Either side may be nil when a service takes no request payload
// or returns no response payload beyond a bare acknowledgement.
type ServiceSchema struct {
	Request  *EncodedSchema
	Response *EncodedSchema
}

// EncodedSchema pairs a wire encoding name with the Schema describing it.
type EncodedSchema struct {
	Encoding string
	Schema   Schema
}
