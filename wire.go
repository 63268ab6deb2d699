package beacon

import "encoding/json"

// StatusLevel is Status.Level's enum (spec.md §4.6.6 "Status").
type StatusLevel string

const (
	StatusInfo    StatusLevel = "Info"
	StatusWarning StatusLevel = "Warning"
	StatusError   StatusLevel = "Error"
)

// Status is a server->client informational frame. Id, when set, lets a
// later removeStatus retract it (recovered from original_source; folded
// into spec.md §4.6.6's "Status" bullet).
type Status struct {
	Level   StatusLevel `json:"level"`
	Message string      `json:"message"`
	Id      *string     `json:"id,omitempty"`
}

type statusMessage struct {
	Op      string `json:"op"`
	Payload Status `json:"payload"`
}

type removeStatusMessage struct {
	Op      string            `json:"op"`
	Payload removeStatusBody  `json:"payload"`
}

type removeStatusBody struct {
	Ids []string `json:"ids"`
}

// serverInfoMessage is the first frame sent on a successful handshake
// (spec.md §4.6.2).
type serverInfoMessage struct {
	Op                string            `json:"op"`
	Name              string            `json:"name"`
	Capabilities      []string          `json:"capabilities"`
	SupportedEncodings []string         `json:"supportedEncodings"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	SessionId         string            `json:"sessionId"`
}

// channelInfo is one entry of an advertise frame's channels array.
type channelInfo struct {
	Id       uint64            `json:"id"`
	Topic    string            `json:"topic"`
	Encoding string            `json:"encoding"`
	Schema   string            `json:"schemaName"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type advertiseMessage struct {
	Op       string        `json:"op"`
	Channels []channelInfo `json:"channels"`
}

type unadvertiseMessage struct {
	Op         string   `json:"op"`
	ChannelIds []uint64 `json:"channelIds"`
}

type subscription struct {
	Id        uint32 `json:"id"`
	ChannelId uint64 `json:"channelId"`
}

type subscribeMessage struct {
	Op            string         `json:"op"`
	Subscriptions []subscription `json:"subscriptions"`
}

type unsubscribeMessage struct {
	Op              string   `json:"op"`
	SubscriptionIds []uint32 `json:"subscriptionIds"`
}

// clientAdvertiseChannel is one entry of a client->server advertise frame
// (spec.md §4.6.5 "Client publishing").
type clientAdvertiseChannel struct {
	Id       uint32 `json:"id"`
	Topic    string `json:"topic"`
	Encoding string `json:"encoding"`
	Schema   string `json:"schemaName,omitempty"`
}

type clientAdvertiseMessage struct {
	Op       string                   `json:"op"`
	Channels []clientAdvertiseChannel `json:"channels"`
}

type clientUnadvertiseMessage struct {
	Op         string   `json:"op"`
	ChannelIds []uint32 `json:"channelIds"`
}

type getParametersMessage struct {
	Op          string   `json:"op"`
	ParameterNames []string `json:"parameterNames"`
	Id          string   `json:"id,omitempty"`
}

type setParametersMessage struct {
	Op         string                     `json:"op"`
	Parameters map[string]ParamValue      `json:"parameters"`
	Id         string                     `json:"id,omitempty"`
}

type parameterValuesMessage struct {
	Op         string                `json:"op"`
	Parameters map[string]ParamValue `json:"parameters"`
	Id         string                `json:"id,omitempty"`
}

type parametersSubscribeMessage struct {
	Op             string   `json:"op"`
	ParameterNames []string `json:"parameterNames"`
}

type parametersUnsubscribeMessage struct {
	Op             string   `json:"op"`
	ParameterNames []string `json:"parameterNames"`
}

type serviceInfo struct {
	Id              uint32 `json:"id"`
	Name            string `json:"name"`
	RequestEncoding string `json:"requestEncoding,omitempty"`
}

type advertiseServicesMessage struct {
	Op       string        `json:"op"`
	Services []serviceInfo `json:"services"`
}

type unadvertiseServicesMessage struct {
	Op         string   `json:"op"`
	ServiceIds []uint32 `json:"serviceIds"`
}

type fetchAssetMessage struct {
	Op        string `json:"op"`
	Uri       string `json:"uri"`
	RequestId uint32 `json:"requestId"`
}

type connectionGraphUpdateMessage struct {
	Op   string    `json:"op"`
	Diff GraphDiff `json:"diff"`
}

// opEnvelope is decoded first to dispatch on the required top-level "op"
// field (spec.md §6 "Wire protocol").
type opEnvelope struct {
	Op string `json:"op"`
}

func encodeTextFrame(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
