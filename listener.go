package beacon

import "encoding/json"

// ParamValue is a JSON-serializable parameter value: a scalar, array, byte
// blob, or nested dictionary (spec.md §4.6.6 "Parameters").
type ParamValue = json.RawMessage

// Listener is the capability set embedding code implements to react to
// client-initiated operations (spec.md §6 "Listener contract"). Every
// method has a default no-op via BaseListener, so implementors only
// override what they need.
type Listener interface {
	OnSubscribe(clientID string, channelID uint64)
	OnUnsubscribe(clientID string, channelID uint64)
	OnClientAdvertise(clientID string, clientChannelID uint32, topic, encoding string, schema Schema)
	OnClientUnadvertise(clientID string, clientChannelID uint32)
	OnMessageData(clientID string, clientChannelID uint32, payload []byte)
	OnGetParameters(clientID string, names []string) map[string]ParamValue
	OnSetParameters(clientID string, values map[string]ParamValue)
	OnParametersSubscribe(clientID string, names []string)
	OnParametersUnsubscribe(clientID string, names []string)
}

// BaseListener provides no-op implementations of every Listener method.
type BaseListener struct{}

func (BaseListener) OnSubscribe(string, uint64)                                    {}
func (BaseListener) OnUnsubscribe(string, uint64)                                  {}
func (BaseListener) OnClientAdvertise(string, uint32, string, string, Schema)      {}
func (BaseListener) OnClientUnadvertise(string, uint32)                            {}
func (BaseListener) OnMessageData(string, uint32, []byte)                          {}
func (BaseListener) OnGetParameters(string, []string) map[string]ParamValue        { return nil }
func (BaseListener) OnSetParameters(string, map[string]ParamValue)                 {}
func (BaseListener) OnParametersSubscribe(string, []string)                        {}
func (BaseListener) OnParametersUnsubscribe(string, []string)                      {}
