package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/beaconviz/beacon-go/internal/admission"
	"github.com/beaconviz/beacon-go/internal/ratelimit"
	"github.com/beaconviz/beacon-go/internal/telemetry"
	"github.com/beaconviz/beacon-go/internal/wsproto"
)

// subProtocol is the sub-protocol clients must advertise on upgrade
// (spec.md §4.6.2).
const subProtocol = "foxglove.sdk.v1"

// Capability names a server may advertise (spec.md §4.6.3).
const (
	CapClientPublish        = "clientPublish"
	CapParameters            = "parameters"
	CapParametersSubscribe   = "parametersSubscribe"
	CapTime                  = "time"
	CapServices              = "services"
	CapConnectionGraph       = "connectionGraph"
	CapAssets                = "assets"
)

type lifecycleState int32

const (
	stateConstructed lifecycleState = iota
	stateListening
	stateRunning
	stateStopping
	stateStopped
)

// ServerOptions configures a Server, per spec.md §6 "Server builder".
type ServerOptions struct {
	Name                                string
	SessionId                           string
	Capabilities                        []string
	SupportedEncodings                  []string
	MessageBacklogSize                  int
	MaxConcurrentCalls                  int
	MaxConcurrentAssetFetchesPerClient  int
	MaxFrameSize                        int
	DrainTimeout                        time.Duration
	RateLimitPerSec                     float64
	RateLimitBurst                      int
	AdmissionThresholds                 admission.Thresholds
	Listener                            Listener
	AssetHandler                        AssetHandler
	Logger                              zerolog.Logger
}

// Option mutates ServerOptions, applied in order by NewServer.
type Option func(*ServerOptions)

func WithName(name string) Option { return func(o *ServerOptions) { o.Name = name } }

func WithSessionId(id string) Option { return func(o *ServerOptions) { o.SessionId = id } }

func WithCapabilities(caps ...string) Option {
	return func(o *ServerOptions) { o.Capabilities = caps }
}

func WithSupportedEncodings(encodings ...string) Option {
	return func(o *ServerOptions) { o.SupportedEncodings = encodings }
}

func WithMessageBacklogSize(n int) Option {
	return func(o *ServerOptions) { o.MessageBacklogSize = n }
}

func WithMaxConcurrentCalls(n int) Option {
	return func(o *ServerOptions) { o.MaxConcurrentCalls = n }
}

func WithListener(l Listener) Option { return func(o *ServerOptions) { o.Listener = l } }

func WithAssetHandler(h AssetHandler) Option { return func(o *ServerOptions) { o.AssetHandler = h } }

func WithDrainTimeout(d time.Duration) Option { return func(o *ServerOptions) { o.DrainTimeout = d } }

func WithAdmissionThresholds(t admission.Thresholds) Option {
	return func(o *ServerOptions) { o.AdmissionThresholds = t }
}

func WithLogger(l zerolog.Logger) Option { return func(o *ServerOptions) { o.Logger = l } }

func defaultOptions() ServerOptions {
	return ServerOptions{
		Name:                               "beacon",
		Capabilities:                       []string{CapClientPublish, CapParameters, CapParametersSubscribe, CapTime, CapServices, CapConnectionGraph, CapAssets},
		SupportedEncodings:                 []string{EncodingJSONSchema, EncodingProtobuf},
		MessageBacklogSize:                 1024,
		MaxConcurrentCalls:                 DefaultMaxConcurrentCalls,
		MaxConcurrentAssetFetchesPerClient: 4,
		MaxFrameSize:                       4 * 1024 * 1024,
		DrainTimeout:                       1 * time.Second,
		RateLimitPerSec:                    100,
		RateLimitBurst:                     200,
		AdmissionThresholds:                admission.DefaultThresholds(),
		Listener:                           BaseListener{},
		Logger:                             log.Logger,
	}
}

// Server is the WebSocket front-end (spec.md §4.6): the lifecycle state
// machine, per-client connection bookkeeping, and the Sink through which
// in-process Channel.Log calls reach subscribed clients.
type Server struct {
	opts ServerOptions
	BaseSink

	stateMu sync.Mutex
	state   lifecycleState

	listener net.Listener
	httpSrv  *http.Server

	sessionMu sync.Mutex
	sessionID string

	clients           sync.Map // clientID string -> *Client
	activeConnections int64

	chMu     sync.Mutex
	channels map[uint64]Channel

	registry   *ServiceRegistry
	dispatcher *ServiceDispatcher

	connectionGraph *ConnectionGraph

	admissionGuard *admission.Guard
	rateLimiter    *ratelimit.PerClient

	stopDispatcher context.CancelFunc
}

// NewServer constructs a Server in the Constructed state; it accepts no
// connections until Bind and Start are called.
func NewServer(registry *ServiceRegistry, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if registry == nil {
		registry = NewServiceRegistry()
	}
	s := &Server{
		opts:            o,
		state:           stateConstructed,
		channels:        map[uint64]Channel{},
		registry:        registry,
		dispatcher:      NewServiceDispatcher(registry, o.MaxConcurrentCalls, 8, 64),
		connectionGraph: NewConnectionGraph(),
		admissionGuard:  admission.New(o.AdmissionThresholds),
		rateLimiter:     ratelimit.New(o.RateLimitPerSec, o.RateLimitBurst),
	}
	s.sessionID = o.SessionId
	if s.sessionID == "" {
		s.sessionID = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	return s
}

func (s *Server) capabilitySet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.opts.Capabilities))
	for _, c := range s.opts.Capabilities {
		set[c] = struct{}{}
	}
	return set
}

func (s *Server) hasCapability(name string) bool {
	_, ok := s.capabilitySet()[name]
	return ok
}

// Bind opens a listening socket, transitioning Constructed -> Listening.
func (s *Server) Bind(host string, port int) error {
	const op = "Server.Bind"
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != stateConstructed {
		return newError(KindFatalStartup, op, fmt.Errorf("Bind called in state %d, want Constructed", s.state))
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return newError(KindFatalStartup, op, err)
	}
	s.listener = ln
	s.state = stateListening
	return nil
}

// Addr returns the bound listener's address, valid after Bind.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start spawns the accept loop, transitioning Listening -> Running.
func (s *Server) Start() error {
	const op = "Server.Start"
	s.stateMu.Lock()
	if s.state != stateListening {
		s.stateMu.Unlock()
		return newError(KindFatalStartup, op, fmt.Errorf("Start called in state %d, want Listening", s.state))
	}
	s.state = stateRunning
	s.stateMu.Unlock()

	GlobalLogContext().AddSink(s)
	ctx, cancel := context.WithCancel(context.Background())
	s.dispatcher.Start(ctx)
	s.stopDispatcher = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		_ = s.httpSrv.Serve(s.listener)
	}()
	return nil
}

// StartBlocking binds host:port, starts, tunes GOMAXPROCS for container
// CPU quotas the way the host module's main.go does at boot, and blocks
// until Stop is called from another goroutine or the process receives a
// stop signal the embedder wires up itself.
func (s *Server) StartBlocking(host string, port int) error {
	if _, err := maxprocs.Set(maxprocs.Logger(func(fmtStr string, args ...interface{}) {
		s.opts.Logger.Debug().Msgf(fmtStr, args...)
	})); err != nil {
		s.opts.Logger.Warn().Err(err).Msg("automaxprocs: failed to set GOMAXPROCS")
	}
	if err := s.Bind(host, port); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	<-s.blockUntilStopped()
	return nil
}

func (s *Server) blockUntilStopped() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for {
			s.stateMu.Lock()
			st := s.state
			s.stateMu.Unlock()
			if st == stateStopped {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return done
}

// Stop drains and closes every connection, transitioning Running ->
// Stopping -> Stopped. All public operations after Stopped are no-ops
// (spec.md §4.6.1).
func (s *Server) Stop() error {
	s.stateMu.Lock()
	if s.state != stateRunning {
		s.stateMu.Unlock()
		return nil
	}
	s.state = stateStopping
	s.stateMu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	GlobalLogContext().RemoveSink(s)

	reason := "server shutting down"
	s.clients.Range(func(_, v interface{}) bool {
		c := v.(*Client)
		c.enqueueText(mustEncode(statusMessage{Op: "status", Payload: Status{Level: StatusInfo, Message: reason}}))
		return true
	})

	drained := make(chan struct{})
	go func() {
		for {
			n := 0
			s.clients.Range(func(_, _ interface{}) bool { n++; return true })
			if n == 0 {
				close(drained)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()
	select {
	case <-drained:
	case <-time.After(s.opts.DrainTimeout):
	}

	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).close()
		return true
	})
	if s.stopDispatcher != nil {
		s.stopDispatcher()
	}
	s.dispatcher.Stop()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}

	s.stateMu.Lock()
	s.state = stateStopped
	s.stateMu.Unlock()
	return nil
}

func mustEncode(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

// ClearSession generates a new session id (or adopts id, if non-nil) and
// pushes a fresh serverInfo frame to every connected client (S5; recovered
// from original_source, see DESIGN.md).
func (s *Server) ClearSession(id *string) {
	s.sessionMu.Lock()
	if id != nil {
		s.sessionID = *id
	} else {
		s.sessionID = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	sid := s.sessionID
	s.sessionMu.Unlock()

	frame := mustEncode(s.serverInfoMessage(sid))
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

func (s *Server) serverInfoMessage(sessionID string) serverInfoMessage {
	return serverInfoMessage{
		Op:                 "serverInfo",
		Name:               s.opts.Name,
		Capabilities:       s.opts.Capabilities,
		SupportedEncodings: s.opts.SupportedEncodings,
		SessionId:          sessionID,
	}
}

// BroadcastTime sends a binary time frame to every client, if the "time"
// capability is advertised (spec.md §4.6.6).
func (s *Server) BroadcastTime(nanos uint64) {
	if !s.hasCapability(CapTime) {
		return
	}
	frame := wsproto.EncodeTime(nanos)
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueBinary(frame)
		return true
	})
}

// AddServices advertises services to every connected client. It does not
// add them to the server's registry: calls reach only services already
// registered in the ServiceRegistry the server was built with.
func (s *Server) AddServices(services ...*Service) {
	infos := make([]serviceInfo, 0, len(services))
	for _, svc := range services {
		infos = append(infos, serviceInfo{Id: svc.ID, Name: svc.Name, RequestEncoding: svc.requestEncoding()})
	}
	frame := mustEncode(advertiseServicesMessage{Op: "advertiseServices", Services: infos})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

// RemoveServices deregisters services by id and notifies connected
// clients.
func (s *Server) RemoveServices(ids ...uint32) {
	for _, id := range ids {
		s.registry.Remove(id)
	}
	frame := mustEncode(unadvertiseServicesMessage{Op: "unadvertiseServices", ServiceIds: ids})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

// PublishParameterValues pushes a server-initiated parameterValues frame
// to every client, independent of any client's getParameters round trip
// (recovered from original_source; see DESIGN.md).
func (s *Server) PublishParameterValues(values map[string]ParamValue) {
	if !s.hasCapability(CapParameters) {
		return
	}
	frame := mustEncode(parameterValuesMessage{Op: "parameterValues", Parameters: values})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

// PublishStatus sends a Status frame to every connected client.
func (s *Server) PublishStatus(status Status) {
	frame := mustEncode(statusMessage{Op: "status", Payload: status})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

// RemoveStatus retracts previously-published statuses by id.
func (s *Server) RemoveStatus(ids ...string) {
	frame := mustEncode(removeStatusMessage{Op: "removeStatus", Payload: removeStatusBody{Ids: ids}})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

// PublishConnectionGraph recomputes the connection graph from current
// server state and pushes the diff to every client with the
// connectionGraph capability negotiated.
func (s *Server) PublishConnectionGraph() {
	if !s.hasCapability(CapConnectionGraph) {
		return
	}
	diff := s.connectionGraph.Update(s.buildGraph())
	if diff.IsEmpty() {
		return
	}
	frame := mustEncode(connectionGraphUpdateMessage{Op: "connectionGraphUpdate", Diff: diff})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

func (s *Server) buildGraph() Graph {
	g := NewGraph()

	s.chMu.Lock()
	for _, ch := range s.channels {
		g.PublishedTopics[ch.Topic()] = map[string]struct{}{"core": {}}
	}
	s.chMu.Unlock()

	s.clients.Range(func(_, v interface{}) bool {
		c := v.(*Client)
		c.mu.Lock()
		for chID := range c.subsByChannel {
			s.chMu.Lock()
			ch, ok := s.channels[chID]
			s.chMu.Unlock()
			if !ok {
				continue
			}
			set, ok := g.SubscribedTopics[ch.Topic()]
			if !ok {
				set = map[string]struct{}{}
				g.SubscribedTopics[ch.Topic()] = set
			}
			set[c.id] = struct{}{}
		}
		for _, info := range c.clientChannels {
			set, ok := g.PublishedTopics[info.Topic]
			if !ok {
				set = map[string]struct{}{}
				g.PublishedTopics[info.Topic] = set
			}
			set[c.id] = struct{}{}
		}
		c.mu.Unlock()
		return true
	})

	for _, svc := range s.registry.Snapshot() {
		g.AdvertisedServices[svc.Name] = map[string]struct{}{"core": {}}
	}

	return g
}

func (s *Server) forgetClient(c *Client) {
	s.clients.Delete(c.id)
	atomic.AddInt64(&s.activeConnections, -1)
	telemetry.ConnectionsActive.Dec()
	telemetry.MessagesDroppedTotal.DeleteLabelValues(c.id)
	s.rateLimiter.Forget(c.id)
	s.dispatcher.ReleaseClient(c.id)
}

// --- Sink implementation: in-process Channel.Log fan-out to clients ---

// AddChannel advertises a newly-created channel to every connected
// client.
func (s *Server) AddChannel(ch Channel) {
	s.chMu.Lock()
	s.channels[ch.ID()] = ch
	s.chMu.Unlock()

	frame := mustEncode(advertiseMessage{Op: "advertise", Channels: []channelInfo{channelInfoOf(ch)}})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

// RemoveChannel un-advertises a closed channel to every connected client.
func (s *Server) RemoveChannel(ch Channel) {
	s.chMu.Lock()
	delete(s.channels, ch.ID())
	s.chMu.Unlock()

	frame := mustEncode(unadvertiseMessage{Op: "unadvertise", ChannelIds: []uint64{ch.ID()}})
	s.clients.Range(func(_, v interface{}) bool {
		v.(*Client).enqueueText(frame)
		return true
	})
}

// Log fans out one message to every client with an active subscription on
// ch (spec.md P8), filtered per client.
func (s *Server) Log(ch Channel, data []byte, meta ResolvedMetadata) error {
	s.clients.Range(func(_, v interface{}) bool {
		c := v.(*Client)
		for _, subID := range c.subscriptionsFor(ch.ID()) {
			c.enqueueBinary(wsproto.EncodeMessageData(subID, meta.LogTime, data))
		}
		return true
	})
	return nil
}

func channelInfoOf(ch Channel) channelInfo {
	return channelInfo{
		Id:       ch.ID(),
		Topic:    ch.Topic(),
		Encoding: ch.MessageEncoding(),
		Schema:   ch.Schema().Name,
		Metadata: ch.Metadata(),
	}
}

// --- HTTP upgrade / handshake ---

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.stateMu.Lock()
	running := s.state == stateRunning
	s.stateMu.Unlock()
	if !running {
		http.Error(w, "server not running", http.StatusServiceUnavailable)
		return
	}

	if !advertisesSubProtocol(r) {
		http.Error(w, "missing required sub-protocol "+subProtocol, http.StatusUpgradeRequired)
		return
	}

	if ok, reason := s.admissionGuard.ShouldAccept(atomic.LoadInt64(&s.activeConnections)); !ok {
		telemetry.ConnectionsRejected.WithLabelValues(reason).Inc()
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	upgrader := ws.HTTPUpgrader{
		Protocol: func(proto string) bool { return proto == subProtocol },
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		s.opts.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, s, s.opts.MessageBacklogSize)
	s.clients.Store(client.id, client)
	atomic.AddInt64(&s.activeConnections, 1)
	telemetry.ConnectionsTotal.Inc()
	telemetry.ConnectionsActive.Inc()

	s.sessionMu.Lock()
	sid := s.sessionID
	s.sessionMu.Unlock()
	client.enqueueText(mustEncode(s.serverInfoMessage(sid)))

	s.chMu.Lock()
	infos := make([]channelInfo, 0, len(s.channels))
	for _, ch := range s.channels {
		infos = append(infos, channelInfoOf(ch))
	}
	s.chMu.Unlock()
	client.enqueueText(mustEncode(advertiseMessage{Op: "advertise", Channels: infos}))

	if s.hasCapability(CapServices) {
		svcs := s.registry.Snapshot()
		infos := make([]serviceInfo, 0, len(svcs))
		for _, svc := range svcs {
			infos = append(infos, serviceInfo{Id: svc.ID, Name: svc.Name, RequestEncoding: svc.requestEncoding()})
		}
		client.enqueueText(mustEncode(advertiseServicesMessage{Op: "advertiseServices", Services: infos}))
	}

	go client.writePump()
	go client.readPump()
}

func advertisesSubProtocol(r *http.Request) bool {
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if strings.TrimSpace(p) == subProtocol {
				return true
			}
		}
	}
	return false
}

// --- client-initiated text/binary frame dispatch ---

// protocolViolation sends an Error status frame and closes the connection,
// per spec.md §7's ProtocolViolation row ("remote client: status + close").
func (s *Server) protocolViolation(c *Client, op string, err error) {
	s.opts.Logger.Debug().Str("client_id", c.id).Err(err).Msg(op)
	c.enqueueText(mustEncode(statusMessage{Op: "status", Payload: Status{
		Level:   StatusError,
		Message: newError(KindProtocolViolation, op, err).Error(),
	}}))
	c.close()
}

func (s *Server) handleTextFrame(c *Client, msg []byte) {
	var env opEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.protocolViolation(c, "handleTextFrame", err)
		return
	}

	switch env.Op {
	case "subscribe":
		var m subscribeMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "subscribe", err)
			return
		}
		for _, sub := range m.Subscriptions {
			s.chMu.Lock()
			_, known := s.channels[sub.ChannelId]
			s.chMu.Unlock()
			if !known {
				continue
			}
			c.addSubscription(sub.Id, sub.ChannelId)
			s.opts.Listener.OnSubscribe(c.id, sub.ChannelId)
		}

	case "unsubscribe":
		var m unsubscribeMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "unsubscribe", err)
			return
		}
		for _, subID := range m.SubscriptionIds {
			c.mu.Lock()
			channelID, ok := c.subsByID[subID]
			c.mu.Unlock()
			c.removeSubscription(subID)
			if ok {
				s.opts.Listener.OnUnsubscribe(c.id, channelID)
			}
		}

	case "advertise":
		if !s.hasCapability(CapClientPublish) {
			s.protocolViolation(c, "advertise", fmt.Errorf("clientPublish capability not granted"))
			return
		}
		var m clientAdvertiseMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "advertise", err)
			return
		}
		for _, ch := range m.Channels {
			if !s.supportsEncoding(ch.Encoding) {
				s.protocolViolation(c, "advertise", fmt.Errorf("unsupported encoding %q", ch.Encoding))
				return
			}
			c.addClientChannel(ch.Id, clientChannelInfo{Topic: ch.Topic, Encoding: ch.Encoding})
			s.opts.Listener.OnClientAdvertise(c.id, ch.Id, ch.Topic, ch.Encoding, Schema{Name: ch.Schema})
		}

	case "unadvertise":
		var m clientUnadvertiseMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "unadvertise", err)
			return
		}
		for _, id := range m.ChannelIds {
			if _, ok := c.removeClientChannel(id); ok {
				s.opts.Listener.OnClientUnadvertise(c.id, id)
			}
		}

	case "getParameters":
		if !s.hasCapability(CapParameters) {
			s.protocolViolation(c, "getParameters", fmt.Errorf("parameters capability not granted"))
			return
		}
		var m getParametersMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "getParameters", err)
			return
		}
		values := s.opts.Listener.OnGetParameters(c.id, m.ParameterNames)
		c.enqueueText(mustEncode(parameterValuesMessage{Op: "parameterValues", Parameters: values, Id: m.Id}))

	case "setParameters":
		if !s.hasCapability(CapParameters) {
			s.protocolViolation(c, "setParameters", fmt.Errorf("parameters capability not granted"))
			return
		}
		var m setParametersMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "setParameters", err)
			return
		}
		s.opts.Listener.OnSetParameters(c.id, m.Parameters)
		s.notifyParamSubscribers(m.Parameters)

	case "subscribeParameterUpdates", "parametersSubscribe":
		if !s.hasCapability(CapParametersSubscribe) {
			s.protocolViolation(c, "parametersSubscribe", fmt.Errorf("parametersSubscribe capability not granted"))
			return
		}
		var m parametersSubscribeMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "parametersSubscribe", err)
			return
		}
		c.setParamSubscriptions(m.ParameterNames, true)
		s.opts.Listener.OnParametersSubscribe(c.id, m.ParameterNames)

	case "unsubscribeParameterUpdates", "parametersUnsubscribe":
		var m parametersUnsubscribeMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			s.protocolViolation(c, "parametersUnsubscribe", err)
			return
		}
		c.setParamSubscriptions(m.ParameterNames, false)
		s.opts.Listener.OnParametersUnsubscribe(c.id, m.ParameterNames)

	case "fetchAsset":
		s.handleFetchAsset(c, msg)

	default:
		s.protocolViolation(c, "handleTextFrame", fmt.Errorf("unknown op %q", env.Op))
	}
}

func (s *Server) supportsEncoding(encoding string) bool {
	for _, e := range s.opts.SupportedEncodings {
		if e == encoding {
			return true
		}
	}
	return false
}

// notifyParamSubscribers pushes changed values to every client subscribed
// to at least one of the changed parameter names (recovered from
// original_source's publish_parameter_values behavior; see DESIGN.md).
func (s *Server) notifyParamSubscribers(values map[string]ParamValue) {
	s.clients.Range(func(_, v interface{}) bool {
		c := v.(*Client)
		relevant := map[string]ParamValue{}
		for name, val := range values {
			if c.subscribedToParam(name) {
				relevant[name] = val
			}
		}
		if len(relevant) > 0 {
			c.enqueueText(mustEncode(parameterValuesMessage{Op: "parameterValues", Parameters: relevant}))
		}
		return true
	})
}

func (s *Server) handleFetchAsset(c *Client, msg []byte) {
	if !s.hasCapability(CapAssets) || s.opts.AssetHandler == nil {
		s.protocolViolation(c, "fetchAsset", fmt.Errorf("assets capability not granted"))
		return
	}
	var m fetchAssetMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		s.protocolViolation(c, "fetchAsset", err)
		return
	}

	select {
	case c.assetSem <- struct{}{}:
	default:
		c.enqueueBinary(wsproto.EncodeFetchAssetResponse(m.RequestId, false, "too many concurrent asset fetches", nil))
		return
	}

	responder := newAssetResponder(func(ok bool, errMsg string, data []byte) {
		<-c.assetSem
		c.enqueueBinary(wsproto.EncodeFetchAssetResponse(m.RequestId, ok, errMsg, data))
	})
	go func() {
		defer responder.ensure()
		s.opts.AssetHandler.Fetch(c.id, m.Uri, responder)
	}()
}

func (s *Server) handleBinaryFrame(c *Client, msg []byte) {
	if len(msg) == 0 {
		s.protocolViolation(c, "handleBinaryFrame", fmt.Errorf("empty frame"))
		return
	}
	if len(msg) > s.opts.MaxFrameSize {
		s.protocolViolation(c, "handleBinaryFrame", fmt.Errorf("frame of %d bytes exceeds max %d", len(msg), s.opts.MaxFrameSize))
		return
	}

	switch msg[0] {
	case wsproto.OpClientMessageData:
		if !s.hasCapability(CapClientPublish) {
			s.protocolViolation(c, "handleBinaryFrame", fmt.Errorf("clientPublish capability not granted"))
			return
		}
		clientChannelID, payload, err := wsproto.DecodeClientMessageData(msg[1:])
		if err != nil {
			s.protocolViolation(c, "handleBinaryFrame", err)
			return
		}
		s.opts.Listener.OnMessageData(c.id, clientChannelID, payload)

	case wsproto.OpClientServiceRequest:
		if !s.hasCapability(CapServices) {
			s.protocolViolation(c, "handleBinaryFrame", fmt.Errorf("services capability not granted"))
			return
		}
		serviceID, callID, encoding, payload, err := wsproto.DecodeServiceRequest(msg[1:])
		if err != nil {
			s.protocolViolation(c, "handleBinaryFrame", err)
			return
		}
		req := Request{ServiceID: serviceID, ClientID: c.id, CallID: callID, Encoding: encoding, Payload: payload}
		if svc, ok := s.registry.ByID(serviceID); ok {
			req.ServiceName = svc.Name
		}
		s.dispatcher.Dispatch(context.Background(), req, func(ok bool, data []byte, errMsg string) {
			respEncoding := encoding
			respPayload := data
			if !ok {
				respPayload = []byte(errMsg)
			}
			c.enqueueBinary(wsproto.EncodeServiceResponse(serviceID, callID, respEncoding, respPayload))
		})

	default:
		s.protocolViolation(c, "handleBinaryFrame", fmt.Errorf("unknown opcode 0x%02x", msg[0]))
	}
}
