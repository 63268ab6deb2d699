package beacon

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beaconviz/beacon-go/internal/telemetry"
	"github.com/beaconviz/beacon-go/internal/workerpool"
)

// handlerKind selects how a HandlerFunc is dispatched.
type handlerKind int

const (
	handlerSync handlerKind = iota
	handlerBlocking
	handlerAsync
)

// HandlerFunc unifies the three ergonomic handler variants spec.md §4.5
// describes — sync, blocking, and async — behind one value the registry
// stores and the dispatcher branches on.
type HandlerFunc struct {
	kind  handlerKind
	sync  func(Request) ([]byte, error)
	async func(context.Context, Request, *Responder)
}

// SyncHandler wraps fn to run inline on the dispatching goroutine; fn must
// not block.
func SyncHandler(fn func(Request) ([]byte, error)) HandlerFunc {
	return HandlerFunc{kind: handlerSync, sync: fn}
}

// BlockingHandler wraps fn to run on the shared service workerpool, so it
// may perform blocking I/O without stalling the caller.
func BlockingHandler(fn func(Request) ([]byte, error)) HandlerFunc {
	return HandlerFunc{kind: handlerBlocking, sync: fn}
}

// AsyncHandler wraps fn to run on its own goroutine with direct access to
// the Responder, for handlers that themselves await other async work.
func AsyncHandler(fn func(context.Context, Request, *Responder)) HandlerFunc {
	return HandlerFunc{kind: handlerAsync, async: fn}
}

// Service is one registered RPC endpoint: a name, a generated id, its
// declared wire encodings, and the handler that answers calls against it
// (spec.md §4.5 "Service registry").
type Service struct {
	ID       uint32
	Name     string
	Schema   ServiceSchema
	Handler  HandlerFunc
}

// requestEncoding returns the declared request encoding, or "" if the
// service takes no typed request payload.
func (s *Service) requestEncoding() string {
	if s.Schema.Request == nil {
		return ""
	}
	return s.Schema.Request.Encoding
}

var serviceIDCounter uint32

// ServiceRegistry is a table of live services (one per NewServiceRegistry
// call; service ids come from a process-wide counter), keyed by
// both id and name for O(1) lookup in either direction.
type ServiceRegistry struct {
	mu     sync.RWMutex
	byID   map[uint32]*Service
	byName map[string]*Service
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		byID:   map[uint32]*Service{},
		byName: map[string]*Service{},
	}
}

// Register adds a new service. Ids are generated internally via an atomic
// counter, so an id collision is a programming-error invariant violation
// rather than a reachable runtime condition — per spec.md §4.5 that case
// panics rather than returning an error. A name collision, by contrast, is
// caller-supplied input and returns an *Error{Kind: InvalidInput}.
func (r *ServiceRegistry) Register(name string, schema ServiceSchema, handler HandlerFunc) (*Service, error) {
	const op = "ServiceRegistry.Register"
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return nil, newError(KindInvalidInput, op, fmt.Errorf("service name %q already registered", name))
	}

	id := atomic.AddUint32(&serviceIDCounter, 1)
	if _, exists := r.byID[id]; exists {
		panic(fmt.Sprintf("beacon: service id %d collision — atomic counter invariant violated", id))
	}

	svc := &Service{
		ID:      id,
		Name:    name,
		Schema:  schema,
		Handler: handler,
	}
	r.byID[id] = svc
	r.byName[name] = svc
	return svc, nil
}

// Remove deregisters the service with the given id. A remove of an unknown
// id is a no-op.
func (r *ServiceRegistry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byName, svc.Name)
}

// ByID looks up a service by its generated id.
func (r *ServiceRegistry) ByID(id uint32) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byID[id]
	return svc, ok
}

// ByName looks up a service by its caller-supplied name.
func (r *ServiceRegistry) ByName(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byName[name]
	return svc, ok
}

// Snapshot returns every currently-registered service, for advertising the
// service list to newly-connected clients.
func (r *ServiceRegistry) Snapshot() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.byID))
	for _, svc := range r.byID {
		out = append(out, svc)
	}
	return out
}

// DefaultMaxConcurrentCalls is the default size of the in-flight call
// semaphore (spec.md §4.5 "default limit: 32 per server").
const DefaultMaxConcurrentCalls = 32

// ServiceDispatcher admits and dispatches calls against a ServiceRegistry,
// bounding concurrency with a buffered-channel semaphore — the same
// pattern the host module's Server applies to connection admission,
// reused here for call admission — and tracking in-flight call ids per
// client to reject replays.
type ServiceDispatcher struct {
	registry *ServiceRegistry
	pool     *workerpool.Pool
	sem      chan struct{}
	logger   zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]map[uint32]struct{} // client id -> in-flight call ids
}

// NewServiceDispatcher builds a dispatcher over registry with the given
// concurrency bound and blocking-handler worker pool size.
func NewServiceDispatcher(registry *ServiceRegistry, maxConcurrent int, poolWorkers, poolQueue int) *ServiceDispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentCalls
	}
	return &ServiceDispatcher{
		registry: registry,
		pool:     workerpool.New(poolWorkers, poolQueue, log.Logger),
		sem:      make(chan struct{}, maxConcurrent),
		logger:   log.Logger,
		inFlight: map[string]map[uint32]struct{}{},
	}
}

// Start launches the dispatcher's blocking-handler worker pool.
func (d *ServiceDispatcher) Start(ctx context.Context) { d.pool.Start(ctx) }

// Stop drains the blocking-handler worker pool.
func (d *ServiceDispatcher) Stop() { d.pool.Stop() }

// ReleaseClient forgets every in-flight call id tracked for clientID,
// called when a client disconnects so its call ids can be reused by a
// future connection without being rejected as replays.
func (d *ServiceDispatcher) ReleaseClient(clientID string) {
	d.mu.Lock()
	delete(d.inFlight, clientID)
	d.mu.Unlock()
}

// Dispatch admits and runs one call, invoking reply exactly once with the
// outcome. It implements the four-step admission check of spec.md §4.5:
// known service id, call id not already in flight for this client,
// encoding match, and semaphore permit available. Any failed check
// synthesizes an error response carrying the matching ErrorKind instead of
// invoking the handler.
func (d *ServiceDispatcher) Dispatch(ctx context.Context, req Request, reply func(ok bool, data []byte, errMsg string)) {
	svc, ok := d.registry.ByID(req.ServiceID)
	if !ok {
		telemetry.ServiceCallsRejectedTotal.WithLabelValues("unknown_service").Inc()
		reply(false, nil, newError(KindServiceUnknown, "Dispatch", fmt.Errorf("service id %d not registered", req.ServiceID)).Error())
		return
	}

	if !d.reserveCallID(req.ClientID, req.CallID) {
		telemetry.ServiceCallsRejectedTotal.WithLabelValues("call_id_reused").Inc()
		reply(false, nil, newError(KindServiceCallIDReused, "Dispatch", fmt.Errorf("call id %d already in flight", req.CallID)).Error())
		return
	}

	if want := svc.requestEncoding(); want != "" && req.Encoding != "" && want != req.Encoding {
		d.releaseCallID(req.ClientID, req.CallID)
		telemetry.ServiceCallsRejectedTotal.WithLabelValues("encoding_mismatch").Inc()
		reply(false, nil, newError(KindInvalidInput, "Dispatch", fmt.Errorf("encoding %q does not match service encoding %q", req.Encoding, want)).Error())
		return
	}

	select {
	case d.sem <- struct{}{}:
	default:
		d.releaseCallID(req.ClientID, req.CallID)
		telemetry.ServiceCallsRejectedTotal.WithLabelValues("overloaded").Inc()
		reply(false, nil, newError(KindServiceOverloaded, "Dispatch", nil).Error())
		return
	}

	telemetry.ServiceCallsInFlight.Inc()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		<-d.sem
		d.releaseCallID(req.ClientID, req.CallID)
		telemetry.ServiceCallsInFlight.Dec()
	}

	start := time.Now()
	wrappedReply := func(ok bool, data []byte, errMsg string) {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		telemetry.ServiceCallDuration.WithLabelValues(svc.Name).Observe(time.Since(start).Seconds())
		telemetry.ServiceCallsTotal.WithLabelValues(svc.Name, outcome).Inc()
		reply(ok, data, errMsg)
	}
	responder := newResponder(wrappedReply, release)

	switch svc.Handler.kind {
	case handlerSync:
		d.runGuarded(responder, func() {
			data, err := svc.Handler.sync(req)
			if err != nil {
				responder.RespondErr(err.Error())
				return
			}
			responder.RespondOK(data)
		})
	case handlerBlocking:
		if !d.pool.Submit(func() {
			d.runGuarded(responder, func() {
				data, err := svc.Handler.sync(req)
				if err != nil {
					responder.RespondErr(err.Error())
					return
				}
				responder.RespondOK(data)
			})
		}) {
			responder.RespondErr("server overloaded: blocking handler queue full")
		}
	case handlerAsync:
		go d.runGuarded(responder, func() {
			svc.Handler.async(ctx, req, responder)
		})
	}
}

// runGuarded invokes fn with panic recovery and guarantees responder is
// fulfilled even if fn panics before calling RespondOK/RespondErr,
// mirroring the host module's WorkerPool panic-recovery wrapper.
func (d *ServiceDispatcher) runGuarded(responder *Responder, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("service handler panicked")
			responder.ensure()
		}
	}()
	fn()
	responder.ensure()
}

func (d *ServiceDispatcher) reserveCallID(clientID string, callID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.inFlight[clientID]
	if !ok {
		set = map[uint32]struct{}{}
		d.inFlight[clientID] = set
	}
	if _, dup := set[callID]; dup {
		return false
	}
	set[callID] = struct{}{}
	return true
}

func (d *ServiceDispatcher) releaseCallID(clientID string, callID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.inFlight[clientID]; ok {
		delete(set, callID)
	}
}
