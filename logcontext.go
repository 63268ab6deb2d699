package beacon

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beaconviz/beacon-go/internal/telemetry"
)

// sinkErrorLogWindow throttles repeated per-sink error logs to once per
// window, mirroring the teacher's sampled-logging idiom in broadcast.go
// (there: every 100th drop; here: a time window, since sink errors are far
// rarer than broadcast drops).
const sinkErrorLogWindow = 10 * time.Second

// LogContext is the process-wide singleton routing table mapping each live
// channel id to the set of sinks currently attached to it (spec.md §4.3).
// Obtain it via GlobalLogContext; production code almost never constructs
// one directly.
type LogContext struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sinks    map[Sink]struct{}
	channels map[uint64]Channel          // live channels, for AddSink replay
	byChan   map[uint64]map[Sink]struct{} // channel id -> attached sinks

	errMu       sync.Mutex
	lastErrLogs map[Sink]time.Time
}

var (
	globalOnce sync.Once
	global     *LogContext
)

// globalLogContext lazily initializes and returns the process singleton,
// per spec.md §9 "Global singleton log context".
func globalLogContext() *LogContext {
	globalOnce.Do(func() {
		global = newLogContext(log.Logger)
	})
	return global
}

// GlobalLogContext returns the process-wide LogContext singleton.
func GlobalLogContext() *LogContext { return globalLogContext() }

func newLogContext(logger zerolog.Logger) *LogContext {
	return &LogContext{
		logger:      logger,
		sinks:       make(map[Sink]struct{}),
		channels:    make(map[uint64]Channel),
		byChan:      make(map[uint64]map[Sink]struct{}),
		lastErrLogs: make(map[Sink]time.Time),
	}
}

// AddSink attaches sink to the routing table. For every currently-live
// channel, sink.AddChannel is invoked once, replaying the set the sink
// would have seen had it been attached from the start.
func (lc *LogContext) AddSink(sink Sink) {
	lc.mu.Lock()
	lc.sinks[sink] = struct{}{}
	live := make([]Channel, 0, len(lc.channels))
	for id, ch := range lc.channels {
		live = append(live, ch)
		if lc.byChan[id] == nil {
			lc.byChan[id] = make(map[Sink]struct{})
		}
		lc.byChan[id][sink] = struct{}{}
	}
	lc.mu.Unlock()

	for _, ch := range live {
		sink.AddChannel(ch)
	}
}

// RemoveSink detaches sink from the routing table, calling
// sink.RemoveChannel for every channel it was attached to.
func (lc *LogContext) RemoveSink(sink Sink) {
	lc.mu.Lock()
	delete(lc.sinks, sink)
	var removedFrom []Channel
	for id, set := range lc.byChan {
		if _, ok := set[sink]; ok {
			delete(set, sink)
			if ch, ok := lc.channels[id]; ok {
				removedFrom = append(removedFrom, ch)
			}
		}
	}
	lc.mu.Unlock()

	for _, ch := range removedFrom {
		sink.RemoveChannel(ch)
	}
}

// registerChannel records ch as live and notifies every attached sink.
// Called by Channel lifecycle (NewChannel), not by embedding code.
func (lc *LogContext) registerChannel(ch Channel) {
	lc.mu.Lock()
	lc.channels[ch.ID()] = ch
	set := make(map[Sink]struct{}, len(lc.sinks))
	for s := range lc.sinks {
		set[s] = struct{}{}
	}
	lc.byChan[ch.ID()] = set
	sinks := make([]Sink, 0, len(set))
	for s := range set {
		sinks = append(sinks, s)
	}
	lc.mu.Unlock()

	for _, s := range sinks {
		s.AddChannel(ch)
	}
}

// deregisterChannel removes ch from the live set and notifies every sink
// that was attached to it via RemoveChannel.
func (lc *LogContext) deregisterChannel(ch Channel) {
	lc.mu.Lock()
	delete(lc.channels, ch.ID())
	set := lc.byChan[ch.ID()]
	delete(lc.byChan, ch.ID())
	sinks := make([]Sink, 0, len(set))
	for s := range set {
		sinks = append(sinks, s)
	}
	lc.mu.Unlock()

	for _, s := range sinks {
		s.RemoveChannel(ch)
	}
}

// dispatch delivers one message to the snapshot of sinks attached to
// channel at the moment of the call (spec.md P3). A sink that panics or
// returns an error is logged and isolated — it never prevents delivery to
// the remaining sinks in the snapshot.
func (lc *LogContext) dispatch(ch Channel, data []byte, meta ResolvedMetadata) {
	lc.mu.RLock()
	set := lc.byChan[ch.ID()]
	snapshot := make([]Sink, 0, len(set))
	for s := range set {
		snapshot = append(snapshot, s)
	}
	lc.mu.RUnlock()

	for _, s := range snapshot {
		lc.deliverOne(s, ch, data, meta)
	}
}

// deliverOne calls sink.Log with panic recovery, adapted from the
// teacher's WorkerPool.worker() panic-recovery wrapper (worker_pool.go).
func (lc *LogContext) deliverOne(s Sink, ch Channel, data []byte, meta ResolvedMetadata) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.SinkLogErrorsTotal.WithLabelValues(ch.Topic()).Inc()
			lc.logSinkError(s, ch, newError(KindSinkError, "Sink.Log", nil), string(debug.Stack()))
		}
	}()
	if err := s.Log(ch, data, meta); err != nil {
		telemetry.SinkLogErrorsTotal.WithLabelValues(ch.Topic()).Inc()
		lc.logSinkError(s, ch, newError(KindSinkError, "Sink.Log", err), "")
	}
}

func (lc *LogContext) logSinkError(s Sink, ch Channel, err error, stack string) {
	lc.errMu.Lock()
	last, seen := lc.lastErrLogs[s]
	throttled := seen && time.Since(last) < sinkErrorLogWindow
	if !throttled {
		lc.lastErrLogs[s] = time.Now()
	}
	lc.errMu.Unlock()
	if throttled {
		return
	}
	ev := lc.logger.Error().Err(err).Uint64("channel_id", ch.ID()).Str("topic", ch.Topic())
	if stack != "" {
		ev = ev.Str("stack", stack)
	}
	ev.Msg("sink failed, isolating")
}
