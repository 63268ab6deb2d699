// Package natssink implements beacon.Sink by republishing every logged
// message onto a NATS subject derived from its channel's topic, adapted
// from the host module's pkg/nats Client (there: subscribing to a trade
// feed and fanning inbound messages out to the WS server; here: the
// reverse direction, publishing outbound telemetry onto NATS), demonstrating
// that the Sink contract is not tied to the in-repo WebSocket server
// (spec.md §6 "Sink contract"; SPEC_FULL.md §6).
package natssink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beaconviz/beacon-go"
)

// SubjectPrefix is prepended to a channel's topic to derive its NATS
// subject, so "/robot/pose" becomes "beacon./robot/pose".
const SubjectPrefix = "beacon."

// Config mirrors the host module's nats.Config connection-tuning fields.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// DefaultConfig returns the same reconnect/ping defaults as the host
// module's NATS client construction.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     2,
		PingInterval:    20 * time.Second,
	}
}

// Sink publishes every beacon.Channel.Log call onto a NATS subject derived
// from the channel's topic. It implements beacon.Sink.
type Sink struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// New connects to NATS per cfg and returns a Sink ready to be passed to
// beacon.LogContext.AddSink.
func New(cfg Config, logger zerolog.Logger) (*Sink, error) {
	s := &Sink{logger: logger}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("natssink: connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Msg("natssink: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("natssink: reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			s.logger.Error().Err(err).Msg("natssink: NATS error")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natssink: connect: %w", err)
	}
	s.conn = conn
	return s, nil
}

// subjectFor derives the NATS subject a channel's messages publish onto.
func subjectFor(topic string) string {
	return SubjectPrefix + topic
}

type envelope struct {
	LogTime     uint64 `json:"logTime"`
	PublishTime uint64 `json:"publishTime"`
	Sequence    uint32 `json:"sequence"`
	Data        []byte `json:"data"`
}

// Log republishes data onto the NATS subject derived from ch's topic,
// wrapped with its metadata. beacon.Sink never inspects data itself;
// natssink treats it as an opaque blob, same as the core (spec.md §4.2).
func (s *Sink) Log(ch beacon.Channel, data []byte, meta beacon.ResolvedMetadata) error {
	env := envelope{LogTime: meta.LogTime, PublishTime: meta.PublishTime, Sequence: meta.Sequence, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("natssink: marshal: %w", err)
	}
	if err := s.conn.Publish(subjectFor(ch.Topic()), payload); err != nil {
		return fmt.Errorf("natssink: publish: %w", err)
	}
	return nil
}

// AddChannel and RemoveChannel are no-ops: NATS subjects need no explicit
// declaration before publishing.
func (s *Sink) AddChannel(beacon.Channel)    {}
func (s *Sink) RemoveChannel(beacon.Channel) {}

// Close drains and closes the underlying NATS connection.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("natssink: drain failed, closing anyway")
	}
	s.conn.Close()
	return nil
}
