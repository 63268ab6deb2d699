// Package beaconenv is an optional, explicitly-separate helper for
// embedding CLIs that want to configure a beacon.Server from environment
// variables and an optional .env file, in the style of the host module's
// config.go. The beacon core package itself never imports this package
// and consumes no environment/CLI/config-file input (spec.md §6).
package beaconenv

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/beaconviz/beacon-go/internal/admission"
)

// Config holds the subset of beacon.ServerOptions (plus bind address) that
// an embedding CLI typically wants to source from the environment, mirroring
// the host module's flat, tagged Config struct.
type Config struct {
	Addr string `env:"BEACON_ADDR" envDefault:":8765"`

	MessageBacklogSize int `env:"BEACON_MESSAGE_BACKLOG_SIZE" envDefault:"1024"`
	MaxConcurrentCalls int `env:"BEACON_MAX_CONCURRENT_CALLS" envDefault:"32"`
	MaxFrameSize       int `env:"BEACON_MAX_FRAME_SIZE" envDefault:"4194304"`

	DrainTimeout time.Duration `env:"BEACON_DRAIN_TIMEOUT" envDefault:"1s"`

	RateLimitPerSec float64 `env:"BEACON_RATE_LIMIT_PER_SEC" envDefault:"100"`
	RateLimitBurst  int     `env:"BEACON_RATE_LIMIT_BURST" envDefault:"200"`

	// Admission thresholds (container-aware CPU/memory brakes), same
	// concern as the host module's CPURejectThreshold/CPUPauseThreshold.
	MaxCPUPercent  float64 `env:"BEACON_MAX_CPU_PERCENT" envDefault:"90"`
	MaxMemPercent  float64 `env:"BEACON_MAX_MEM_PERCENT" envDefault:"90"`
	MaxConnections int64   `env:"BEACON_MAX_CONNECTIONS" envDefault:"0"`

	LogLevel string `env:"BEACON_LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, following the host module's LoadConfig precedence: env vars
// override .env file values, which override the struct tag defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("beaconenv: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("beaconenv: loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("beaconenv: failed to parse config: %w", err)
	}
	return cfg, nil
}

// AdmissionThresholds converts the loaded config's admission-related
// fields into admission.Thresholds, ready to pass to
// beacon.WithAdmissionThresholds.
func (c *Config) AdmissionThresholds() admission.Thresholds {
	return admission.Thresholds{
		MaxCPUPercent:  c.MaxCPUPercent,
		MaxMemPercent:  c.MaxMemPercent,
		MaxConnections: c.MaxConnections,
	}
}
