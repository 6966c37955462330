package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyavt/server-bot-ai/internal/observability"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts; 0 means unlimited
	Backoff     time.Duration // Backoff duration between attempts
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc is a function that attempts to establish a connection
type ReconnectFunc func() error

// ReconnectManager paces connection attempts with exponential backoff.
// It drives the session loop of the client: one Run call corresponds to
// one successful connection establishment.
type ReconnectManager struct {
	config *ReconnectConfig
	logger zerolog.Logger
}

// NewReconnectManager creates a manager; a nil config uses the defaults.
func NewReconnectManager(config *ReconnectConfig, logger zerolog.Logger) *ReconnectManager {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	return &ReconnectManager{config: config, logger: logger}
}

// Run attempts fn until it succeeds, the attempt budget is exhausted, or
// ctx is cancelled. Each retry is recorded as a reconnect.
func (m *ReconnectManager) Run(ctx context.Context, fn ReconnectFunc) error {
	backoff := m.config.Backoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				m.logger.Info().Int("attempts", attempt).Msg("Reconnection successful")
			}
			return nil
		}

		if m.config.MaxAttempts > 0 && attempt >= m.config.MaxAttempts {
			return fmt.Errorf("failed to reconnect after %d attempts: %w", attempt, err)
		}

		m.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")
		observability.RecordReconnect()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * m.config.Multiplier)
		if backoff > m.config.MaxBackoff {
			backoff = m.config.MaxBackoff
		}
	}
}
