package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name              string   // Stream name (e.g., "LOTTERY_VIEWS")
	Subjects          []string // Subjects to capture (e.g., ["lottery.*.view"])
	Retention         jetstream.RetentionPolicy
	MaxAge            time.Duration // Maximum message age (0 = unlimited)
	MaxMsgsPerSubject int64         // Messages kept per subject (0 = unlimited)
	Replicas          int           // Number of replicas (1 for dev, 3 for prod)
	Description       string
}

// DefaultViewStreamConfig returns a last-value stream: one view per chain
// subject, so a late subscriber can fetch the current view directly.
func DefaultViewStreamConfig(name string) StreamConfig {
	return StreamConfig{
		Name:              name,
		Subjects:          []string{SubjectForAllViews()},
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            24 * time.Hour,
		MaxMsgsPerSubject: 1,
		Replicas:          1,
		Description:       "Latest reconciled lottery view per chain",
	}
}

// EnsureStream creates or updates a JetStream stream with the given configuration.
// This is idempotent - safe to call multiple times.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:              cfg.Name,
		Subjects:          cfg.Subjects,
		Retention:         cfg.Retention,
		MaxAge:            cfg.MaxAge,
		MaxMsgsPerSubject: cfg.MaxMsgsPerSubject,
		Replicas:          cfg.Replicas,
		Description:       cfg.Description,
		Storage:           jetstream.FileStorage,
		Discard:           jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// SubjectForView returns the subject views for a chain are published on.
// Format: lottery.<chain_id>.view
func SubjectForView(chainID uint64) string {
	return fmt.Sprintf("lottery.%d.view", chainID)
}

// SubjectForAllViews returns the wildcard subject for views on every chain.
func SubjectForAllViews() string {
	return "lottery.*.view"
}
