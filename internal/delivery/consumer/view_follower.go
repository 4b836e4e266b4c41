// Package consumer follows views published by another lotteryd replica.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/lottery-pulse/internal/platform/nats"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// ViewHandler receives each followed view.
type ViewHandler func(ctx context.Context, view lottery.GameView) error

// FollowerConfig configures a ViewFollower.
type FollowerConfig struct {
	Stream       string
	Subject      string
	BatchSize    int
	FetchTimeout time.Duration
}

// DefaultFollowerConfig returns defaults for the view stream.
func DefaultFollowerConfig(stream, subject string) FollowerConfig {
	return FollowerConfig{
		Stream:       stream,
		Subject:      subject,
		BatchSize:    16,
		FetchTimeout: 5 * time.Second,
	}
}

type message interface {
	Data() []byte
	Subject() string
}

type fetcher interface {
	fetch(n int, wait time.Duration) ([]message, error)
}

type jsFetcher struct {
	consumer jetstream.Consumer
}

func (f jsFetcher) fetch(n int, wait time.Duration) ([]message, error) {
	batch, err := f.consumer.Fetch(n, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, err
	}
	var out []message
	for msg := range batch.Messages() {
		out = append(out, msg)
	}
	return out, batch.Error()
}

// ViewFollower reads views from the JetStream view stream through an ordered
// consumer that starts at the last view per subject.
type ViewFollower struct {
	cfg     FollowerConfig
	fetcher fetcher
	handler ViewHandler
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	lastSeen time.Time
}

// NewViewFollower creates an ordered consumer on the configured stream.
func NewViewFollower(ctx context.Context, client *pnats.Client, cfg FollowerConfig, handler ViewHandler, logger *slog.Logger) (*ViewFollower, error) {
	if cfg.Stream == "" {
		return nil, errors.New("view follower requires a stream")
	}

	consumer, err := client.JetStream().OrderedConsumer(ctx, cfg.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{cfg.Subject},
		DeliverPolicy:  jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer on %s: %w", cfg.Stream, err)
	}

	return newViewFollower(jsFetcher{consumer: consumer}, cfg, handler, logger), nil
}

func newViewFollower(f fetcher, cfg FollowerConfig, handler ViewHandler, logger *slog.Logger) *ViewFollower {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultFollowerConfig(cfg.Stream, cfg.Subject)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &ViewFollower{
		cfg:     cfg,
		fetcher: f,
		handler: handler,
		logger:  logger.With("component", "view-follower", "stream", cfg.Stream, "subject", cfg.Subject),
	}
}

// Run fetches and dispatches views until ctx is cancelled.
func (f *ViewFollower) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("follower already running")
	}
	f.running = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	f.logger.Info("following views", "batch_size", f.cfg.BatchSize, "fetch_timeout", f.cfg.FetchTimeout)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("view follower stopping")
			return nil
		default:
		}

		if err := f.fetchAndDispatch(ctx); err != nil {
			f.logger.Error("fetch views failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (f *ViewFollower) fetchAndDispatch(ctx context.Context) error {
	msgs, err := f.fetcher.fetch(f.cfg.BatchSize, f.cfg.FetchTimeout)
	if err != nil && !isFetchTimeout(err) {
		return fmt.Errorf("fetch messages: %w", err)
	}

	for _, msg := range msgs {
		var view lottery.GameView
		if err := json.Unmarshal(msg.Data(), &view); err != nil {
			f.logger.Warn("failed to decode view", "subject", msg.Subject(), "error", err)
			continue
		}

		// Redelivery after a consumer reset replays the last view.
		f.mu.Lock()
		stale := !view.ObservedAt.After(f.lastSeen)
		if !stale {
			f.lastSeen = view.ObservedAt
		}
		f.mu.Unlock()
		if stale {
			continue
		}

		if err := f.handler(ctx, view); err != nil {
			f.logger.Warn("view handler failed", "cycle", view.Cycle, "error", err)
		}
	}
	return nil
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, jetstream.ErrNoMessages)
}

// IsRunning reports whether Run is active.
func (f *ViewFollower) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
