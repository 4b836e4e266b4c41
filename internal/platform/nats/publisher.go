package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

type publishFunc func(ctx context.Context, subject string, data []byte) error

// ViewPublisher publishes every installed view as a JSON snapshot.
type ViewPublisher struct {
	publish publishFunc
	subject string
	logger  *slog.Logger
}

// NewViewPublisher publishes on subject through core NATS, or through
// JetStream when stream is non-empty.
func NewViewPublisher(ctx context.Context, c *Client, subject, stream string, logger *slog.Logger) (*ViewPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	publish := func(_ context.Context, subject string, data []byte) error {
		return c.nc.Publish(subject, data)
	}
	if stream != "" {
		if _, err := EnsureStream(ctx, c.js, DefaultViewStreamConfig(stream)); err != nil {
			return nil, err
		}
		publish = func(ctx context.Context, subject string, data []byte) error {
			_, err := c.js.Publish(ctx, subject, data)
			return err
		}
	}

	return newViewPublisher(publish, subject, logger), nil
}

func newViewPublisher(publish publishFunc, subject string, logger *slog.Logger) *ViewPublisher {
	return &ViewPublisher{
		publish: publish,
		subject: subject,
		logger:  logger.With("component", "nats-view-publisher", "subject", subject),
	}
}

// Name identifies the sink in logs.
func (p *ViewPublisher) Name() string {
	return "nats"
}

// Publish sends view as JSON.
func (p *ViewPublisher) Publish(ctx context.Context, view lottery.GameView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal view: %w", err)
	}
	if err := p.publish(ctx, p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	p.logger.Debug("view published", "cycle", view.Cycle, "phase", view.Phase.String())
	return nil
}
