package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Transition is one recorded phase or round change.
type Transition struct {
	Contract   string    `json:"contract"`
	ChainID    uint64    `json:"chain_id"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	RoundID    string    `json:"round_id,omitempty"`
	Players    int       `json:"players"`
	MaxPlayers uint64    `json:"max_players"`
	EntryFee   string    `json:"entry_fee"`
	Winner     string    `json:"winner,omitempty"`
	Cycle      uint64    `json:"cycle"`
	ObservedAt time.Time `json:"observed_at"`
}

// ProducerConfig holds transition producer settings.
type ProducerConfig struct {
	Brokers  []string
	Topic    string
	Contract common.Address
	ChainID  uint64
}

// TransitionProducer writes a record whenever the phase or round id changes.
// Records are keyed by contract address so one contract's transitions stay
// ordered on a single partition.
type TransitionProducer struct {
	client syncProducer
	closer func()
	cfg    ProducerConfig
	logger *slog.Logger

	mu          sync.Mutex
	lastPhase   lottery.Phase
	lastRoundID string
	seen        bool
}

// NewTransitionProducer connects to the brokers and ensures the topic exists.
func NewTransitionProducer(ctx context.Context, cfg ProducerConfig, logger *slog.Logger) (*TransitionProducer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	if err := NewTopicManager(client).EnsureTopics(ctx, DefaultTransitionsTopic(cfg.Topic)); err != nil {
		client.Close()
		return nil, err
	}

	return newTransitionProducer(client, client.Close, cfg, logger), nil
}

func newTransitionProducer(client syncProducer, closer func(), cfg ProducerConfig, logger *slog.Logger) *TransitionProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionProducer{
		client: client,
		closer: closer,
		cfg:    cfg,
		logger: logger.With("component", "kafka-transitions", "topic", cfg.Topic),
	}
}

// Name identifies the sink in logs.
func (p *TransitionProducer) Name() string {
	return "kafka"
}

// Publish records view if it changes the phase or the round id. A failed
// write is retried on the next view.
func (p *TransitionProducer) Publish(ctx context.Context, view lottery.GameView) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen && view.Phase == p.lastPhase && view.RoundID == p.lastRoundID {
		return nil
	}

	t := Transition{
		Contract:   p.cfg.Contract.Hex(),
		ChainID:    p.cfg.ChainID,
		To:         view.Phase.String(),
		RoundID:    view.RoundID,
		Players:    len(view.Players),
		MaxPlayers: view.MaxPlayers,
		EntryFee:   "0",
		Cycle:      view.Cycle,
		ObservedAt: view.ObservedAt,
	}
	if p.seen {
		t.From = p.lastPhase.String()
	}
	if view.EntryFee != nil {
		t.EntryFee = view.EntryFee.String()
	}
	if view.HasWinner() {
		t.Winner = view.Winner.Hex()
	}

	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}

	record := &kgo.Record{
		Topic: p.cfg.Topic,
		Key:   []byte(strings.ToLower(p.cfg.Contract.Hex())),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "chain_id", Value: []byte(strconv.FormatUint(p.cfg.ChainID, 10))},
			{Key: "phase", Value: []byte(t.To)},
		},
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}

	p.seen = true
	p.lastPhase = view.Phase
	p.lastRoundID = view.RoundID

	p.logger.Info("transition recorded", "from", t.From, "to", t.To, "round_id", t.RoundID)
	return nil
}

// Close flushes and closes the client.
func (p *TransitionProducer) Close() {
	if p.closer != nil {
		p.closer()
	}
}
