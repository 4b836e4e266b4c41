// Package reconcile merges the ledger's phase flag with the index's latest
// round snapshot into the client-visible GameView.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/marko911/lottery-pulse/internal/index"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// PhaseSource is the ledger half of a poll cycle.
type PhaseSource interface {
	PhaseFlag(ctx context.Context) (bool, error)
}

// Sink receives every installed view. Errors are logged and never affect the
// installed view.
type Sink interface {
	Publish(ctx context.Context, view lottery.GameView) error
}

// Config holds engine tuning.
type Config struct {
	PollInterval time.Duration
	ReadTimeout  time.Duration
	SinkTimeout  time.Duration
}

// DefaultConfig returns the observed 10s cadence.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		ReadTimeout:  8 * time.Second,
		SinkTimeout:  5 * time.Second,
	}
}

// Engine owns the current GameView. The view is replaced atomically on each
// cycle and never mutated in place.
type Engine struct {
	cfg    Config
	index  index.Reader
	logger *slog.Logger

	view atomic.Pointer[lottery.GameView]

	// runMu serializes pollers so two sessions never interleave cycles.
	runMu sync.Mutex
	// installMu orders the cancellation check against the store.
	installMu sync.Mutex

	sinkMu sync.RWMutex
	sinks  []Sink

	subMu  sync.Mutex
	subs   map[int]chan lottery.GameView
	nextID int

	now func() time.Time
}

// New creates an engine reading rounds from idx.
func New(cfg Config, idx index.Reader, logger *slog.Logger, sinks ...Sink) *Engine {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:    cfg,
		index:  idx,
		logger: logger.With("component", "reconcile-engine"),
		sinks:  sinks,
		subs:   make(map[int]chan lottery.GameView),
		now:    time.Now,
	}
	initial := lottery.GameView{
		Phase:    lottery.PhaseAwaitingStart,
		Players:  []common.Address{},
		EventLog: []string{},
	}
	e.view.Store(&initial)
	return e
}

// AddSink registers a sink for subsequent installs.
func (e *Engine) AddSink(s Sink) {
	e.sinkMu.Lock()
	e.sinks = append(e.sinks, s)
	e.sinkMu.Unlock()
}

// View returns a copy of the current view.
func (e *Engine) View() lottery.GameView {
	return e.view.Load().Clone()
}

// Updates subscribes to installed views. Slow subscribers miss intermediate
// views rather than stall the poll loop. Call the returned func to
// unsubscribe.
func (e *Engine) Updates() (<-chan lottery.GameView, func()) {
	ch := make(chan lottery.GameView, 4)

	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(ch)
		})
	}
}

// Bind returns a poller reading the phase flag from src.
func (e *Engine) Bind(src PhaseSource) *Poller {
	return &Poller{engine: e, src: src}
}

// Poller is a poll loop bound to one connection's phase source.
type Poller struct {
	engine *Engine
	src    PhaseSource
}

// Run performs one cycle immediately and then one per poll interval until ctx
// is cancelled. Cycles run inline, so ticks that fire during a slow cycle are
// dropped rather than overlapped.
func (p *Poller) Run(ctx context.Context) error {
	e := p.engine
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.logger.Info("poller started", "interval", e.cfg.PollInterval)
	defer e.logger.Info("poller stopped")

	e.Cycle(ctx, p.src)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Cycle(ctx, p.src)
		}
	}
}

// Cycle runs one reconciliation cycle and reports whether a view was
// installed. A failed ledger read skips the cycle; a failed index read
// degrades it to ledger-only fields.
func (e *Engine) Cycle(ctx context.Context, src PhaseSource) bool {
	logger := e.logger.With("cycle_id", uuid.NewString()[:8])

	var (
		wg       sync.WaitGroup
		flag     bool
		flagErr  error
		round    *lottery.Round
		roundErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
		defer cancel()
		flag, flagErr = src.PhaseFlag(rctx)
	}()
	go func() {
		defer wg.Done()
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
		defer cancel()
		round, roundErr = e.index.FetchLatestRound(rctx)
	}()
	wg.Wait()

	if ctx.Err() != nil {
		return false
	}
	if flagErr != nil {
		logger.Warn("phase flag read failed, keeping previous view", "error", flagErr)
		return false
	}
	if roundErr != nil {
		logger.Warn("index read failed, using ledger only", "error", roundErr)
	} else if round != nil && uint64(len(round.Players)) > round.MaxPlayers {
		logger.Warn("index roster exceeds capacity, truncating",
			"round_id", round.ID,
			"players", len(round.Players),
			"max_players", round.MaxPlayers,
		)
	}

	next, ok := e.install(ctx, flag, round, roundErr)
	if !ok {
		return false
	}

	logger.Debug("view installed",
		"phase", next.Phase.String(),
		"round_id", next.RoundID,
		"players", len(next.Players),
		"index_lagging", next.IndexLagging,
	)
	e.publish(ctx, next)
	return true
}

func (e *Engine) install(ctx context.Context, flag bool, round *lottery.Round, roundErr error) (lottery.GameView, bool) {
	e.installMu.Lock()
	defer e.installMu.Unlock()

	if ctx.Err() != nil {
		return lottery.GameView{}, false
	}

	prev := e.view.Load()
	next := Reconcile(flag, round, roundErr, *prev)
	next.Cycle = prev.Cycle + 1
	next.ObservedAt = e.now()
	next.IndexObservedAt = prev.IndexObservedAt
	if roundErr == nil {
		next.IndexObservedAt = next.ObservedAt
	}

	if next.Phase != prev.Phase || next.RoundID != prev.RoundID {
		e.logger.Info("phase transition",
			"from", prev.Phase.String(),
			"to", next.Phase.String(),
			"round_id", next.RoundID,
		)
	}

	e.view.Store(&next)
	return next.Clone(), true
}

func (e *Engine) publish(ctx context.Context, view lottery.GameView) {
	e.subMu.Lock()
	for _, ch := range e.subs {
		select {
		case ch <- view.Clone():
		default:
		}
	}
	e.subMu.Unlock()

	e.sinkMu.RLock()
	sinks := append([]Sink(nil), e.sinks...)
	e.sinkMu.RUnlock()

	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SinkTimeout)
		if err := s.Publish(sctx, view.Clone()); err != nil {
			e.logger.Warn("sink publish failed", "sink", sinkName(s), "error", err)
		}
		cancel()
	}
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unnamed"
}
