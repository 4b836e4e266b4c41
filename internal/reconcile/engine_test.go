package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

type fakePhase struct {
	mu    sync.Mutex
	flag  bool
	err   error
	calls atomic.Int32
	// gate, when set, blocks PhaseFlag until it is closed.
	gate chan struct{}
}

func (f *fakePhase) PhaseFlag(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flag, f.err
}

func (f *fakePhase) set(flag bool, err error) {
	f.mu.Lock()
	f.flag, f.err = flag, err
	f.mu.Unlock()
}

type fakeIndex struct {
	mu    sync.Mutex
	round *lottery.Round
	err   error
	// called, when set, is closed on the first fetch.
	called chan struct{}
	once   sync.Once
}

func (f *fakeIndex) FetchLatestRound(ctx context.Context) (*lottery.Round, error) {
	if f.called != nil {
		f.once.Do(func() { close(f.called) })
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.round, f.err
}

func (f *fakeIndex) set(round *lottery.Round, err error) {
	f.mu.Lock()
	f.round, f.err = round, err
	f.mu.Unlock()
}

type recordingSink struct {
	mu    sync.Mutex
	views []lottery.GameView
	err   error
}

func (s *recordingSink) Publish(ctx context.Context, view lottery.GameView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = append(s.views, view)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

func activeRoundTwo() *lottery.Round {
	return &lottery.Round{
		ID:         "2",
		Players:    []common.Address{playerA},
		MaxPlayers: 3,
		EntryFee:   fee(10),
	}
}

func TestEngine_CycleInstallsAndPublishes(t *testing.T) {
	idx := &fakeIndex{round: activeRoundTwo()}
	sink := &recordingSink{}
	e := New(Config{}, idx, slogt.New(t), sink)
	updates, unsubscribe := e.Updates()
	defer unsubscribe()

	require.Equal(t, lottery.PhaseAwaitingStart, e.View().Phase)

	ok := e.Cycle(context.Background(), &fakePhase{flag: true})
	require.True(t, ok)

	view := e.View()
	assert.Equal(t, lottery.PhaseActive, view.Phase)
	assert.Equal(t, uint64(1), view.Cycle)
	assert.False(t, view.ObservedAt.IsZero())
	assert.Equal(t, view.ObservedAt, view.IndexObservedAt)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "2", sink.views[0].RoundID)

	select {
	case got := <-updates:
		assert.Equal(t, view.Cycle, got.Cycle)
	default:
		t.Fatal("expected an update")
	}
}

func TestEngine_ChainFailureSkipsCycle(t *testing.T) {
	idx := &fakeIndex{round: activeRoundTwo()}
	sink := &recordingSink{}
	e := New(Config{}, idx, slogt.New(t), sink)
	src := &fakePhase{flag: true}

	require.True(t, e.Cycle(context.Background(), src))
	before := e.View()

	src.set(false, lottery.ErrReadFailure)
	assert.False(t, e.Cycle(context.Background(), src))

	after := e.View()
	assert.Equal(t, before.Cycle, after.Cycle)
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.Players, after.Players)
	assert.Equal(t, 1, sink.count())
}

func TestEngine_IndexFailureDegradesToLedger(t *testing.T) {
	idx := &fakeIndex{round: activeRoundTwo()}
	e := New(Config{}, idx, slogt.New(t))
	src := &fakePhase{flag: true}

	require.True(t, e.Cycle(context.Background(), src))
	first := e.View()

	idx.set(nil, errors.New("subgraph 502"))
	src.set(false, nil)
	require.True(t, e.Cycle(context.Background(), src))

	second := e.View()
	assert.Equal(t, lottery.PhaseAwaitingStart, second.Phase)
	assert.Equal(t, first.Players, second.Players)
	assert.Equal(t, first.IndexObservedAt, second.IndexObservedAt)
	assert.True(t, second.ObservedAt.After(first.ObservedAt) || second.ObservedAt.Equal(first.ObservedAt))
}

func TestEngine_SinkErrorDoesNotAffectView(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	e := New(Config{}, &fakeIndex{round: activeRoundTwo()}, slogt.New(t), sink)

	require.True(t, e.Cycle(context.Background(), &fakePhase{flag: true}))
	assert.Equal(t, lottery.PhaseActive, e.View().Phase)
}

func TestEngine_CancelledCycleInstallsNothing(t *testing.T) {
	sink := &recordingSink{}
	e := New(Config{}, &fakeIndex{round: activeRoundTwo()}, slogt.New(t), sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, e.Cycle(ctx, &fakePhase{flag: true}))
	assert.Equal(t, uint64(0), e.View().Cycle)
	assert.Equal(t, 0, sink.count())
}

func TestEngine_ReadsRunConcurrently(t *testing.T) {
	idx := &fakeIndex{round: activeRoundTwo(), called: make(chan struct{})}
	// The ledger read only completes once the index read has started.
	src := &fakePhase{flag: true, gate: idx.called}
	e := New(Config{ReadTimeout: 2 * time.Second}, idx, slogt.New(t))

	require.True(t, e.Cycle(context.Background(), src))
	assert.Equal(t, lottery.PhaseActive, e.View().Phase)
}

func TestEngine_ViewIsACopy(t *testing.T) {
	e := New(Config{}, &fakeIndex{round: activeRoundTwo()}, slogt.New(t))
	require.True(t, e.Cycle(context.Background(), &fakePhase{flag: true}))

	v := e.View()
	v.Players[0] = playerC
	v.EntryFee.SetInt64(0)

	again := e.View()
	assert.Equal(t, playerA, again.Players[0])
	assert.Equal(t, "10", again.EntryFee.String())
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	e := New(Config{PollInterval: 5 * time.Millisecond}, &fakeIndex{round: activeRoundTwo()}, slogt.New(t))
	src := &fakePhase{flag: true}
	poller := e.Bind(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool { return e.View().Cycle >= 3 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	stopped := e.View().Cycle
	calls := src.calls.Load()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, stopped, e.View().Cycle, "no view installed after cancel")
	assert.Equal(t, calls, src.calls.Load(), "no reads after cancel")
}

func TestPoller_CancelDuringInFlightCycle(t *testing.T) {
	gate := make(chan struct{})
	src := &fakePhase{flag: true, gate: gate}
	sink := &recordingSink{}
	e := New(Config{PollInterval: time.Hour}, &fakeIndex{round: activeRoundTwo()}, slogt.New(t), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Bind(src).Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	close(gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
	assert.Equal(t, uint64(0), e.View().Cycle)
	assert.Equal(t, 0, sink.count())
}

func TestPoller_RunsImmediately(t *testing.T) {
	e := New(Config{PollInterval: time.Hour}, &fakeIndex{round: activeRoundTwo()}, slogt.New(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Bind(&fakePhase{flag: true}).Run(ctx) }()

	require.Eventually(t, func() bool { return e.View().Cycle == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
}
