package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

var contract = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")

func newTestProducer(fp *fakeProducer) *TransitionProducer {
	return newTransitionProducer(fp, nil, ProducerConfig{
		Topic:    "lottery-transitions",
		Contract: contract,
		ChainID:  80001,
	}, nil)
}

func view(phase lottery.Phase, round string) lottery.GameView {
	return lottery.GameView{Phase: phase, RoundID: round, EntryFee: big.NewInt(10)}
}

func TestTransitionProducer_OnlyOnChange(t *testing.T) {
	fp := &fakeProducer{}
	p := newTestProducer(fp)
	ctx := context.Background()

	steps := []lottery.GameView{
		view(lottery.PhaseAwaitingStart, ""),
		view(lottery.PhaseAwaitingStart, ""),
		view(lottery.PhaseActive, "1"),
		view(lottery.PhaseActive, "1"),
		view(lottery.PhaseFull, "1"),
		view(lottery.PhaseActive, "2"),
	}
	for i, v := range steps {
		if err := p.Publish(ctx, v); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if len(fp.records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(fp.records))
	}

	var first, last Transition
	if err := json.Unmarshal(fp.records[0].Value, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.From != "" || first.To != "awaiting_start" {
		t.Errorf("unexpected first transition %+v", first)
	}
	if err := json.Unmarshal(fp.records[3].Value, &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.From != "full" || last.To != "active" || last.RoundID != "2" {
		t.Errorf("unexpected last transition %+v", last)
	}
}

func TestTransitionProducer_KeyedByContract(t *testing.T) {
	fp := &fakeProducer{}
	p := newTestProducer(fp)

	if err := p.Publish(context.Background(), view(lottery.PhaseActive, "1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	r := fp.records[0]
	if string(r.Key) != strings.ToLower(contract.Hex()) {
		t.Errorf("expected key %s, got %s", strings.ToLower(contract.Hex()), r.Key)
	}
	if r.Topic != "lottery-transitions" {
		t.Errorf("expected topic lottery-transitions, got %s", r.Topic)
	}
}

func TestTransitionProducer_RetriesAfterFailure(t *testing.T) {
	fp := &fakeProducer{err: errors.New("broker unavailable")}
	p := newTestProducer(fp)
	ctx := context.Background()

	if err := p.Publish(ctx, view(lottery.PhaseActive, "1")); err == nil {
		t.Fatal("expected produce error")
	}

	fp.err = nil
	if err := p.Publish(ctx, view(lottery.PhaseActive, "1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fp.records) != 1 {
		t.Errorf("expected the failed transition to be written on retry, got %d records", len(fp.records))
	}
}

func TestDefaultTransitionsTopic(t *testing.T) {
	cfg := DefaultTransitionsTopic("lottery-transitions")
	if cfg.Partitions != 3 || cfg.CleanupPolicy != "delete" {
		t.Errorf("unexpected topic config %+v", cfg)
	}
}
