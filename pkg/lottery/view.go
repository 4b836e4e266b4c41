package lottery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is the client-visible lifecycle state of the current round.
type Phase int

const (
	PhaseAwaitingStart Phase = iota
	PhaseActive
	PhaseFull
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingStart:
		return "awaiting_start"
	case PhaseActive:
		return "active"
	case PhaseFull:
		return "full"
	case PhaseResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// InRound reports whether the phase describes a round that is still open on
// the ledger.
func (p Phase) InRound() bool {
	return p == PhaseActive || p == PhaseFull
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "awaiting_start":
		*p = PhaseAwaitingStart
	case "active":
		*p = PhaseActive
	case "full":
		*p = PhaseFull
	case "resolved":
		*p = PhaseResolved
	default:
		return fmt.Errorf("unknown phase %q", text)
	}
	return nil
}

// GameView is the reconciled client-visible state. It is recomputed on every
// poll cycle and replaced wholesale; a GameView handed to a consumer is never
// mutated afterwards.
type GameView struct {
	Phase      Phase
	RoundID    string
	MaxPlayers uint64
	EntryFee   *big.Int
	Players    []common.Address
	Winner     *common.Address
	EventLog   []string

	// IndexLagging is set while the ledger reports a state the index has not
	// caught up with yet.
	IndexLagging bool

	// StaleRoundID is the newest round known to be over while the ledger has
	// moved past it. Index snapshots at or below it describe an older round.
	StaleRoundID string

	// Cycle counts installed views.
	Cycle           uint64
	ObservedAt      time.Time
	IndexObservedAt time.Time
}

// HasWinner reports whether the view carries a resolved winner.
func (v GameView) HasWinner() bool {
	return v.Winner != nil && *v.Winner != (common.Address{})
}

// Clone returns a deep copy of the view.
func (v GameView) Clone() GameView {
	out := v
	if v.EntryFee != nil {
		out.EntryFee = new(big.Int).Set(v.EntryFee)
	}
	if v.Players != nil {
		out.Players = append([]common.Address(nil), v.Players...)
	}
	if v.Winner != nil {
		w := *v.Winner
		out.Winner = &w
	}
	if v.EventLog != nil {
		out.EventLog = append([]string(nil), v.EventLog...)
	}
	return out
}

type gameViewJSON struct {
	Phase           Phase     `json:"phase"`
	RoundID         string    `json:"round_id,omitempty"`
	MaxPlayers      uint64    `json:"max_players"`
	EntryFee        string    `json:"entry_fee"`
	Players         []string  `json:"players"`
	Winner          string    `json:"winner,omitempty"`
	EventLog        []string  `json:"event_log"`
	IndexLagging    bool      `json:"index_lagging"`
	StaleRoundID    string    `json:"stale_round_id,omitempty"`
	Cycle           uint64    `json:"cycle"`
	ObservedAt      time.Time `json:"observed_at"`
	IndexObservedAt time.Time `json:"index_observed_at"`
}

// MarshalJSON renders amounts as decimal wei strings and addresses as
// checksummed hex.
func (v GameView) MarshalJSON() ([]byte, error) {
	out := gameViewJSON{
		Phase:           v.Phase,
		RoundID:         v.RoundID,
		MaxPlayers:      v.MaxPlayers,
		EntryFee:        "0",
		Players:         make([]string, len(v.Players)),
		EventLog:        v.EventLog,
		IndexLagging:    v.IndexLagging,
		StaleRoundID:    v.StaleRoundID,
		Cycle:           v.Cycle,
		ObservedAt:      v.ObservedAt,
		IndexObservedAt: v.IndexObservedAt,
	}
	if v.EntryFee != nil {
		out.EntryFee = v.EntryFee.String()
	}
	for i, p := range v.Players {
		out.Players[i] = p.Hex()
	}
	if v.HasWinner() {
		out.Winner = v.Winner.Hex()
	}
	if out.EventLog == nil {
		out.EventLog = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *GameView) UnmarshalJSON(data []byte) error {
	var in gameViewJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	fee, ok := new(big.Int).SetString(in.EntryFee, 10)
	if !ok {
		return fmt.Errorf("invalid entry fee %q", in.EntryFee)
	}
	*v = GameView{
		Phase:           in.Phase,
		RoundID:         in.RoundID,
		MaxPlayers:      in.MaxPlayers,
		EntryFee:        fee,
		EventLog:        in.EventLog,
		IndexLagging:    in.IndexLagging,
		StaleRoundID:    in.StaleRoundID,
		Cycle:           in.Cycle,
		ObservedAt:      in.ObservedAt,
		IndexObservedAt: in.IndexObservedAt,
	}
	for _, p := range in.Players {
		v.Players = append(v.Players, common.HexToAddress(p))
	}
	if in.Winner != "" {
		w := common.HexToAddress(in.Winner)
		v.Winner = &w
	}
	return nil
}
