package reconcile

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// Reconcile computes the next view from one poll's inputs.
//
// active is the ledger's phase flag and always decides whether a round is
// open. round is the index snapshot and only supplies roster and winner
// detail; it is nil with a nil roundErr when nothing was ever indexed. A
// non-nil roundErr degrades the cycle to ledger-only fields.
//
// The result never shares memory with prev or round.
func Reconcile(active bool, round *lottery.Round, roundErr error, prev lottery.GameView) lottery.GameView {
	var next lottery.GameView
	switch {
	case roundErr != nil:
		next = ledgerOnly(active, prev)
	case active:
		next = activeRound(round, prev)
	default:
		next = idle(round, prev)
	}
	return normalize(next)
}

func activeRound(round *lottery.Round, prev lottery.GameView) lottery.GameView {
	if indexNotCaughtUp(round, prev) {
		return lagging(prev, round)
	}

	players := capRoster(round.Players, round.MaxPlayers)
	next := lottery.GameView{
		Phase:      lottery.PhaseActive,
		RoundID:    round.ID,
		MaxPlayers: round.MaxPlayers,
		EntryFee:   copyBig(round.EntryFee),
		Players:    players,
	}
	if round.MaxPlayers > 0 && uint64(len(players)) == round.MaxPlayers {
		next.Phase = lottery.PhaseFull
	}
	next.EventLog = activeLog(next)
	return next
}

// indexNotCaughtUp reports whether the ledger says a round is open while the
// index still describes an earlier one.
func indexNotCaughtUp(round *lottery.Round, prev lottery.GameView) bool {
	if round == nil || round.HasWinner() {
		return true
	}
	if atOrBelowStale(round, prev) {
		return true
	}
	if prev.RoundID == "" {
		return false
	}
	if lottery.RoundIDLess(round.ID, prev.RoundID) {
		return true
	}
	return round.ID == prev.RoundID && (!prev.Phase.InRound() || prev.IndexLagging)
}

// atOrBelowStale reports whether round is no newer than the round prev knows
// to be over.
func atOrBelowStale(round *lottery.Round, prev lottery.GameView) bool {
	return prev.StaleRoundID != "" && !lottery.RoundIDLess(prev.StaleRoundID, round.ID)
}

// lagging is the view for an open round the index has not indexed yet: the
// last known fee and capacity, no roster. The round prev tracked, and any
// winner-bearing snapshot, are recorded as stale.
func lagging(prev lottery.GameView, round *lottery.Round) lottery.GameView {
	stale := prev.StaleRoundID
	if !prev.IndexLagging || stale == "" {
		stale = newerID(stale, prev.RoundID)
	}
	if round != nil && round.HasWinner() {
		stale = newerID(stale, round.ID)
	}
	return lottery.GameView{
		Phase:        lottery.PhaseActive,
		RoundID:      prev.RoundID,
		MaxPlayers:   prev.MaxPlayers,
		EntryFee:     copyBig(prev.EntryFee),
		Players:      []common.Address{},
		IndexLagging: true,
		StaleRoundID: stale,
		EventLog: []string{
			"A new round has started",
			"Waiting for the index to catch up...",
		},
	}
}

func idle(round *lottery.Round, prev lottery.GameView) lottery.GameView {
	if round.HasWinner() && !indexBehindResolution(round, prev) {
		newWinner := !prev.HasWinner() || *prev.Winner != *round.Winner || prev.RoundID != round.ID
		if newWinner || prev.Phase != lottery.PhaseResolved {
			return resolved(round)
		}
		return prev.Clone()
	}

	if prev.Phase.InRound() {
		return concluding(prev)
	}

	if prev.Phase == lottery.PhaseResolved || prev.IndexLagging {
		return prev.Clone()
	}

	next := lottery.GameView{
		Phase:   lottery.PhaseAwaitingStart,
		Players: []common.Address{},
	}
	if round == nil {
		next.EventLog = []string{
			"No round has been played yet",
			"Waiting for the controller to start a round...",
		}
		return next
	}
	next.RoundID = round.ID
	next.MaxPlayers = round.MaxPlayers
	next.EntryFee = copyBig(round.EntryFee)
	next.EventLog = []string{"Waiting for the controller to start a new round..."}
	return next
}

// indexBehindResolution reports whether a winner-bearing snapshot describes a
// round older than the one the view already tracks.
func indexBehindResolution(round *lottery.Round, prev lottery.GameView) bool {
	if atOrBelowStale(round, prev) {
		return true
	}
	if prev.RoundID == "" {
		return false
	}
	if lottery.RoundIDLess(round.ID, prev.RoundID) {
		return true
	}
	return prev.Phase.InRound() && prev.IndexLagging && round.ID == prev.RoundID
}

func newerID(a, b string) string {
	if a == "" || (b != "" && lottery.RoundIDLess(a, b)) {
		return b
	}
	return a
}

func resolved(round *lottery.Round) lottery.GameView {
	winner := *round.Winner
	return lottery.GameView{
		Phase:      lottery.PhaseResolved,
		RoundID:    round.ID,
		MaxPlayers: round.MaxPlayers,
		EntryFee:   copyBig(round.EntryFee),
		Players:    capRoster(round.Players, round.MaxPlayers),
		Winner:     &winner,
		EventLog: []string{
			fmt.Sprintf("Last round has ended with ID: %s", round.ID),
			fmt.Sprintf("Winner is: %s", winner.Hex()),
			"Waiting for the controller to start a new round...",
		},
	}
}

// concluding is the view for a round the ledger closed before the index
// reported its winner. The roster stays on display; the winner is pending.
func concluding(prev lottery.GameView) lottery.GameView {
	next := prev.Clone()
	next.Phase = lottery.PhaseAwaitingStart
	next.Winner = nil
	next.IndexLagging = true
	if next.Players == nil {
		next.Players = []common.Address{}
	}
	label := next.RoundID
	if prev.IndexLagging || label == "" {
		label = "in progress"
	}
	next.EventLog = []string{
		fmt.Sprintf("Round %s has ended", label),
		"Waiting for the index to report the winner...",
	}
	return next
}

func ledgerOnly(active bool, prev lottery.GameView) lottery.GameView {
	switch {
	case active && prev.Phase.InRound():
		next := prev.Clone()
		next.Phase = lottery.PhaseActive
		if next.MaxPlayers > 0 && uint64(len(next.Players)) == next.MaxPlayers {
			next.Phase = lottery.PhaseFull
		}
		return next
	case active:
		return lagging(prev, nil)
	case prev.Phase.InRound():
		return concluding(prev)
	default:
		return prev.Clone()
	}
}

func activeLog(v lottery.GameView) []string {
	log := []string{fmt.Sprintf("Round has started with ID: %s", v.RoundID)}
	if len(v.Players) > 0 {
		log = append(log, fmt.Sprintf("%d / %d already joined", len(v.Players), v.MaxPlayers))
	}
	for _, p := range v.Players {
		log = append(log, fmt.Sprintf("%s joined", p.Hex()))
	}
	if v.Phase == lottery.PhaseFull {
		log = append(log, "Round is full, choosing a winner...")
	}
	return log
}

// normalize enforces the view invariants: a winner exists only on resolved
// views and the roster never exceeds capacity.
func normalize(v lottery.GameView) lottery.GameView {
	if v.Phase != lottery.PhaseResolved {
		v.Winner = nil
	}
	v.Players = capRoster(v.Players, v.MaxPlayers)
	if v.EntryFee == nil {
		v.EntryFee = new(big.Int)
	}
	return v
}

func capRoster(players []common.Address, max uint64) []common.Address {
	n := len(players)
	if uint64(n) > max {
		n = int(max)
	}
	out := make([]common.Address, n)
	copy(out, players)
	return out
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
