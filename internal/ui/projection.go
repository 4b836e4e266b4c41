// Package ui projects the reconciled view and the session into the set of
// affordances a page renders.
package ui

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/marko911/lottery-pulse/internal/session"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// Affordances is what the page can show and do. It is a pure function of its
// inputs.
type Affordances struct {
	ShowConnect    bool     `json:"show_connect"`
	Loading        bool     `json:"loading"`
	Account        string   `json:"account,omitempty"`
	Phase          string   `json:"phase"`
	RoundID        string   `json:"round_id,omitempty"`
	CanJoin        bool     `json:"can_join"`
	JoinFeeWei     string   `json:"join_fee_wei,omitempty"`
	JoinFeeEther   string   `json:"join_fee_ether,omitempty"`
	ChoosingWinner bool     `json:"choosing_winner"`
	CanStartRound  bool     `json:"can_start_round"`
	Players        []string `json:"players"`
	PlayerCount    string   `json:"player_count,omitempty"`
	Winner         string   `json:"winner,omitempty"`
	EventLog       []string `json:"event_log"`
	IndexLagging   bool     `json:"index_lagging"`
	Notice         string   `json:"notice,omitempty"`
}

// Project computes the affordances for view under st.
func Project(view lottery.GameView, st session.State) Affordances {
	a := Affordances{
		ShowConnect:  st.Status == session.StatusDisconnected || st.Status == session.StatusRejected,
		Loading:      st.Status == session.StatusConnecting,
		Phase:        view.Phase.String(),
		RoundID:      view.RoundID,
		Players:      make([]string, 0, len(view.Players)),
		EventLog:     append([]string{}, view.EventLog...),
		IndexLagging: view.IndexLagging,
		Notice:       notice(st),
	}
	if st.HasAccount() {
		a.Account = st.Account.Hex()
	}
	for _, p := range view.Players {
		a.Players = append(a.Players, p.Hex())
	}
	if view.Phase.InRound() {
		a.PlayerCount = fmt.Sprintf("%d / %d", len(view.Players), view.MaxPlayers)
	}
	if view.HasWinner() {
		a.Winner = view.Winner.Hex()
	}

	connected := st.Status == session.StatusConnected
	switch view.Phase {
	case lottery.PhaseActive:
		// A lagging view only knows the previous round's fee.
		a.CanJoin = connected && !view.IndexLagging
		if !view.IndexLagging && view.EntryFee != nil {
			a.JoinFeeWei = view.EntryFee.String()
			a.JoinFeeEther = FormatEther(view.EntryFee)
		}
	case lottery.PhaseFull:
		a.ChoosingWinner = true
	}
	a.CanStartRound = connected && st.IsPrivileged && !view.Phase.InRound()
	return a
}

func notice(st session.State) string {
	if st.Status != session.StatusRejected || st.Err == nil {
		return ""
	}
	switch {
	case errors.Is(st.Err, lottery.ErrNetworkMismatch):
		return "Wrong network. Switch your wallet to the supported network and connect again."
	case errors.Is(st.Err, lottery.ErrUserRejected):
		return "Connection request was declined."
	default:
		return "Could not connect: " + st.Err.Error()
	}
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)
	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", 18-len(digits)) + digits
		out += "." + strings.TrimRight(digits, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

// ParseEther parses a decimal ether amount such as "0.01" into wei.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("amount %q has more than 18 decimals", s)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	wei, ok := new(big.Int).SetString(whole+frac+strings.Repeat("0", 18-len(frac)), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return wei, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
