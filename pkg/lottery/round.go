// Package lottery holds the domain model shared by the chain reader, the index
// reader, the reconciliation engine and the UI projection.
package lottery

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Round is a point-in-time snapshot of the most recent round as reported by
// the indexing service.
type Round struct {
	ID         string
	Players    []common.Address
	MaxPlayers uint64
	EntryFee   *big.Int
	Winner     *common.Address
}

// HasWinner reports whether the index has resolved a winner for the round.
func (r *Round) HasWinner() bool {
	return r != nil && r.Winner != nil && *r.Winner != (common.Address{})
}

// IsFull reports whether the roster reached the configured maximum.
func (r *Round) IsFull() bool {
	return r != nil && r.MaxPlayers > 0 && uint64(len(r.Players)) >= r.MaxPlayers
}

// SameAddress compares two hex addresses under canonical lowercasing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// RoundIDLess orders round ids by numeric value when both are numeric hex or
// decimal strings, falling back to length then lexical order.
func RoundIDLess(a, b string) bool {
	ai, aok := parseRoundID(a)
	bi, bok := parseRoundID(b)
	if aok && bok {
		return ai.Cmp(bi) < 0
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func parseRoundID(id string) (*big.Int, bool) {
	if id == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(id, 0)
	return n, ok
}
