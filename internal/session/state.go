// Package session owns the wallet session lifecycle: connect, account
// changes, privilege resolution and the poll loop scoped to a connection.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a snapshot of the session.
type State struct {
	Status       Status
	Account      common.Address
	IsPrivileged bool
	// Err is the failure that moved the session to Rejected.
	Err error
}

// HasAccount reports whether an account is attached.
func (s State) HasAccount() bool {
	return s.Account != (common.Address{})
}

type stateJSON struct {
	Status       Status `json:"status"`
	Account      string `json:"account,omitempty"`
	IsPrivileged bool   `json:"is_privileged"`
	Error        string `json:"error,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		Status:       s.Status,
		IsPrivileged: s.IsPrivileged,
	}
	if s.HasAccount() {
		out.Account = s.Account.Hex()
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}
