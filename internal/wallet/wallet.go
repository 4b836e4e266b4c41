// Package wallet implements the wallet boundary: the request-accounts
// handshake, account-changed notifications and transaction signing.
package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Wallet is the collaborator that owns keys. RequestAccounts and Transactor
// may block on a user prompt; a declined prompt surfaces as
// lottery.ErrUserRejected.
type Wallet interface {
	// RequestAccounts performs the connect handshake and returns the
	// accounts exposed to the caller, active account first.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// AccountsChanged delivers the new active account whenever it changes.
	// A nil channel means the wallet never changes accounts.
	AccountsChanged() <-chan common.Address

	// Transactor returns signing options for account on chainID.
	Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error)

	Close() error
}
