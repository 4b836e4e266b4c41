// Package provider adapts a wallet plus an RPC connection into the read and
// sign views used by the chain reader, enforcing the one supported network.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/lottery-pulse/internal/wallet"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// Backend is the RPC surface the adapter needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// ReadView supports only non-mutating calls.
type ReadView interface {
	bind.ContractCaller
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SignView is handed out only to callers that declared a mutating call.
type SignView struct {
	Opts       *bind.TransactOpts
	Transactor bind.ContractTransactor
}

// Dialer opens a Backend.
type Dialer func(ctx context.Context) (Backend, error)

// Adapter produces connections bound to a single chain id.
type Adapter struct {
	chainID uint64
	dial    Dialer
	wallet  wallet.Wallet
	logger  *slog.Logger
}

// NewAdapter creates an adapter for chainID.
func NewAdapter(chainID uint64, dial Dialer, w wallet.Wallet, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		chainID: chainID,
		dial:    dial,
		wallet:  w,
		logger:  logger.With("component", "provider", "chain_id", chainID),
	}
}

// Connect dials the backend, verifies the chain id and performs the wallet
// handshake. The handshake may block on a user prompt; it is skipped entirely
// when the network does not match.
func (a *Adapter) Connect(ctx context.Context) (*Conn, error) {
	backend, err := a.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("get chain ID: %w", err)
	}
	if !chainID.IsUint64() || chainID.Uint64() != a.chainID {
		backend.Close()
		a.logger.Warn("connected to unsupported network", "got_chain_id", chainID.String())
		return nil, fmt.Errorf("%w: expected chain %d, got %s", lottery.ErrNetworkMismatch, a.chainID, chainID)
	}

	accounts, err := a.wallet.RequestAccounts(ctx)
	if err != nil {
		backend.Close()
		if errors.Is(err, lottery.ErrUserRejected) {
			a.logger.Info("wallet connect declined")
		}
		return nil, fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		backend.Close()
		return nil, fmt.Errorf("request accounts: wallet exposed no accounts: %w", lottery.ErrUserRejected)
	}

	a.logger.Info("wallet connected", "account", accounts[0].Hex())

	return &Conn{
		backend: backend,
		wallet:  a.wallet,
		chainID: chainID,
		account: accounts[0],
		logger:  a.logger,
	}, nil
}

// Conn is one established wallet connection.
type Conn struct {
	backend Backend
	wallet  wallet.Wallet
	chainID *big.Int
	logger  *slog.Logger

	mu      sync.RWMutex
	account common.Address
	closed  bool
}

// Read returns the read-only view.
func (c *Conn) Read() ReadView {
	return c.backend
}

// ChainID returns the verified chain id.
func (c *Conn) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Account returns the active account.
func (c *Conn) Account() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// SetAccount records an account change reported by the wallet.
func (c *Conn) SetAccount(addr common.Address) {
	c.mu.Lock()
	c.account = addr
	c.mu.Unlock()
}

// AccountsChanged forwards the wallet's account-changed channel.
func (c *Conn) AccountsChanged() <-chan common.Address {
	return c.wallet.AccountsChanged()
}

// Signer produces the sign view for the active account. Only call it when a
// mutating call is about to be submitted: it may prompt the user.
func (c *Conn) Signer(ctx context.Context) (*SignView, error) {
	c.mu.RLock()
	closed := c.closed
	account := c.account
	c.mu.RUnlock()

	if closed {
		return nil, errors.New("connection closed")
	}

	opts, err := c.wallet.Transactor(ctx, account, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("signer for %s: %w", account.Hex(), err)
	}
	return &SignView{Opts: opts, Transactor: c.backend}, nil
}

// Close releases the backend. The wallet outlives the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.backend.Close()
	return nil
}
