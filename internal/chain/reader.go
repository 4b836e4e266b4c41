// Package chain implements typed reads and writes against the lottery
// contract.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/lottery-pulse/internal/config"
	"github.com/marko911/lottery-pulse/internal/provider"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// Config describes the contract and the inclusion wait.
type Config struct {
	Address common.Address
	ABI     abi.ABI
	Methods config.MethodConfig

	InclusionTimeout    time.Duration
	ReceiptPollInterval time.Duration
}

// ConfigFrom builds a reader Config from the contract section of the file
// configuration.
func ConfigFrom(c config.ContractConfig) (Config, error) {
	parsed, err := LoadABI(c.ABIPath)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Address:             common.HexToAddress(c.Address),
		ABI:                 parsed,
		Methods:             c.Methods,
		InclusionTimeout:    c.InclusionTimeout,
		ReceiptPollInterval: c.ReceiptPollInterval,
	}, nil
}

// Reader calls the lottery contract through a provider read view. Mutating
// calls borrow a sign view per call.
type Reader struct {
	cfg      Config
	read     provider.ReadView
	contract *bind.BoundContract
	logger   *slog.Logger
}

// NewReader validates the method mapping against the ABI and binds the
// contract to read.
func NewReader(cfg Config, read provider.ReadView, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InclusionTimeout <= 0 {
		cfg.InclusionTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = time.Second
	}

	if err := validateMethods(cfg.ABI, cfg.Methods); err != nil {
		return nil, err
	}

	return &Reader{
		cfg:      cfg,
		read:     read,
		contract: bind.NewBoundContract(cfg.Address, cfg.ABI, read, nil, nil),
		logger:   logger.With("component", "chain-reader", "contract", cfg.Address.Hex()),
	}, nil
}

func validateMethods(parsed abi.ABI, m config.MethodConfig) error {
	checks := []struct {
		name    string
		inputs  int
		outputs int
	}{
		{m.PhaseFlag, 0, 1},
		{m.Controller, 0, 1},
		{m.StartRound, 2, 0},
		{m.JoinRound, 0, 0},
	}
	for _, c := range checks {
		method, ok := parsed.Methods[c.name]
		if !ok {
			return fmt.Errorf("abi has no method %q", c.name)
		}
		if len(method.Inputs) != c.inputs || len(method.Outputs) != c.outputs {
			return fmt.Errorf("abi method %q: want %d inputs and %d outputs, got %d and %d",
				c.name, c.inputs, c.outputs, len(method.Inputs), len(method.Outputs))
		}
	}
	if t := parsed.Methods[m.PhaseFlag].Outputs[0].Type.T; t != abi.BoolTy {
		return fmt.Errorf("abi method %q must return bool", m.PhaseFlag)
	}
	if t := parsed.Methods[m.Controller].Outputs[0].Type.T; t != abi.AddressTy {
		return fmt.Errorf("abi method %q must return address", m.Controller)
	}
	if !parsed.Methods[m.JoinRound].IsPayable() {
		return fmt.Errorf("abi method %q must be payable", m.JoinRound)
	}
	return nil
}

// PhaseFlag reports whether a round is currently accepting entries.
func (r *Reader) PhaseFlag(ctx context.Context) (bool, error) {
	out, err := r.call(ctx, r.cfg.Methods.PhaseFlag)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Controller returns the account permitted to start rounds.
func (r *Reader) Controller(ctx context.Context) (common.Address, error) {
	out, err := r.call(ctx, r.cfg.Methods.Controller)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (r *Reader) call(ctx context.Context, method string) ([]any, error) {
	var out []any
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return nil, fmt.Errorf("call %s: %w: %w", method, lottery.ErrReadFailure, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result: %w", method, lottery.ErrReadFailure)
	}
	return out, nil
}

// StartRound opens a new round. The contract enforces who may call it.
func (r *Reader) StartRound(ctx context.Context, sv *provider.SignView, maxPlayers uint64, entryFee *big.Int) (*types.Receipt, error) {
	if maxPlayers == 0 {
		return nil, errors.New("max players must be positive")
	}
	if entryFee != nil && entryFee.Sign() < 0 {
		return nil, errors.New("entry fee must not be negative")
	}

	method := r.cfg.ABI.Methods[r.cfg.Methods.StartRound]
	maxArg, err := uintArg(method.Inputs[0], new(big.Int).SetUint64(maxPlayers))
	if err != nil {
		return nil, err
	}
	feeArg, err := uintArg(method.Inputs[1], entryFee)
	if err != nil {
		return nil, err
	}

	r.logger.Info("starting round",
		"max_players", maxPlayers,
		"entry_fee", bigString(entryFee),
		"from", sv.Opts.From.Hex(),
	)
	return r.transact(ctx, sv, nil, method.Name, maxArg, feeArg)
}

// JoinRound enters the current round, paying entryFee.
func (r *Reader) JoinRound(ctx context.Context, sv *provider.SignView, entryFee *big.Int) (*types.Receipt, error) {
	if entryFee != nil && entryFee.Sign() < 0 {
		return nil, errors.New("entry fee must not be negative")
	}

	r.logger.Info("joining round",
		"entry_fee", bigString(entryFee),
		"from", sv.Opts.From.Hex(),
	)
	return r.transact(ctx, sv, entryFee, r.cfg.Methods.JoinRound)
}

// transact submits one call and waits for its inclusion. A timed-out
// submission is surfaced as is; resubmitting is the caller's decision.
func (r *Reader) transact(ctx context.Context, sv *provider.SignView, value *big.Int, method string, params ...any) (*types.Receipt, error) {
	contract := bind.NewBoundContract(r.cfg.Address, r.cfg.ABI, r.read, sv.Transactor, nil)

	opts := *sv.Opts
	opts.Context = ctx
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	}

	tx, err := contract.Transact(&opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w: %w", method, lottery.ErrTransactionFailed, err)
	}

	r.logger.Info("transaction submitted", "method", method, "tx", tx.Hash().Hex(), "nonce", tx.Nonce())

	receipt, err := r.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, tx.Hash().Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		r.logger.Warn("transaction reverted", "method", method, "tx", tx.Hash().Hex(), "block", receipt.BlockNumber)
		return receipt, fmt.Errorf("%s %s reverted in block %s: %w", method, tx.Hash().Hex(), receipt.BlockNumber, lottery.ErrTransactionFailed)
	}

	r.logger.Info("transaction included",
		"method", method,
		"tx", tx.Hash().Hex(),
		"block", receipt.BlockNumber,
		"events", r.eventNames(receipt),
	)
	return receipt, nil
}

// waitMined polls for the receipt until it appears or the inclusion timeout
// elapses.
func (r *Reader) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.InclusionTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := r.read.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			r.logger.Debug("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("not included within %s: %w", r.cfg.InclusionTimeout, lottery.ErrTransactionTimeout)
		case <-ticker.C:
		}
	}
}

func (r *Reader) eventNames(receipt *types.Receipt) []string {
	var names []string
	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) == 0 || l.Address != r.cfg.Address {
			continue
		}
		if ev, err := r.cfg.ABI.EventByID(l.Topics[0]); err == nil {
			names = append(names, ev.Name)
		}
	}
	return names
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
