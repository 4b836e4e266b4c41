package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// KeystoreConfig configures a KeystoreWallet.
type KeystoreConfig struct {
	// Account preselects the active account. Empty means the first one.
	Account string

	// UnlockDuration bounds how long an approved passphrase keeps the
	// account unlocked. Zero keeps it unlocked until Close.
	UnlockDuration time.Duration

	Prompter Prompter
	Logger   *slog.Logger
}

// KeystoreWallet serves accounts from an encrypted go-ethereum keystore.
// Every unlock goes through the Prompter.
type KeystoreWallet struct {
	ks     *keystore.KeyStore
	cfg    KeystoreConfig
	logger *slog.Logger

	mu      sync.RWMutex
	account accounts.Account

	changes chan common.Address
	events  chan accounts.WalletEvent
	sub     event.Subscription
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewKeystoreWallet wraps ks. The caller keeps ownership of the keystore
// directory.
func NewKeystoreWallet(ks *keystore.KeyStore, cfg KeystoreConfig) (*KeystoreWallet, error) {
	if cfg.Prompter == nil {
		return nil, errors.New("keystore wallet requires a prompter")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &KeystoreWallet{
		ks:      ks,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "keystore-wallet"),
		changes: make(chan common.Address, 8),
		events:  make(chan accounts.WalletEvent, 16),
		done:    make(chan struct{}),
	}

	if cfg.Account != "" {
		if !common.IsHexAddress(cfg.Account) {
			return nil, fmt.Errorf("invalid account %q", cfg.Account)
		}
		acct, err := ks.Find(accounts.Account{Address: common.HexToAddress(cfg.Account)})
		if err != nil {
			return nil, fmt.Errorf("find account %s: %w", cfg.Account, err)
		}
		w.account = acct
	}

	w.sub = ks.Subscribe(w.events)
	w.wg.Add(1)
	go w.watch()

	return w, nil
}

// RequestAccounts prompts for the active account's passphrase and unlocks it.
func (w *KeystoreWallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	acct, err := w.active()
	if err != nil {
		return nil, err
	}

	if err := w.unlock(ctx, acct, PromptConnect, "Connect "+acct.Address.Hex()+" to the lottery"); err != nil {
		return nil, err
	}

	addrs := []common.Address{acct.Address}
	for _, other := range w.ks.Accounts() {
		if other.Address != acct.Address {
			addrs = append(addrs, other.Address)
		}
	}
	return addrs, nil
}

// AccountsChanged delivers the active account after SelectAccount or after
// the active key file disappears.
func (w *KeystoreWallet) AccountsChanged() <-chan common.Address {
	return w.changes
}

// SelectAccount switches the active account.
func (w *KeystoreWallet) SelectAccount(addr common.Address) error {
	acct, err := w.ks.Find(accounts.Account{Address: addr})
	if err != nil {
		return fmt.Errorf("find account %s: %w", addr.Hex(), err)
	}

	w.mu.Lock()
	changed := w.account.Address != acct.Address
	w.account = acct
	w.mu.Unlock()

	if changed {
		w.notify(acct.Address)
	}
	return nil
}

// Transactor returns keystore-backed signing options, prompting for the
// passphrase if the account is locked.
func (w *KeystoreWallet) Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	acct, err := w.ks.Find(accounts.Account{Address: account})
	if err != nil {
		return nil, fmt.Errorf("find account %s: %w", account.Hex(), err)
	}

	if _, err := w.ks.SignHash(acct, make([]byte, 32)); errors.Is(err, keystore.ErrLocked) {
		if err := w.unlock(ctx, acct, PromptSign, "Sign a transaction from "+acct.Address.Hex()); err != nil {
			return nil, err
		}
	}

	opts, err := bind.NewKeyStoreTransactorWithChainID(w.ks, acct, chainID)
	if err != nil {
		return nil, fmt.Errorf("keystore transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// Close stops watching the keystore and locks the active account.
func (w *KeystoreWallet) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	w.sub.Unsubscribe()
	w.wg.Wait()

	w.mu.RLock()
	addr := w.account.Address
	w.mu.RUnlock()
	if addr != (common.Address{}) {
		if err := w.ks.Lock(addr); err != nil && !errors.Is(err, keystore.ErrNoMatch) {
			return fmt.Errorf("lock account: %w", err)
		}
	}
	return nil
}

func (w *KeystoreWallet) active() (accounts.Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.account.Address != (common.Address{}) {
		return w.account, nil
	}
	all := w.ks.Accounts()
	if len(all) == 0 {
		return accounts.Account{}, errors.New("keystore has no accounts")
	}
	w.account = all[0]
	return w.account, nil
}

func (w *KeystoreWallet) unlock(ctx context.Context, acct accounts.Account, kind PromptKind, msg string) error {
	approval, err := w.cfg.Prompter.Prompt(ctx, Request{
		Kind:    kind,
		Account: acct.Address,
		Message: msg,
	})
	if err != nil {
		return err
	}

	if err := w.ks.TimedUnlock(acct, approval.Passphrase, w.cfg.UnlockDuration); err != nil {
		if errors.Is(err, keystore.ErrDecrypt) {
			return fmt.Errorf("unlock %s: %w", acct.Address.Hex(), lottery.ErrUserRejected)
		}
		return fmt.Errorf("unlock %s: %w", acct.Address.Hex(), err)
	}

	w.logger.Info("account unlocked", "account", acct.Address.Hex(), "kind", kind)
	return nil
}

func (w *KeystoreWallet) watch() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case err, ok := <-w.sub.Err():
			if ok && err != nil {
				w.logger.Warn("keystore subscription ended", "error", err)
			}
			return
		case ev := <-w.events:
			if ev.Kind != accounts.WalletDropped {
				continue
			}
			w.handleDropped(ev.Wallet)
		}
	}
}

func (w *KeystoreWallet) handleDropped(dropped accounts.Wallet) {
	w.mu.Lock()
	active := w.account.Address
	if !dropped.Contains(accounts.Account{Address: active}) {
		w.mu.Unlock()
		return
	}

	var next accounts.Account
	for _, acct := range w.ks.Accounts() {
		if acct.Address != active {
			next = acct
			break
		}
	}
	w.account = next
	w.mu.Unlock()

	w.logger.Warn("active account removed from keystore",
		"account", active.Hex(),
		"next", next.Address.Hex(),
	)
	w.notify(next.Address)
}

func (w *KeystoreWallet) notify(addr common.Address) {
	select {
	case w.changes <- addr:
	default:
		w.logger.Warn("account change dropped, listener is behind", "account", addr.Hex())
	}
}

var _ Wallet = (*KeystoreWallet)(nil)
