package wallet

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// staticPrompter answers every prompt with the same passphrase and counts calls.
type staticPrompter struct {
	passphrase string
	decline    bool
	calls      []Request
}

func (p *staticPrompter) Prompt(ctx context.Context, req Request) (Approval, error) {
	p.calls = append(p.calls, req)
	if p.decline {
		return Approval{}, lottery.ErrUserRejected
	}
	return Approval{Passphrase: p.passphrase}, nil
}

func newTestKeystore(t *testing.T, n int) (*keystore.KeyStore, []common.Address) {
	t.Helper()
	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	var addrs []common.Address
	for i := 0; i < n; i++ {
		acct, err := ks.NewAccount("secret")
		require.NoError(t, err)
		addrs = append(addrs, acct.Address)
	}
	return ks, addrs
}

func TestKeystoreWallet_RequestAccounts(t *testing.T) {
	ks, addrs := newTestKeystore(t, 1)
	p := &staticPrompter{passphrase: "secret"}

	w, err := NewKeystoreWallet(ks, KeystoreConfig{Prompter: p, Logger: slogt.New(t)})
	require.NoError(t, err)
	defer w.Close()

	got, err := w.RequestAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, addrs[0], got[0])
	require.Len(t, p.calls, 1)
	require.Equal(t, PromptConnect, p.calls[0].Kind)
}

func TestKeystoreWallet_WrongPassphraseIsRejection(t *testing.T) {
	ks, _ := newTestKeystore(t, 1)
	w, err := NewKeystoreWallet(ks, KeystoreConfig{Prompter: &staticPrompter{passphrase: "nope"}, Logger: slogt.New(t)})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.RequestAccounts(context.Background())
	require.ErrorIs(t, err, lottery.ErrUserRejected)
}

func TestKeystoreWallet_DeclinedPrompt(t *testing.T) {
	ks, _ := newTestKeystore(t, 1)
	w, err := NewKeystoreWallet(ks, KeystoreConfig{Prompter: &staticPrompter{decline: true}, Logger: slogt.New(t)})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.RequestAccounts(context.Background())
	require.ErrorIs(t, err, lottery.ErrUserRejected)
}

func TestKeystoreWallet_SelectAccountNotifies(t *testing.T) {
	ks, addrs := newTestKeystore(t, 2)
	w, err := NewKeystoreWallet(ks, KeystoreConfig{
		Account:  addrs[0].Hex(),
		Prompter: &staticPrompter{passphrase: "secret"},
		Logger:   slogt.New(t),
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SelectAccount(addrs[1]))

	select {
	case got := <-w.AccountsChanged():
		require.Equal(t, addrs[1], got)
	case <-time.After(time.Second):
		t.Fatal("no account change delivered")
	}

	// Selecting the same account again is not a change.
	require.NoError(t, w.SelectAccount(addrs[1]))
	select {
	case got := <-w.AccountsChanged():
		t.Fatalf("unexpected change to %s", got.Hex())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeystoreWallet_TransactorPromptsWhenLocked(t *testing.T) {
	ks, addrs := newTestKeystore(t, 1)
	p := &staticPrompter{passphrase: "secret"}
	w, err := NewKeystoreWallet(ks, KeystoreConfig{Prompter: p, Logger: slogt.New(t)})
	require.NoError(t, err)
	defer w.Close()

	opts, err := w.Transactor(context.Background(), addrs[0], big.NewInt(31337))
	require.NoError(t, err)
	require.Equal(t, addrs[0], opts.From)
	require.Len(t, p.calls, 1)
	require.Equal(t, PromptSign, p.calls[0].Kind)

	// Already unlocked: no second prompt.
	_, err = w.Transactor(context.Background(), addrs[0], big.NewInt(31337))
	require.NoError(t, err)
	require.Len(t, p.calls, 1)
}

func TestKeyWallet(t *testing.T) {
	const key = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	w, err := NewKeyWallet("0x" + key)
	require.NoError(t, err)

	accts, err := w.RequestAccounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Address{w.Address()}, accts)
	require.Nil(t, w.AccountsChanged())

	opts, err := w.Transactor(context.Background(), w.Address(), big.NewInt(80001))
	require.NoError(t, err)
	require.Equal(t, w.Address(), opts.From)

	_, err = w.Transactor(context.Background(), common.HexToAddress("0x01"), big.NewInt(80001))
	require.Error(t, err)
}

func TestNewKeyWallet_Invalid(t *testing.T) {
	_, err := NewKeyWallet("zz")
	require.Error(t, err)
}
