package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/lottery-pulse/internal/chain"
	"github.com/marko911/lottery-pulse/internal/config"
	"github.com/marko911/lottery-pulse/internal/gateway"
	"github.com/marko911/lottery-pulse/internal/index"
	"github.com/marko911/lottery-pulse/internal/platform/kafka"
	pnats "github.com/marko911/lottery-pulse/internal/platform/nats"
	"github.com/marko911/lottery-pulse/internal/provider"
	"github.com/marko911/lottery-pulse/internal/reconcile"
	"github.com/marko911/lottery-pulse/internal/session"
	"github.com/marko911/lottery-pulse/internal/wallet"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

// app is the wired component graph shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	wallet  wallet.Wallet
	engine  *reconcile.Engine
	session *session.Manager

	// checks are health checks for the optional fan-out components.
	checks  []gateway.Check
	closers []func()
}

// newApp wires wallet, provider, index, engine and session. prompter answers
// keystore unlock prompts; it is unused by the private-key wallet.
func newApp(cfg *config.Config, prompter wallet.Prompter, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	w, err := openWallet(cfg.Wallet, prompter, logger)
	if err != nil {
		return nil, err
	}
	a.wallet = w
	a.onClose(func() {
		if err := w.Close(); err != nil {
			logger.Warn("wallet close failed", "error", err)
		}
	})

	chainCfg, err := chain.ConfigFrom(cfg.Contract)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load contract ABI: %w", err)
	}

	a.engine = reconcile.New(reconcile.Config{
		PollInterval: cfg.Poll.Interval,
		ReadTimeout:  cfg.Poll.ReadTimeout,
	}, a.openIndex(chainCfg.Address), logger)

	adapter := provider.NewAdapter(cfg.ChainID, provider.EthDialer(cfg.RPC, logger), w, logger)

	binder := func(conn session.Conn) (session.Binding, error) {
		reader, err := chain.NewReader(chainCfg, conn.Read(), logger)
		if err != nil {
			return session.Binding{}, err
		}
		return session.Binding{Contract: reader, Poller: a.engine.Bind(reader)}, nil
	}
	a.session = session.NewManager(session.FromAdapter(adapter), binder, logger)
	a.onClose(a.session.Disconnect)

	return a, nil
}

func openWallet(cfg config.WalletConfig, prompter wallet.Prompter, logger *slog.Logger) (wallet.Wallet, error) {
	switch {
	case cfg.KeystoreDir != "":
		ks := keystore.NewKeyStore(cfg.KeystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
		w, err := wallet.NewKeystoreWallet(ks, wallet.KeystoreConfig{
			Account:        cfg.Account,
			UnlockDuration: cfg.UnlockDuration,
			Prompter:       prompter,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open keystore %s: %w", cfg.KeystoreDir, err)
		}
		logger.Info("using keystore wallet", "dir", cfg.KeystoreDir)
		return w, nil
	case cfg.PrivateKey != "":
		w, err := wallet.NewKeyWallet(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		logger.Info("using private key wallet", "account", w.Address().Hex())
		return w, nil
	default:
		return nil, errors.New("no wallet configured")
	}
}

// openIndex returns the subgraph client, fronted by the Redis cache when one
// is configured and reachable.
func (a *app) openIndex(contract common.Address) index.Reader {
	client := index.NewClient(index.Config{
		URL:     a.cfg.Index.URL,
		Timeout: a.cfg.Index.Timeout,
	}, a.logger)

	cc := a.cfg.Index.Cache
	if cc.RedisAddr == "" {
		return client
	}

	cached, err := index.NewCachedReader(client, index.CacheConfig{
		Addr:      cc.RedisAddr,
		Password:  cc.RedisPassword,
		DB:        cc.RedisDB,
		KeyPrefix: cc.KeyPrefix,
		Contract:  contract,
		TTL:       cc.TTL,
	}, a.logger)
	if err != nil {
		a.logger.Warn("index cache unavailable, querying the subgraph directly", "redis_addr", cc.RedisAddr, "error", err)
		return client
	}
	a.logger.Info("index cache enabled", "redis_addr", cc.RedisAddr, "ttl", cc.TTL)
	a.onClose(func() {
		if err := cached.Close(); err != nil {
			a.logger.Warn("index cache close failed", "error", err)
		}
	})
	return cached
}

// attachFanout registers the NATS and Kafka sinks that are configured. A sink
// that cannot connect is skipped; the daemon runs without it.
func (a *app) attachFanout(ctx context.Context) {
	f := a.cfg.Fanout

	if f.NATSURL != "" {
		natsCfg := pnats.DefaultConfig()
		natsCfg.URL = f.NATSURL
		client, err := pnats.Connect(ctx, natsCfg, a.logger)
		if err != nil {
			a.logger.Warn("NATS initialization failed, continuing without view fanout", "error", err)
		} else {
			pub, err := pnats.NewViewPublisher(ctx, client, f.NATSSubject, f.NATSStream, a.logger)
			if err != nil {
				client.Close()
				a.logger.Warn("NATS publisher setup failed, continuing without view fanout", "error", err)
			} else {
				a.engine.AddSink(pub)
				a.checks = append(a.checks, gateway.Check{Name: "nats", OK: client.IsConnected})
				a.onClose(func() { client.Close() })
				a.logger.Info("NATS view fanout enabled", "subject", f.NATSSubject, "stream", f.NATSStream)
			}
		}
	}

	if len(f.KafkaBrokers) > 0 {
		producer, err := kafka.NewTransitionProducer(ctx, kafka.ProducerConfig{
			Brokers:  f.KafkaBrokers,
			Topic:    f.KafkaTopic,
			Contract: common.HexToAddress(a.cfg.Contract.Address),
			ChainID:  a.cfg.ChainID,
		}, a.logger)
		if err != nil {
			a.logger.Warn("Kafka initialization failed, continuing without transition log", "error", err)
		} else {
			a.engine.AddSink(producer)
			a.onClose(producer.Close)
			a.logger.Info("Kafka transition log enabled", "topic", f.KafkaTopic)
		}
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// connectAndObserve connects the session and waits for the first installed
// view. The session's poller runs one cycle immediately on connect.
func (a *app) connectAndObserve(ctx context.Context) (session.State, error) {
	updates, unsubscribe := a.engine.Updates()
	defer unsubscribe()

	st, err := a.session.Connect(ctx)
	if err != nil {
		return st, err
	}

	wait := 3 * a.cfg.Poll.Interval
	select {
	case <-updates:
		return a.session.State(), nil
	case <-time.After(wait):
		return st, fmt.Errorf("no view reconciled within %s: %w", wait, lottery.ErrReadFailure)
	case <-ctx.Done():
		return st, ctx.Err()
	}
}

// feeOrView returns the explicit fee when set, else the fee of the round in
// view.
func feeOrView(explicit *big.Int, viewFee *big.Int) *big.Int {
	if explicit != nil {
		return explicit
	}
	if viewFee == nil {
		return new(big.Int)
	}
	return viewFee
}
