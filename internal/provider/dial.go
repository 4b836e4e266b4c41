package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/lottery-pulse/internal/config"
)

// EthDialer returns a Dialer that connects with ethclient, retrying on
// failure.
func EthDialer(cfg config.RPCConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpc-dialer")

	return func(ctx context.Context) (Backend, error) {
		logger.Info("connecting to RPC", "url", maskURL(cfg.URL))

		var lastErr error
		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			if attempt > 0 {
				logger.Debug("retrying connection", "attempt", attempt)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(cfg.RetryInterval):
				}
			}

			dialCtx := ctx
			var cancel context.CancelFunc = func() {}
			if cfg.Timeout > 0 {
				dialCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			}
			rpcClient, err := rpc.DialContext(dialCtx, cfg.URL)
			cancel()
			if err != nil {
				logger.Warn("connection failed", "error", err, "attempt", attempt)
				lastErr = err
				continue
			}

			return ethclient.NewClient(rpcClient), nil
		}

		return nil, fmt.Errorf("failed to connect after %d attempts: %w", cfg.MaxRetries, lastErr)
	}
}

// maskURL hides API keys embedded in RPC URLs for logging.
func maskURL(url string) string {
	if idx := strings.Index(url, "@"); idx > 0 {
		return url[:strings.Index(url, "://")+3] + "***@" + url[idx+1:]
	}
	if idx := strings.Index(url, "/v2/"); idx > 0 {
		return url[:idx+4] + "***"
	}
	return url
}
