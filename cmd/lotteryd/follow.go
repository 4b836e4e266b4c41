package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/marko911/lottery-pulse/internal/delivery/consumer"
	"github.com/marko911/lottery-pulse/internal/gateway"
	pnats "github.com/marko911/lottery-pulse/internal/platform/nats"
	"github.com/marko911/lottery-pulse/internal/session"
	"github.com/marko911/lottery-pulse/internal/ui"
	"github.com/marko911/lottery-pulse/pkg/lottery"
)

func newFollowCommand(root *rootOptions) *cobra.Command {
	var (
		asJSON     bool
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print views published by another lotteryd over NATS JetStream",
		Long: "follow needs no wallet and no RPC endpoint. It reads the last-value view\n" +
			"stream that a serving lotteryd publishes when fanout.nats_stream is set.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.load(false)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := root.cfg, root.logger
			f := cfg.Fanout
			if f.NATSURL == "" || f.NATSStream == "" {
				return errors.New("follow requires fanout.nats_url and fanout.nats_stream")
			}

			ctx, cancel := signalContext(logger)
			defer cancel()

			natsCfg := pnats.DefaultConfig()
			natsCfg.URL = f.NATSURL
			natsCfg.Name = "lotteryd-follow"
			client, err := pnats.Connect(ctx, natsCfg, logger)
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			handler := func(ctx context.Context, view lottery.GameView) error {
				return printAffordances(out, ui.Project(view, session.State{}), asJSON)
			}

			follower, err := consumer.NewViewFollower(ctx, client, consumer.DefaultFollowerConfig(f.NATSStream, f.NATSSubject), handler, logger)
			if err != nil {
				return err
			}

			if healthAddr != "" {
				health := gateway.HealthHandler(
					gateway.Check{Name: "nats", OK: client.IsConnected},
					gateway.Check{Name: "follower", OK: follower.IsRunning},
				)
				srv := &http.Server{
					Addr:        healthAddr,
					Handler:     health,
					ReadTimeout: 5 * time.Second,
				}
				go func() {
					logger.Info("health endpoint listening", "addr", healthAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health endpoint failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			return follower.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per view")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /healthz style status on this address")
	return cmd
}
