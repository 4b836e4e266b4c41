package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/marko911/lottery-pulse/internal/gateway"
	"github.com/marko911/lottery-pulse/internal/wallet"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the game view and session to pages over HTTP and WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := root.cfg, root.logger
			if listen != "" {
				cfg.Gateway.ListenAddr = listen
			}
			// Round actions answer only after inclusion.
			if floor := cfg.Contract.InclusionTimeout + 30*time.Second; cfg.Gateway.WriteTimeout < floor {
				cfg.Gateway.WriteTimeout = floor
			}

			ctx, cancel := signalContext(logger)
			defer cancel()

			// Wallet prompts are answered by the page.
			broker := wallet.NewBroker()

			a, err := newApp(cfg, broker, logger)
			if err != nil {
				logger.Error("failed to initialize", "error", err)
				return err
			}
			defer a.Close()

			a.attachFanout(ctx)

			deps := gateway.Deps{
				Session: a.session,
				Views:   a.engine,
				Prompts: broker,
				Checks:  a.checks,
			}
			if sel, ok := a.wallet.(gateway.AccountSelector); ok {
				deps.Accounts = sel
			}

			server := gateway.NewServer(gateway.Config{
				ListenAddr:     cfg.Gateway.ListenAddr,
				AllowedOrigins: cfg.Gateway.AllowedOrigins,
				ReadTimeout:    cfg.Gateway.ReadTimeout,
				WriteTimeout:   cfg.Gateway.WriteTimeout,
			}, deps, logger)

			a.engine.AddSink(server.ViewSink())

			logger.Info("starting lotteryd",
				"chain_id", cfg.ChainID,
				"contract", cfg.Contract.Address,
				"addr", cfg.Gateway.ListenAddr,
			)
			if err := server.Run(ctx); err != nil {
				logger.Error("gateway stopped", "error", err)
				return err
			}
			logger.Info("lotteryd stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides gateway.listen_addr)")
	return cmd
}
