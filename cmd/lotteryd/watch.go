package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marko911/lottery-pulse/internal/ui"
	"github.com/marko911/lottery-pulse/internal/wallet"
)

func newWatchCommand(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and print the game view on every change",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := root.cfg, root.logger

			ctx, cancel := signalContext(logger)
			defer cancel()

			a, err := newApp(cfg, wallet.NewTerminalPrompter(os.Stdin, cmd.ErrOrStderr()), logger)
			if err != nil {
				logger.Error("failed to initialize", "error", err)
				return err
			}
			defer a.Close()
			a.attachFanout(ctx)

			updates, unsubscribe := a.engine.Updates()
			defer unsubscribe()

			if _, err := a.session.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case view := <-updates:
					aff := ui.Project(view, a.session.State())
					if err := printAffordances(out, aff, asJSON); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per view")
	return cmd
}

func printAffordances(w io.Writer, a ui.Affordances, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(a)
	}

	fmt.Fprintf(w, "[%s] round=%s players=%s", a.Phase, a.RoundID, a.PlayerCount)
	if a.CanJoin {
		fmt.Fprintf(w, " fee=%s ETH", a.JoinFeeEther)
	}
	if a.IndexLagging {
		fmt.Fprint(w, " (index catching up)")
	}
	fmt.Fprintln(w)
	for _, line := range a.EventLog {
		fmt.Fprintf(w, "  %s\n", line)
	}
	if a.Notice != "" {
		fmt.Fprintf(w, "  ! %s\n", a.Notice)
	}
	return nil
}
