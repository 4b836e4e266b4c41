package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/marko911/lottery-pulse/internal/ui"
	"github.com/marko911/lottery-pulse/internal/wallet"
)

func newStartRoundCommand(root *rootOptions) *cobra.Command {
	var (
		maxPlayers uint64
		fee        string
	)

	cmd := &cobra.Command{
		Use:   "start-round",
		Short: "Start a new round (contract controller only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxPlayers == 0 {
				return errors.New("--max-players must be positive")
			}
			entryFee, err := ui.ParseEther(fee)
			if err != nil {
				return fmt.Errorf("--fee: %w", err)
			}

			return withConnectedApp(root, cmd, func(ctx context.Context, a *app) error {
				aff := ui.Project(a.engine.View(), a.session.State())
				if !aff.CanStartRound {
					if !a.session.State().IsPrivileged {
						return errors.New("connected account is not the contract controller")
					}
					return errors.New("a round is already in progress")
				}

				receipt, err := a.session.StartRound(ctx, maxPlayers, entryFee)
				if err != nil {
					return err
				}
				return printReceipt(cmd.OutOrStdout(), receipt)
			})
		},
	}

	cmd.Flags().Uint64Var(&maxPlayers, "max-players", 0, "Maximum number of players in the round")
	cmd.Flags().StringVar(&fee, "fee", "", "Entry fee in ether, e.g. 0.01")
	cmd.MarkFlagRequired("max-players")
	cmd.MarkFlagRequired("fee")
	return cmd
}

func newJoinCommand(root *rootOptions) *cobra.Command {
	var fee string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the open round, paying its entry fee",
		RunE: func(cmd *cobra.Command, args []string) error {
			var explicit *big.Int
			if fee != "" {
				v, err := ui.ParseEther(fee)
				if err != nil {
					return fmt.Errorf("--fee: %w", err)
				}
				explicit = v
			}

			return withConnectedApp(root, cmd, func(ctx context.Context, a *app) error {
				view := a.engine.View()
				if aff := ui.Project(view, a.session.State()); !aff.CanJoin {
					return fmt.Errorf("no round is open for joining (phase %s)", view.Phase)
				}

				receipt, err := a.session.JoinRound(ctx, feeOrView(explicit, view.EntryFee))
				if err != nil {
					return err
				}
				return printReceipt(cmd.OutOrStdout(), receipt)
			})
		},
	}

	cmd.Flags().StringVar(&fee, "fee", "", "Entry fee in ether (defaults to the round's fee)")
	return cmd
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect, run one reconciliation cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConnectedApp(root, cmd, func(ctx context.Context, a *app) error {
				return printAffordances(cmd.OutOrStdout(), ui.Project(a.engine.View(), a.session.State()), true)
			})
		},
	}
}

// withConnectedApp wires the app with a terminal prompter, connects, waits
// for the first view and runs fn.
func withConnectedApp(root *rootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger := root.cfg, root.logger

	ctx, cancel := signalContext(logger)
	defer cancel()

	a, err := newApp(cfg, wallet.NewTerminalPrompter(os.Stdin, cmd.ErrOrStderr()), logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer a.Close()

	if _, err := a.connectAndObserve(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return fn(ctx, a)
}

func printReceipt(w io.Writer, receipt *types.Receipt) error {
	out := map[string]any{
		"tx_hash":  receipt.TxHash.Hex(),
		"status":   receipt.Status,
		"gas_used": receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out["block_number"] = receipt.BlockNumber.String()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
