package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"escrowdash/internal/dashboard"
	"escrowdash/internal/escrow"
)

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "List the deals involving the configured wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		listing, err := listDeals(cmd)
		if err != nil {
			return err
		}
		return printJSON(listing)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the configured wallet's deals by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		listing, err := listDeals(cmd)
		if err != nil {
			return err
		}
		return printJSON(listing.Stats)
	},
}

func listDeals(cmd *cobra.Command) (dashboard.Listing, error) {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return dashboard.Listing{}, err
	}
	defer rt.close()

	if err := rt.connect(ctx); err != nil {
		return dashboard.Listing{}, err
	}
	return rt.app.ListDeals(ctx)
}

var dealCmd = &cobra.Command{
	Use:   "deal <id>",
	Short: "Show one deal and its event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("deal id %q: %w", args[0], err)
		}
		ctx := cmd.Context()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		view := rt.app.Deal(ctx, id)
		if view.Unavailable {
			return fmt.Errorf("deal %d: %w", id, escrow.ErrReadUnavailable)
		}
		return printJSON(view)
	},
}

var (
	actParams  dashboard.ActionParams
	actOutcome uint8
)

var actCmd = &cobra.Command{
	Use:   "act <id> <action>",
	Short: "Run a deal action and wait for it to confirm",
	Long: `Actions: activate, finalize-stable, finalize-nft, open-dispute, challenge-dispute,
resolve-dispute, cancel, expire.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("deal id %q: %w", args[0], err)
		}
		action, err := escrow.ParseAction(args[1])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.connect(ctx); err != nil {
			return err
		}
		actParams.Outcome = escrow.DisputeOutcome(actOutcome)
		rec, err := rt.app.ExecuteAndWait(ctx, id, action, actParams)
		if perr := printJSON(rec); perr != nil {
			return perr
		}
		return err
	},
}

func init() {
	actCmd.Flags().StringVar(&actParams.Metadata, "metadata", "", "NFT metadata for finalize-nft")
	actCmd.Flags().StringVar(&actParams.Reason, "reason", "", "reason for open-dispute and challenge-dispute")
	actCmd.Flags().Uint8Var(&actParams.Mode, "mode", 0, "resolution mode for resolve-dispute")
	actCmd.Flags().Uint8Var(&actOutcome, "outcome", 0, "1 sender wins, 2 recipient wins, 3 split")
	actCmd.Flags().Uint16Var(&actParams.RecipientBps, "recipient-bps", 0, "recipient share in basis points for resolve-dispute")
	actCmd.Flags().StringVar(&actParams.Note, "note", "", "resolution note for resolve-dispute")
}
