package main

import (
	"context"

	"github.com/spf13/cobra"

	tickets "github.com/i5heu/ouroboros-tickets"
)

var statusCmd = &cobra.Command{
	Use:   "status TOKEN_ID",
	Short: "Print the ledger record of a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  statusCmdRun,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile TOKEN_ID",
	Short: "Re-read a ticket after a mint or redeem timed out",
	Long: `A mint or redeem whose finality wait timed out may still have committed.
reconcile reads the ticket as the ledger sees it now.`,
	Args: cobra.ExactArgs(1),
	RunE: reconcileCmdRun,
}

func init() {
	rootCmd.AddCommand(statusCmd, reconcileCmd)
}

func statusCmdRun(cmd *cobra.Command, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	roles := []tickets.Role{tickets.RoleProtocol}
	return withVault(cmd, roles, func(ctx context.Context, v *tickets.Vault) error {
		rec, err := v.Ticket(ctx, tokenID)
		if err != nil {
			return err
		}
		printRecord(cmd, rec)
		return nil
	})
}

func reconcileCmdRun(cmd *cobra.Command, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	roles := []tickets.Role{tickets.RoleProtocol}
	return withVault(cmd, roles, func(ctx context.Context, v *tickets.Vault) error {
		rec, err := v.Reconcile(ctx, tokenID)
		if err != nil {
			return err
		}
		printRecord(cmd, rec)
		return nil
	})
}
