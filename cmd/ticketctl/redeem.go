package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	tickets "github.com/i5heu/ouroboros-tickets"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
)

var redeemCmd = &cobra.Command{
	Use:   "redeem TOKEN_ID",
	Short: "Redeem a minted ticket and re-encrypt its content for the owner",
	Example: `  # The owner redeems with PRIVATE_KEY_OF_NFT_OWNER
  ticketctl redeem 7 --as owner

  # The protocol redeems on behalf of an owner identified by public key
  ticketctl redeem 7 --owner-pubkey 04a1b2...`,
	Args: cobra.ExactArgs(1),
	RunE: redeemCmdRun,
}

var revealCmd = &cobra.Command{
	Use:   "reveal TOKEN_ID",
	Short: "Decrypt the post-release content of a redeemed ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  revealCmdRun,
}

type redeemFlags struct {
	as          string
	ownerPubkey string
}

type revealFlags struct {
	output string
}

var (
	redeemArgs = redeemFlags{as: lifecycle.InitiatorProtocol.String()}
	revealArgs revealFlags
)

func init() {
	redeemCmd.Flags().StringVar(&redeemArgs.as, "as", redeemArgs.as,
		"who signs the redeem: protocol or owner")
	redeemCmd.Flags().StringVar(&redeemArgs.ownerPubkey, "owner-pubkey", "",
		"owner public key to encrypt for; defaults to the owner key from the environment")

	revealCmd.Flags().StringVarP(&revealArgs.output, "output", "o", "",
		"file to write the content to (required)")
	addStagingFlags(revealCmd.Flags())
	_ = revealCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(redeemCmd, revealCmd)
}

func redeemCmdRun(cmd *cobra.Command, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}

	req := lifecycle.RedeemRequest{TokenID: tokenID}
	roles := []tickets.Role{tickets.RoleProtocol}
	switch redeemArgs.as {
	case lifecycle.InitiatorProtocol.String():
		req.Initiator = lifecycle.InitiatorProtocol
	case lifecycle.InitiatorOwner.String():
		req.Initiator = lifecycle.InitiatorOwner
		roles = append(roles, tickets.RoleOwner)
	default:
		return fmt.Errorf("--as must be protocol or owner, got %q", redeemArgs.as)
	}
	if redeemArgs.ownerPubkey != "" {
		if req.OwnerPublicKey, err = keys.ParsePublicKey(redeemArgs.ownerPubkey); err != nil {
			return err
		}
	}

	return withVault(cmd, roles, func(ctx context.Context, v *tickets.Vault) error {
		res, err := v.Redeem(ctx, req)
		printRedeem(cmd, res, err)
		return err
	})
}

func printRedeem(cmd *cobra.Command, res lifecycle.RedeemResult, err error) {
	out := cmd.OutOrStdout()
	if res.PostReleaseContentID != "" {
		fmt.Fprintf(out, "post-release: %s\n", res.PostReleaseContentID)
	}
	if res.Receipt.TxHash != (common.Hash{}) {
		fmt.Fprintf(out, "tx:           %s\n", res.Receipt.TxHash.Hex())
	}
	switch {
	case err == nil && res.Verified:
		fmt.Fprintf(out, "✔ redeemed ticket %d, content verified\n", res.TokenID)
	case err == nil:
		fmt.Fprintf(out, "✔ redeemed ticket %d\n", res.TokenID)
	case errors.Is(err, lifecycle.ErrPostMintIntegrityFailure):
		fmt.Fprintf(out, "ticket %d was redeemed but its content did not read back\n", res.TokenID)
	case errors.Is(err, ledger.ErrTransactionTimeout):
		fmt.Fprintf(out, "finality not observed; run ticketctl reconcile %d\n", res.TokenID)
	}
}

func revealCmdRun(cmd *cobra.Command, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}

	roles := []tickets.Role{tickets.RoleProtocol, tickets.RoleOwner}
	return withVault(cmd, roles, func(ctx context.Context, v *tickets.Vault) error {
		content, err := v.Reveal(ctx, tokenID, nil)
		if err != nil {
			return err
		}
		image, err := unstageImage(content, stagingArgs.raw)
		if err != nil {
			return err
		}
		if err := os.WriteFile(revealArgs.output, image, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", revealArgs.output, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✔ content of ticket %d written to %s\n", tokenID, revealArgs.output)
		return nil
	})
}
