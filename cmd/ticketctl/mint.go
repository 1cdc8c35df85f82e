package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	tickets "github.com/i5heu/ouroboros-tickets"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
)

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Encrypt a ticket image for the protocol key and mint a ticket",
	Example: `  # Mint a ticket for the owner key from the environment
  ticketctl mint --image ./qr.png --event-index 2

  # Mint for an explicit recipient
  ticketctl mint --image ./qr.png --to 0xAbC... --event-index 2`,
	Args: cobra.NoArgs,
	RunE: mintCmdRun,
}

type mintFlags struct {
	imagePath  string
	to         string
	eventIndex uint32
}

var mintArgs mintFlags

func init() {
	mintCmd.Flags().StringVarP(&mintArgs.imagePath, "image", "i", "",
		"file holding the ticket content (required)")
	mintCmd.Flags().StringVar(&mintArgs.to, "to", "",
		"recipient address; defaults to the address of PRIVATE_KEY_OF_NFT_OWNER")
	mintCmd.Flags().Uint32Var(&mintArgs.eventIndex, "event-index", 0,
		"event the ticket belongs to")
	addStagingFlags(mintCmd.Flags())
	_ = mintCmd.MarkFlagRequired("image")

	rootCmd.AddCommand(mintCmd)
}

// recipient resolves to, falling back to the vault's owner key.
func recipient(to string, v *tickets.Vault) (common.Address, error) {
	if to != "" {
		if !common.IsHexAddress(to) {
			return common.Address{}, fmt.Errorf("invalid recipient address %q", to)
		}
		return common.HexToAddress(to), nil
	}
	if v.OwnerKey() == nil {
		return common.Address{}, fmt.Errorf("--to is required without %s", tickets.RoleOwner.EnvVar())
	}
	return v.OwnerKey().Address, nil
}

func mintCmdRun(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(mintArgs.imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	roles := []tickets.Role{tickets.RoleProtocol, tickets.RoleDeployer}
	return withVault(cmd, roles, func(ctx context.Context, v *tickets.Vault) error {
		to, err := recipient(mintArgs.to, v)
		if err != nil {
			return err
		}
		res, err := v.Mint(ctx, stageImage(image, stagingArgs.raw), to, mintArgs.eventIndex)
		printMint(cmd, res, err)
		return err
	})
}

func printMint(cmd *cobra.Command, res lifecycle.MintResult, err error) {
	out := cmd.OutOrStdout()
	if res.PreReleaseContentID != "" {
		fmt.Fprintf(out, "pre-release:  %s\n", res.PreReleaseContentID)
	}
	if res.Receipt.TxHash != (common.Hash{}) {
		fmt.Fprintf(out, "tx:           %s\n", res.Receipt.TxHash.Hex())
	}
	switch {
	case err == nil:
		fmt.Fprintf(out, "✔ minted ticket %d\n", res.TokenID)
	case errors.Is(err, lifecycle.ErrPostMintIntegrityFailure):
		fmt.Fprintf(out, "ticket %d was minted but its content did not read back\n", res.TokenID)
	case errors.Is(err, ledger.ErrTransactionTimeout):
		fmt.Fprintln(out, "finality not observed; check the transaction before minting again")
	}
}
