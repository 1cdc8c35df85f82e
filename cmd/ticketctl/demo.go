package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	tickets "github.com/i5heu/ouroboros-tickets"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run mint, redeem and reveal against an in-process ledger and store",
	Long: `demo generates fresh protocol, deployer and owner keys, then mints a ticket,
redeems it as the owner and reveals its content. It also shows that a second
redeem and a reveal by a stranger are refused. Nothing leaves the process.`,
	Args: cobra.NoArgs,
	RunE: demoCmdRun,
}

type demoFlags struct {
	content    string
	eventIndex uint32
	dataPath   string
}

var demoArgs = demoFlags{content: "QR-7", eventIndex: 2}

func init() {
	demoCmd.Flags().StringVar(&demoArgs.content, "content", demoArgs.content,
		"ticket content to protect")
	demoCmd.Flags().Uint32Var(&demoArgs.eventIndex, "event-index", demoArgs.eventIndex,
		"event the ticket belongs to")
	demoCmd.Flags().StringVar(&demoArgs.dataPath, "data-path", "",
		"badger directory for the local store; empty keeps it in memory")

	rootCmd.AddCommand(demoCmd)
}

func privateHex(k *keys.KeyPair) string {
	return hex.EncodeToString(k.PrivateKey().Serialize())
}

func demoCmdRun(cmd *cobra.Command, args []string) error {
	var roles [4]*keys.KeyPair
	for i := range roles {
		k, err := keys.Generate()
		if err != nil {
			return err
		}
		roles[i] = k
	}
	protocol, deployer, owner, stranger := roles[0], roles[1], roles[2], roles[3]

	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	conf := tickets.DefaultConfig()
	conf.Store.Backend = tickets.StoreLocal
	conf.Store.Local.Path = demoArgs.dataPath
	conf.Ledger.Backend = tickets.LedgerSim
	conf.Keys = tickets.KeyConfig{
		Protocol: privateHex(protocol),
		Deployer: privateHex(deployer),
		Owner:    privateHex(owner),
	}
	conf.Logger = logger

	out := cmd.OutOrStdout()
	return runVault(cmd, conf, func(ctx context.Context, v *tickets.Vault) error {
		fmt.Fprintf(out, "protocol %s\ndeployer %s\nowner    %s\n\n", protocol.Address.Hex(), deployer.Address.Hex(), owner.Address.Hex())

		minted, err := v.Mint(ctx, []byte(demoArgs.content), owner.Address, demoArgs.eventIndex)
		printMint(cmd, minted, err)
		if err != nil {
			return err
		}
		rec, err := v.Ticket(ctx, minted.TokenID)
		if err != nil {
			return err
		}
		printRecord(cmd, rec)
		fmt.Fprintln(out)

		redeemed, err := v.Redeem(ctx, lifecycle.RedeemRequest{
			TokenID:   minted.TokenID,
			Initiator: lifecycle.InitiatorOwner,
		})
		printRedeem(cmd, redeemed, err)
		if err != nil {
			return err
		}

		content, err := v.Reveal(ctx, minted.TokenID, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✔ revealed %q\n\n", content)

		_, err = v.Redeem(ctx, lifecycle.RedeemRequest{TokenID: minted.TokenID})
		if !errors.Is(err, lifecycle.ErrInvalidState) {
			return fmt.Errorf("second redeem: want invalid state, got %v", err)
		}
		fmt.Fprintf(out, "✔ second redeem refused: %v\n", err)

		_, err = v.Reveal(ctx, minted.TokenID, stranger)
		if !errors.Is(err, lifecycle.ErrAuthorizationMismatch) {
			return fmt.Errorf("stranger reveal: want authorization mismatch, got %v", err)
		}
		fmt.Fprintf(out, "✔ stranger reveal refused: %v\n", err)

		rec, err = v.Reconcile(ctx, minted.TokenID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		printRecord(cmd, rec)
		return nil
	})
}
