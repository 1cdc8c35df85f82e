package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	tickets "github.com/i5heu/ouroboros-tickets"
	"github.com/i5heu/ouroboros-tickets/pkg/lifecycle"
)

var mintBatchCmd = &cobra.Command{
	Use:   "mint-batch",
	Short: "Mint every ticket listed in a manifest",
	Example: `  # manifest.yaml
  tickets:
    - image: seat-1.png
      to: 0xAbC...
      eventIndex: 2
    - image: seat-2.png
      eventIndex: 2

  ticketctl mint-batch --manifest manifest.yaml`,
	Args: cobra.NoArgs,
	RunE: mintBatchCmdRun,
}

type mintBatchFlags struct {
	manifestPath string
}

var mintBatchArgs mintBatchFlags

func init() {
	mintBatchCmd.Flags().StringVarP(&mintBatchArgs.manifestPath, "manifest", "m", "",
		"YAML manifest listing the tickets to mint (required)")
	addStagingFlags(mintBatchCmd.Flags())
	_ = mintBatchCmd.MarkFlagRequired("manifest")

	rootCmd.AddCommand(mintBatchCmd)
}

// manifest lists tickets to mint. Image paths are relative to the manifest.
type manifest struct {
	Tickets []manifestEntry `yaml:"tickets"`
}

type manifestEntry struct {
	Image string `yaml:"image"`
	// To defaults to the owner key address.
	To         string `yaml:"to"`
	EventIndex uint32 `yaml:"eventIndex"`
}

func readManifest(path string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Tickets) == 0 {
		return m, fmt.Errorf("manifest %s lists no tickets", path)
	}
	for i, e := range m.Tickets {
		if e.Image == "" {
			return m, fmt.Errorf("manifest entry %d has no image", i)
		}
		if e.To != "" && !common.IsHexAddress(e.To) {
			return m, fmt.Errorf("manifest entry %d: invalid address %q", i, e.To)
		}
	}
	return m, nil
}

// requests reads and stages the images and resolves recipients.
func (m manifest) requests(dir string, fallback *common.Address, raw bool) ([]lifecycle.MintRequest, error) {
	reqs := make([]lifecycle.MintRequest, 0, len(m.Tickets))
	for i, e := range m.Tickets {
		path := e.Image
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		image, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}

		var to common.Address
		switch {
		case e.To != "":
			to = common.HexToAddress(e.To)
		case fallback != nil:
			to = *fallback
		default:
			return nil, fmt.Errorf("manifest entry %d has no recipient and %s is not set", i, tickets.RoleOwner.EnvVar())
		}
		reqs = append(reqs, lifecycle.MintRequest{Plaintext: stageImage(image, raw), Recipient: to, EventIndex: e.EventIndex})
	}
	return reqs, nil
}

func mintBatchCmdRun(cmd *cobra.Command, args []string) error {
	m, err := readManifest(mintBatchArgs.manifestPath)
	if err != nil {
		return err
	}

	roles := []tickets.Role{tickets.RoleProtocol, tickets.RoleDeployer}
	return withVault(cmd, roles, func(ctx context.Context, v *tickets.Vault) error {
		var fallback *common.Address
		if v.OwnerKey() != nil {
			fallback = &v.OwnerKey().Address
		}
		reqs, err := m.requests(filepath.Dir(mintBatchArgs.manifestPath), fallback, stagingArgs.raw)
		if err != nil {
			return err
		}

		outcomes, err := v.MintBatch(ctx, reqs)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		failed := 0
		for _, o := range outcomes {
			entry := m.Tickets[o.Index]
			if o.Err != nil {
				failed++
				fmt.Fprintf(out, "✗ %s: %v\n", entry.Image, o.Err)
				continue
			}
			fmt.Fprintf(out, "✔ %s: ticket %d, %s\n", entry.Image, o.Result.TokenID, o.Result.PreReleaseContentID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d mints failed", failed, len(outcomes))
		}
		return nil
	})
}
