package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	tickets "github.com/i5heu/ouroboros-tickets"
	"github.com/i5heu/ouroboros-tickets/internal/config"
	"github.com/i5heu/ouroboros-tickets/pkg/keys"
)

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print the public key of a role key",
	Example: `  # Public key of the protocol key from the environment
  ticketctl pubkey

  # Public key of an explicit private key
  ticketctl pubkey --key 0x4c0883a6...`,
	Args: cobra.NoArgs,
	RunE: pubkeyCmdRun,
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of a role key",
	Args:  cobra.NoArgs,
	RunE:  addressCmdRun,
}

type keyFlags struct {
	role string
	key  string
}

var keyArgs = keyFlags{role: string(tickets.RoleProtocol)}

func init() {
	for _, cmd := range []*cobra.Command{pubkeyCmd, addressCmd} {
		addKeyFlags(cmd.Flags())
		rootCmd.AddCommand(cmd)
	}
}

func addKeyFlags(fs *pflag.FlagSet) {
	fs.StringVar(&keyArgs.role, "role", keyArgs.role,
		"role whose key to use: protocol, deployer or owner")
	fs.StringVar(&keyArgs.key, "key", "",
		"hex private key; overrides --role")
}

// roleKey resolves the key named by --key or --role.
func roleKey() (*keys.KeyPair, error) {
	if keyArgs.key != "" {
		return keys.FromHex(keyArgs.key)
	}

	role := tickets.Role(keyArgs.role)
	if role.EnvVar() == "" {
		return nil, fmt.Errorf("unknown role %q", keyArgs.role)
	}
	conf, err := config.Load(rootArgs.configPath, rootArgs.envFiles...)
	if err != nil {
		return nil, err
	}
	h := roleHex(conf, role)
	if h == "" {
		return nil, fmt.Errorf("%w: %s", tickets.ErrMissingKey, role.EnvVar())
	}
	return keys.FromHex(h)
}

func roleHex(conf tickets.Config, role tickets.Role) string {
	switch role {
	case tickets.RoleProtocol:
		return conf.Keys.Protocol
	case tickets.RoleDeployer:
		return conf.Keys.Deployer
	default:
		return conf.Keys.Owner
	}
}

func pubkeyCmdRun(cmd *cobra.Command, args []string) error {
	k, err := roleKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), keys.PublicKeyHex(k.Public))
	return nil
}

func addressCmdRun(cmd *cobra.Command, args []string) error {
	k, err := roleKey()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), k.Address.Hex())
	return nil
}
