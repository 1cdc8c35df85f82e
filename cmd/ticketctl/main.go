package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "ticketctl",
	Short:         "Mint, redeem and reveal protected conditional tickets",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `ticketctl encrypts ticket content for the protocol key, stores it by content id
and mints a ticket that references it. Redeeming re-encrypts the content for the
ticket owner, who can then reveal it.

Private keys are read from the environment or a .env file:
  PRIVATE_KEY_OF_PROTOCOL, PRIVATE_KEY_DEPLOYER, PRIVATE_KEY_OF_NFT_OWNER`,
}

type rootFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
	noColor    bool
	logSource  bool
	timeout    time.Duration
}

const defaultTimeout = 5 * time.Minute

var rootArgs = rootFlags{timeout: defaultTimeout}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootArgs.configPath, "config", "c", "",
		"path to a YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&rootArgs.envFiles, "env-file", nil,
		"env files to read; defaults to ./.env when present")
	rootCmd.PersistentFlags().StringVar(&rootArgs.logLevel, "log-level", "info",
		"log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&rootArgs.noColor, "no-color", false,
		"disable colored log output")
	rootCmd.PersistentFlags().BoolVar(&rootArgs.logSource, "log-source", false,
		"annotate log lines with the source file and line")
	rootCmd.PersistentFlags().DurationVar(&rootArgs.timeout, "timeout", rootArgs.timeout,
		"upper bound for one command, including the finality wait")
}

func main() { // A
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		rootCmd.PrintErrf("✗ %v\n", err)
		os.Exit(1)
	}
}
