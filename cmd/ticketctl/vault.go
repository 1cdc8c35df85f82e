package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	tickets "github.com/i5heu/ouroboros-tickets"
	"github.com/i5heu/ouroboros-tickets/internal/config"
	"github.com/i5heu/ouroboros-tickets/pkg/ledger"
	"github.com/i5heu/ouroboros-tickets/pkg/logging"
)

const (
	logKeyCommand = "command"
	logKeyError   = "error"
)

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	return logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:     rootArgs.logLevel,
		NoColor:   rootArgs.noColor,
		AddSource: rootArgs.logSource,
	})
}

// loadConfig loads the configuration and checks that every role in roles
// has a key.
func loadConfig(cmd *cobra.Command, roles ...tickets.Role) (tickets.Config, error) {
	conf, err := config.Load(rootArgs.configPath, rootArgs.envFiles...)
	if err != nil {
		return conf, err
	}
	if conf.Logger, err = newLogger(cmd); err != nil {
		return conf, err
	}
	if err := conf.Validate(roles...); err != nil {
		return conf, err
	}
	return conf, nil
}

// withVault loads the configuration, starts a Vault, runs fn and closes the
// vault again. fn runs under the --timeout deadline.
func withVault(
	cmd *cobra.Command,
	roles []tickets.Role,
	fn func(ctx context.Context, v *tickets.Vault) error,
) error {
	conf, err := loadConfig(cmd, roles...)
	if err != nil {
		return err
	}
	return runVault(cmd, conf, fn)
}

func runVault(
	cmd *cobra.Command,
	conf tickets.Config,
	fn func(ctx context.Context, v *tickets.Vault) error,
) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rootArgs.timeout)
	defer cancel()

	v, err := tickets.New(conf)
	if err != nil {
		return err
	}
	if err := v.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := v.Close(closeCtx); err != nil {
			conf.Logger.Warn("close vault", logKeyCommand, cmd.Name(), logKeyError, err)
		}
	}()
	return fn(ctx, v)
}

func parseTokenID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token id %q", s)
	}
	return id, nil
}

func printRecord(cmd *cobra.Command, rec ledger.TicketRecord) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "token:        %d\n", rec.TokenID)
	fmt.Fprintf(out, "status:       %s\n", rec.Status)
	fmt.Fprintf(out, "owner:        %s\n", rec.Owner.Hex())
	fmt.Fprintf(out, "event index:  %d\n", rec.EventIndex)
	if rec.PreReleaseContentID != "" {
		fmt.Fprintf(out, "pre-release:  %s\n", rec.PreReleaseContentID)
	}
	if rec.PostReleaseContentID != "" {
		fmt.Fprintf(out, "post-release: %s\n", rec.PostReleaseContentID)
		fmt.Fprintf(out, "redeemer:     %s\n", rec.Redeemer.Hex())
	}
	if rec.Info.Description != "" {
		fmt.Fprintf(out, "description:  %s\n", rec.Info.Description)
	}
	if rec.Info.ExternalID != 0 || rec.Info.RoundID != 0 || rec.Info.Price != 0 {
		fmt.Fprintf(out, "external id:  %d\nround:        %d\nprice:        %d\n",
			rec.Info.ExternalID, rec.Info.RoundID, rec.Info.Price)
	}
}
