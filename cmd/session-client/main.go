package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/openkcm/common-sdk/pkg/utils"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-client/cmd/session-client/auth"
	"github.com/openkcm/session-client/cmd/session-client/migrate"
	"github.com/openkcm/session-client/cmd/session-client/refresh"
	"github.com/openkcm/session-client/cmd/session-client/showconfig"
	tokenkeeper "github.com/openkcm/session-client/cmd/session-client/token-keeper"
	"github.com/openkcm/session-client/cmd/session-client/whoami"
)

var (
	// BuildInfo will be set by the build system
	BuildInfo = "{}"

	isLongRunning    bool
	gracefulShutdown time.Duration
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Session Client Version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		value, err := utils.ExtractFromComplexValue(BuildInfo)
		if err != nil {
			return err
		}

		slog.InfoContext(cmd.Context(), value)

		return nil
	},
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-client",
		Short: "Session Client",
		Long:  "PocketBase session client with coordinated access token refresh.",
	}

	cmd.PersistentFlags().DurationVar(&gracefulShutdown, "graceful-shutdown", 1*time.Second, "graceful shutdown")

	keeper := tokenkeeper.Cmd(BuildInfo)
	keeper.PreRun = func(*cobra.Command, []string) { isLongRunning = true }

	cmd.AddCommand(
		versionCmd,
		auth.LoginCmd(BuildInfo),
		auth.SignupCmd(BuildInfo),
		auth.LogoutCmd(BuildInfo),
		whoami.Cmd(BuildInfo),
		refresh.Cmd(BuildInfo),
		showconfig.Cmd(BuildInfo),
		keeper,
		migrate.Cmd(BuildInfo),
	)

	return cmd
}

func execute() error {
	ctx, cancelOnSignal := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancelOnSignal()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slogctx.Error(ctx, "failed to run the command", "error", err)
		_, _ = fmt.Fprintln(os.Stderr, err)

		return err
	}

	// Only the keeper holds connections worth draining.
	if isLongRunning {
		_, _ = fmt.Fprintf(os.Stderr, "Graceful shutdown in %s\n", gracefulShutdown)
		time.Sleep(gracefulShutdown)
	}

	return nil
}

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}
