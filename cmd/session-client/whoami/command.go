package whoami

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openkcm/session-client/internal/business"
	"github.com/openkcm/session-client/internal/cmdutils"
	"github.com/openkcm/session-client/internal/config"
)

func Cmd(buildInfo string) *cobra.Command {
	var cmd *cobra.Command
	cmd = cmdutils.CobraCommand(
		"whoami",
		"Show the signed-in user",
		"Fetches the current user record, refreshing the token when needed, and prints the profile as YAML.",
		buildInfo,
		cmdutils.RunAsJob,
		func(ctx context.Context, cfg *config.Config) error {
			return business.WhoamiMain(ctx, cfg, cmd.OutOrStdout())
		},
	)

	return cmd
}
