package showconfig

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
		"config",
		"Print the effective configuration",
		"",
		buildInfo,
		cmdutils.RunAsJob,
		func(ctx context.Context, cfg *config.Config) error {
			return business.ConfigMain(ctx, cfg, cmd.OutOrStdout())
		},
	)

	return cmd
}
