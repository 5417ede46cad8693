package tokenkeeper

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-client/internal/business"
	"github.com/openkcm/session-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"token-keeper",
		"Session Client token keeper",
		"Keeps the stored session alive by refreshing the access token before it expires",
		buildInfo,
		cmdutils.RunAsService,
		business.KeeperMain,
	)
}
