package migrate

import (
	"github.com/spf13/cobra"

	"github.com/stafflow/authkit/internal/business"
	"github.com/stafflow/authkit/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Authkit migrations",
		"",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
