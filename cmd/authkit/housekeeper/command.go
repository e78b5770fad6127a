package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/stafflow/authkit/internal/business"
	"github.com/stafflow/authkit/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"Authkit housekeeping job",
		"Authkit housekeeping job sweeps expired sessions, stale refresh tokens and aged oauth states.",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
