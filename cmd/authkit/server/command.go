package server

import (
	"github.com/spf13/cobra"

	"github.com/stafflow/authkit/internal/business"
	"github.com/stafflow/authkit/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"server",
		"Authkit server",
		"Authkit server runs the authentication core for the employee management application.",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
