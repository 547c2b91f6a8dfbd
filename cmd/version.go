package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/panic80/G7GovAI-sub001/internal/build"
)

// NewVersionCommand returns the command to get the g7gov version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the g7gov version",
		Long:  "Return the g7gov version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "g7gov version %s date %s commit id %s\n", build.Version, build.Date, build.Commit)
	return err
}
