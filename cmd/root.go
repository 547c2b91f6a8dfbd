// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with G7GOV, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("G7GOV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/g7gov", "$HOME/.g7gov", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "g7gov",
		Short: "A terminal client for the G7 government assistant pipelines",
		Long: `A terminal client for the G7 government assistant pipelines.

Every command opens a streaming session against the assistant backend and reports the
progress of each pipeline stage as it completes: document search, eligibility rule
evaluation, resource optimization and guided intake. Session history is kept locally.`,
		SilenceUsage: true,
	}
}
