package main

import (
	"os"

	"github.com/panic80/G7GovAI-sub001/cmd"
	"github.com/panic80/G7GovAI-sub001/cmd/agent"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	agentCmd := agent.NewAgentCommand()
	rootCmd.AddCommand(agentCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
