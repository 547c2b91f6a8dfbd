package agent

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/intake"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/optimize"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/rules"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/search"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "history PIPELINE",
		Short:     "Show or clear the completed sessions of a pipeline",
		Long:      "Show or clear the completed sessions of a pipeline, newest first. PIPELINE is one of search, rules, optimize or intake.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{search.Name, rules.Name, optimize.Name, intake.Name},
	}

	cmd.Flags().Bool("clear", false, "remove every session from the history")

	cmd.RunE = withAgent(func(cmd *cobra.Command, a *agentContext, args []string) error {
		clearAll, _ := cmd.Flags().GetBool("clear")
		w := cmd.OutOrStdout()

		switch args[0] {
		case search.Name:
			return showHistory(w, a.session.Search, clearAll)
		case rules.Name:
			return showHistory(w, a.session.Rules, clearAll)
		case optimize.Name:
			return showHistory(w, a.session.Optimize, clearAll)
		case intake.Name:
			return showHistory(w, a.session.Intake, clearAll)
		default:
			return fmt.Errorf("unknown pipeline %q", args[0])
		}
	})
	return cmd
}

func showHistory[In, Out any](w io.Writer, store *pipeline.Store[In, Out], clearAll bool) error {
	if clearAll {
		store.ClearHistory()
		_, err := fmt.Fprintf(w, "cleared %s history\n", store.Name())
		return err
	}

	return writeJSON(w, store.RecentHistory(store.HistoryCapacity()))
}
