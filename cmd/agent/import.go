package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/panic80/G7GovAI-sub001/cmd/util"
	"github.com/panic80/G7GovAI-sub001/pkg/controller"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

func newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import documents into the assistant's knowledge base",
		Args:  cobra.MinimumNArgs(1),
	}

	cmd.Flags().StringArray("field", nil, "a key=value form field sent with the files (repeatable)")

	cmd.RunE = withAgent(func(cmd *cobra.Command, a *agentContext, args []string) error {
		given, _ := cmd.Flags().GetStringArray("field")
		fields, err := util.ParseKeyValues(given)
		if err != nil {
			return err
		}

		files := make([]stream.File, 0, len(args))
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			files = append(files, stream.File{Name: filepath.Base(path), Content: f})
		}

		ctx, cancel := a.sessionContext(cmd.Context())
		defer cancel()

		stderr := cmd.ErrOrStderr()
		unwatch := a.session.WatchImport(func(p stream.Progress) {
			fmt.Fprintf(stderr, "%-16s %3.0f%% %s\n", p.Phase, p.Progress*100, p.Message)
		})
		defer unwatch()

		h := a.session.ImportDocuments(ctx, fields, files...)
		<-h.Done()

		state := a.session.Import.State()

		switch state.Status {
		case controller.StatusError:
			return fmt.Errorf("import failed: %s", state.Err)
		case controller.StatusIdle:
			return fmt.Errorf("import cancelled")
		}

		last, _ := state.Last()
		return writeJSON(cmd.OutOrStdout(), last)
	})
	return cmd
}
