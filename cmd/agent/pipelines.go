package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/panic80/G7GovAI-sub001/cmd/util"
	"github.com/panic80/G7GovAI-sub001/pkg/controller"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/intake"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/optimize"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/rules"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/search"
)

// maxFollowUps bounds the question rounds of one intake session.
const maxFollowUps = 5

// runOnce runs one session of store and prints its result.
func runOnce[In, Out any](cmd *cobra.Command, a *agentContext, store *pipeline.Store[In, Out], input In) error {
	ctx, cancel := a.sessionContext(cmd.Context())
	defer cancel()

	snap, err := follow(ctx, cmd.ErrOrStderr(), store, func(ctx context.Context) (*controller.Handle, error) {
		return store.Start(ctx, input)
	})
	if err != nil {
		return err
	}

	result, err := outcome(ctx, snap)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func newSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search government documents and answer with citations",
		Args:  cobra.MinimumNArgs(1),
	}

	flags := cmd.Flags()
	flags.String("language", "", "the language of the answer")
	flags.String("category", "", "restrict the search to a document category")
	flags.Int("top-k", 0, "the number of documents to retrieve (0 for the backend default)")

	cmd.RunE = withAgent(func(cmd *cobra.Command, a *agentContext, args []string) error {
		req := search.Request{Query: strings.Join(args, " ")}
		req.Language, _ = cmd.Flags().GetString("language")
		req.Category, _ = cmd.Flags().GetString("category")
		req.TopK, _ = cmd.Flags().GetInt("top-k")

		return runOnce(cmd, a, a.session.Search, req)
	})
	return cmd
}

func newEvaluateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate QUESTION",
		Short: "Evaluate eligibility rules extracted from legislation",
		Args:  cobra.MinimumNArgs(1),
	}

	flags := cmd.Flags()
	flags.String("language", "", "the language of the answer")
	flags.String("effective-date", "", "the date the legislation is evaluated at (YYYY-MM-DD)")
	flags.StringArray("fact", nil, "a key=value fact of the applicant's profile (repeatable)")

	cmd.RunE = withAgent(func(cmd *cobra.Command, a *agentContext, args []string) error {
		facts, _ := cmd.Flags().GetStringArray("fact")
		profile, err := util.ParseKeyValues(facts)
		if err != nil {
			return err
		}

		req := rules.Request{Query: strings.Join(args, " ")}
		req.Language, _ = cmd.Flags().GetString("language")
		req.EffectiveDate, _ = cmd.Flags().GetString("effective-date")
		if len(profile) > 0 {
			req.Profile = make(map[string]any, len(profile))
			for k, v := range profile {
				req.Profile[k] = v
			}
		}

		return runOnce(cmd, a, a.session.Rules, req)
	})
	return cmd
}

func newOptimizeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Forecast demand and optimize the allocation of resources",
		Args:  cobra.NoArgs,
	}

	flags := cmd.Flags()
	flags.String("region", "", "the region to plan for")
	flags.Int("horizon-days", 7, "the forecast horizon in days")
	flags.Float64("budget", 0, "the budget available for the allocation (0 for unconstrained)")
	flags.String("scenario", "", "a named demand scenario")
	flags.String("language", "", "the language of the explanation")

	cmd.RunE = withAgent(func(cmd *cobra.Command, a *agentContext, _ []string) error {
		var req optimize.Request
		req.Region, _ = cmd.Flags().GetString("region")
		req.HorizonDays, _ = cmd.Flags().GetInt("horizon-days")
		req.Budget, _ = cmd.Flags().GetFloat64("budget")
		req.Scenario, _ = cmd.Flags().GetString("scenario")
		req.Language, _ = cmd.Flags().GetString("language")

		if req.HorizonDays < 1 {
			return errors.New("--horizon-days must be positive")
		}

		return runOnce(cmd, a, a.session.Optimize, req)
	})
	return cmd
}

func newIntakeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intake DESCRIPTION",
		Short: "Describe your situation and get a benefits application plan",
		Long: `Describe your situation and get a benefits application plan.

When the assistant needs more information it asks for it. Answers given with --answer are
used first; the remaining questions are asked on the terminal unless --no-input is set.`,
		Args: cobra.MinimumNArgs(1),
	}

	flags := cmd.Flags()
	flags.String("language", "", "the language of the plan")
	flags.Bool("voice", false, "mark the description as transcribed speech")
	flags.StringArray("answer", nil, "a key=value answer to a follow-up question (repeatable)")
	flags.Bool("no-input", false, "fail instead of prompting when a question has no answer")

	cmd.RunE = withAgent(func(cmd *cobra.Command, a *agentContext, args []string) error {
		given, _ := cmd.Flags().GetStringArray("answer")
		answers, err := util.ParseKeyValues(given)
		if err != nil {
			return err
		}
		noInput, _ := cmd.Flags().GetBool("no-input")

		req := intake.Request{Text: strings.Join(args, " "), InputMode: intake.InputText}
		req.Language, _ = cmd.Flags().GetString("language")
		if voice, _ := cmd.Flags().GetBool("voice"); voice {
			req.InputMode = intake.InputVoice
		}

		ctx, cancel := a.sessionContext(cmd.Context())
		defer cancel()

		store := a.session.Intake
		snap, err := follow(ctx, cmd.ErrOrStderr(), store, func(ctx context.Context) (*controller.Handle, error) {
			return store.Start(ctx, req)
		})
		if err != nil {
			return err
		}

		in := bufio.NewReader(cmd.InOrStdin())
		for round := 0; snap.Paused; round++ {
			if round == maxFollowUps {
				return fmt.Errorf("intake still needs information after %d rounds of questions", maxFollowUps)
			}

			reply, err := answer(cmd.ErrOrStderr(), in, snap.FollowUp.Questions, answers, noInput)
			if err != nil {
				return err
			}

			snap, err = follow(ctx, cmd.ErrOrStderr(), store, func(ctx context.Context) (*controller.Handle, error) {
				return store.SubmitFollowUp(ctx, reply)
			})
			if err != nil {
				return err
			}
		}

		plan, err := outcome(ctx, snap)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), plan)
	})
	return cmd
}

// answer collects a reply to every question, from given first and then from in.
func answer(w io.Writer, in *bufio.Reader, questions []pipeline.Question, given map[string]string, noInput bool) (map[string]string, error) {
	reply := make(map[string]string, len(questions))
	for _, q := range questions {
		if v, ok := given[q.Key]; ok {
			reply[q.Key] = v
			continue
		}
		if noInput {
			return nil, fmt.Errorf("no answer for %q (%s); pass --answer %s=VALUE", q.Key, q.Prompt, q.Key)
		}

		fmt.Fprintf(w, "%s ", q.Prompt)
		line, err := in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return nil, fmt.Errorf("read answer for %q: %w", q.Key, err)
		}
		reply[q.Key] = strings.TrimSpace(line)
	}
	return reply, nil
}
