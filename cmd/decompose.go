package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/firefly/internal/api"
	"github.com/joescharf/firefly/internal/engine"
	"github.com/joescharf/firefly/internal/output"
)

var decomposeCmd = &cobra.Command{
	Use:   "decompose <goal>",
	Short: "Preview how a goal breaks into micro-actions",
	Long:  "Ask the LLM to break a goal into micro-actions and print them without starting a session.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decomposeRun(strings.Join(args, " "))
	},
}

func init() {
	rootCmd.AddCommand(decomposeCmd)
}

func decomposeRun(goal string) error {
	drafts, err := decomposeGoal(context.Background(), goal)
	if err != nil {
		return err
	}

	total := 0
	table := ui.Table([]string{"#", "Action", "Estimate", "Confidence"})
	for i, d := range drafts {
		total += d.EstimatedMinutes
		_ = table.Append([]string{
			fmt.Sprintf("%d", i+1),
			d.Text,
			output.Minutes(d.EstimatedMinutes),
			output.ConfidenceColor(string(d.Confidence)),
		})
	}
	_ = table.Render()
	fmt.Fprintf(ui.Out, "\n%d actions, %s total\n", len(drafts), output.Minutes(total))
	return nil
}

// decomposeGoal runs the configured decomposer and converts its steps into drafts.
func decomposeGoal(ctx context.Context, goal string) ([]engine.ActionDraft, error) {
	dec := newDecomposer()
	if dec == nil {
		return nil, fmt.Errorf("goal decomposition is not configured (set anthropic.api_key or FIREFLY_ANTHROPIC_API_KEY)")
	}
	ui.VerboseLog("Decomposing %q", goal)
	steps, err := dec.Decompose(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("decompose goal: %w", err)
	}
	return api.Drafts(steps), nil
}
