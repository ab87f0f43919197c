package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anneal-io/anneal/internal/engine"
)

var planCmd = &cobra.Command{
	Use:   "plan [stack file]",
	Short: "Preview the actions a run would take",
	Long: `Shows the phase each declaration would get on the next apply and the
recorded resources that would be deleted, without touching providers.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := loadStack(args)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	actions, err := rt.eng.Plan(ctx, engine.NewScope(st.Scope), decls(st))
	if err != nil {
		return err
	}

	fmt.Printf("Anneal will perform the following actions in scope %q:\n\n", st.Scope)
	renderActions(actions)
	renderSummary(actions)
	return nil
}
