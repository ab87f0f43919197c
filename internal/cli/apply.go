package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anneal-io/anneal/internal/config"
	"github.com/anneal-io/anneal/internal/engine"
	"github.com/anneal-io/anneal/internal/resource"
)

var (
	applyAutoApprove bool
	applyParallelism int64
)

var applyCmd = &cobra.Command{
	Use:   "apply [stack file]",
	Short: "Apply a stack file",
	Long: `Reconciles every resource declared in the stack file against its
provider, then deletes whatever the scope recorded that the file no
longer declares.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval before applying")
	applyCmd.Flags().Int64Var(&applyParallelism, "parallelism", 0, "Bound on concurrent provider calls")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := loadStack(args)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, applyParallelism)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := config.ResolveSecrets(st, rt.scrub); err != nil {
		return err
	}

	unlock, err := rt.lockScope(ctx, st.Scope)
	if err != nil {
		return err
	}
	defer unlock()

	actions, err := rt.eng.Plan(ctx, engine.NewScope(st.Scope), decls(st))
	if err != nil {
		return err
	}

	fmt.Printf("Anneal will perform the following actions in scope %q:\n\n", st.Scope)
	renderActions(actions)
	create, update, del := renderSummary(actions)

	if !applyAutoApprove {
		if !confirm("\nDo you want to perform these actions?") {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Println()
	err = applyStack(ctx, rt, st, func(res *config.Resource, out resource.Output) {
		line := fmt.Sprintf("  %s.%s", res.Kind, res.ID)
		if rid, ok := out["remote_id"].(string); ok && rid != "" {
			line += fmt.Sprintf(" (%s)", rid)
		}
		fmt.Println(line)
	})
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n", create, update, del)
	return nil
}
