package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anneal-io/anneal/internal/engine"
)

var (
	destroyAutoApprove bool
	destroyScope       string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [stack file]",
	Short: "Destroy every resource recorded in a scope",
	Long: `Deletes all resources the scope's state partition records, dependents
before their dependencies, and clears the partition.

Deletion failures do not stop the teardown: the record is dropped
anyway and the errors are reported at the end.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
	destroyCmd.Flags().StringVar(&destroyScope, "scope", "", "Scope to destroy (defaults to the stack file's scope)")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	scope := destroyScope
	if scope == "" {
		st, err := loadStack(args)
		if err != nil {
			return err
		}
		scope = st.Scope
	}

	rt, err := newRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	recs, err := rt.store.List(ctx, scope)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Printf("Scope %q has no recorded resources.\n", scope)
		return nil
	}

	fmt.Printf("Scope %q records %d resource(s):\n\n", scope, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		fmt.Printf("  \033[31m- %s.%s\033[0m\n", recs[i].Kind, recs[i].ID)
	}

	if !destroyAutoApprove {
		if !confirm(fmt.Sprintf("\nDo you really want to destroy all resources in scope %q?", scope)) {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	unlock, err := rt.lockScope(ctx, scope)
	if err != nil {
		return err
	}
	defer unlock()

	fmt.Println()
	err = rt.eng.Destroy(ctx, engine.NewScope(scope))
	var te *engine.TeardownError
	if errors.As(err, &te) {
		fmt.Printf("Destroy finished with %d error(s); the scope's records were cleared anyway.\n", len(te.Errs))
		return err
	}
	if err != nil {
		return err
	}

	fmt.Printf("Destroy complete! All resources in scope %q have been deleted.\n", scope)
	return nil
}
