package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and modify recorded state",
}

var stateListCmd = &cobra.Command{
	Use:   "list [scope]",
	Short: "List recorded resources",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <scope> <id>",
	Short: "Show one recorded resource",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateShow,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <scope> <id>",
	Short: "Drop a record from state (does not delete the remote object)",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateRm,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	scopes := args
	if len(scopes) == 0 {
		scopes, err = rt.store.Scopes(ctx)
		if err != nil {
			return err
		}
	}
	if len(scopes) == 0 {
		fmt.Println("No scopes recorded.")
		return nil
	}

	total := 0
	for _, scope := range scopes {
		recs, err := rt.store.List(ctx, scope)
		if err != nil {
			return err
		}
		fmt.Printf("Scope %q: %d resource(s)\n", scope, len(recs))
		for _, rec := range recs {
			fmt.Printf("  %s.%s (seq %d)\n", rec.Kind, rec.ID, rec.Seq)
		}
		total += len(recs)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", total)
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	scope, id := args[0], args[1]
	rec, err := rt.store.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("resource %q not found in scope %q", id, scope)
	}

	fmt.Printf("# %s.%s\n", rec.Kind, rec.ID)
	fmt.Printf("  scope      = %s\n", scope)
	fmt.Printf("  seq        = %d\n", rec.Seq)
	fmt.Printf("  created_at = %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  updated_at = %s\n", rec.UpdatedAt.Format(time.RFC3339))
	if len(rec.DependsOn) > 0 {
		fmt.Printf("  depends_on = %v\n", rec.DependsOn)
	}

	if len(rec.Output) > 0 {
		fmt.Println("\n  Output:")
		keys := make([]string, 0, len(rec.Output))
		for k := range rec.Output {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			// typed secrets render as [redacted]
			fmt.Printf("    %s = %v\n", k, rec.Output[k])
		}
	}
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	scope, id := args[0], args[1]
	unlock, err := rt.lockScope(ctx, scope)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := rt.store.Get(ctx, scope, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("resource %q not found in scope %q", id, scope)
	}
	if err := rt.store.Remove(ctx, scope, id); err != nil {
		return err
	}

	fmt.Printf("Removed %s.%s from scope %q (remote object was NOT deleted)\n", rec.Kind, rec.ID, scope)
	return nil
}
