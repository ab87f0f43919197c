package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [stack file]",
	Short: "Validate a stack file",
	Long: `Checks the stack file for YAML errors, malformed identifiers, duplicate
declarations and references to resources that are not declared earlier in
the file. Secrets are not resolved, so the referenced environment
variables do not need to be set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	st, err := loadStack(args)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("Stack is valid: %d resource(s) in scope %q\n", len(st.Resources), st.Scope)
	return nil
}
