package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Anneal stack",
	Long:  `Creates a starter stack file and the local state directory.`,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(".anneal", 0755); err != nil {
		return fmt.Errorf("failed to create .anneal directory: %w", err)
	}

	if _, err := os.Stat(defaultStackFile); os.IsNotExist(err) {
		content := `# Anneal stack
# See: https://github.com/anneal-io/anneal
scope: default

resources:
  - id: site
    kind: memory::Project
    props:
      name: my-site
      region: eu-west-1
      labels:
        env: dev

  - id: deploy-key
    kind: memory::Token
    props:
      project: ref://site/remote_id
      note: deployments
      # api_key: secret://MY_API_KEY
`
		if err := os.WriteFile(defaultStackFile, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", defaultStackFile, err)
		}
		fmt.Printf("Created %s\n", defaultStackFile)
	}

	fmt.Println("\nAnneal initialized successfully!")
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to declare your resources\n", defaultStackFile)
	fmt.Println("  2. Run 'anneal plan' to preview the changes")
	fmt.Println("  3. Run 'anneal apply' to converge the stack")

	return nil
}
