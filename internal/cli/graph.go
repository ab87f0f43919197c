package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph <scope>",
	Short: "Output a scope's recorded dependency graph in DOT format",
	Long: `Generates a visual representation of the recorded dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  anneal graph prod | dot -Tpng > graph.png`,
	Args: cobra.ExactArgs(1),
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx, 0)
	if err != nil {
		return err
	}
	defer rt.Close()

	scope := args[0]
	recs, err := rt.store.List(ctx, scope)
	if err != nil {
		return err
	}

	addrs := make(map[string]string, len(recs))
	for _, rec := range recs {
		addrs[rec.ID] = fmt.Sprintf("%s.%s", rec.Kind, rec.ID)
	}

	fmt.Println("digraph anneal {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()

	for _, rec := range recs {
		fmt.Printf("  %q;\n", addrs[rec.ID])
	}
	fmt.Println()

	for _, rec := range recs {
		for _, dep := range rec.DependsOn {
			target, ok := addrs[dep]
			if !ok {
				continue
			}
			fmt.Printf("  %q -> %q;\n", addrs[rec.ID], target)
		}
	}

	fmt.Println("}")
	return nil
}
