package cli

import (
	"github.com/spf13/cobra"
)

var (
	flagBackend   string
	flagStateDir  string
	flagDB        string
	flagBucket    string
	flagPrefix    string
	flagRegion    string
	flagLockTable string
	flagLogLevel  string
	flagLogJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "anneal",
	Short: "Declarative resource lifecycle orchestration",
	Long: `Anneal reconciles declared resources against remote provider APIs.

Each run derives a lifecycle phase for every declaration from the durable
record of previous runs:
  • no prior record         -> create
  • a prior record exists   -> update
  • recorded but undeclared -> delete

State lives in per-scope partitions (file, sqlite or s3 backend) and
secret output values stay encrypted end to end.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagBackend, "backend", "file", "State backend: file, sqlite or s3")
	pf.StringVar(&flagStateDir, "state-dir", ".anneal/state", "State directory for the file backend")
	pf.StringVar(&flagDB, "db", ".anneal/state.db", "Database path for the sqlite backend")
	pf.StringVar(&flagBucket, "bucket", "", "Bucket name for the s3 backend")
	pf.StringVar(&flagPrefix, "prefix", "", "Key prefix for the s3 backend")
	pf.StringVar(&flagRegion, "region", "", "AWS region for the s3 backend")
	pf.StringVar(&flagLockTable, "lock-table", "", "DynamoDB table for s3 state locking")
	pf.StringVar(&flagLogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	pf.BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}
