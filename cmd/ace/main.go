package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acehq/ace/cmd/ace/commands"
	"github.com/acehq/ace/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ace",
	Short: "ACE - Agentic Context Engineering playbook evolution",
	Long: `ACE - Self-improving playbooks driven by recorded task outcomes.

ACE keeps playbooks (living strategy documents) and evolves them: task
outcomes accumulate against a playbook, and evolution jobs feed those
outcomes to an LLM engine that publishes an improved playbook version.

Available commands:
  serve    - Start the ACE server (API, workers, threshold monitor)
  playbook - Create, inspect, and archive playbooks
  outcome  - Record task outcomes against a playbook
  evolve   - Trigger and inspect evolution jobs
  db       - Manage the ACE database
  version  - Show version information

Examples:
  ace serve                              # Start server with workers
  ace playbook create --owner alice --name deploy --content-file pb.md
  ace outcome report <playbook-id> --status failure --task "deploy v2"
  ace evolve trigger <playbook-id>       # Queue an evolution job
  ace db stats                           # Show database statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.PlaybookCmd)
	rootCmd.AddCommand(commands.OutcomeCmd)
	rootCmd.AddCommand(commands.EvolveCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
