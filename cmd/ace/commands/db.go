package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/acehq/ace/config"
	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/usage"
)

// DbCmd groups database management commands
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the ACE database",
	Long: `Manage database operations including migration and statistics.

Examples:
  ace db migrate             # Apply pending migrations
  ace db stats               # Show database statistics`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (overrides configuration)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as part of opening
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	fmt.Println("Database schema is up to date")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path := dbPathFlag
	if path == "" {
		resolved, err := config.GetDatabasePath()
		if err != nil {
			return errors.Wrap(err, "failed to resolve database path")
		}
		path = resolved
	}

	database, err := openDatabase(path)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	var playbooks, versions, outcomesTotal, outcomesPending int
	err = database.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM playbooks WHERE status = 'active'),
			(SELECT COUNT(*) FROM playbook_versions),
			(SELECT COUNT(*) FROM outcomes),
			(SELECT COUNT(*) FROM outcomes WHERE processed_at IS NULL)
	`).Scan(&playbooks, &versions, &outcomesTotal, &outcomesPending)
	if err != nil {
		return errors.Wrap(err, "failed to query database stats")
	}

	jobStats, err := evolution.NewStore(database).GetStats()
	if err != nil {
		return errors.Wrap(err, "failed to query job stats")
	}

	usageStats, err := usage.NewTracker(database).GetStats(time.Now().Add(-30 * 24 * time.Hour))
	if err != nil {
		return errors.Wrap(err, "failed to query usage stats")
	}

	fmt.Println("ACE Database Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:       %s\n\n", path)
	fmt.Printf("Active Playbooks:    %d\n", playbooks)
	fmt.Printf("Playbook Versions:   %d\n", versions)
	fmt.Printf("Outcomes:            %d (%d unprocessed)\n\n", outcomesTotal, outcomesPending)
	fmt.Printf("Evolution Jobs:\n")
	fmt.Printf("  Queued:            %d\n", jobStats.Queued)
	fmt.Printf("  Running:           %d\n", jobStats.Running)
	fmt.Printf("  Completed:         %d\n", jobStats.Completed)
	fmt.Printf("  Failed:            %d\n\n", jobStats.Failed)
	fmt.Printf("Engine Usage (30d):  %d requests, %d tokens, $%.3f\n",
		usageStats.TotalRequests, usageStats.TotalTokens, usageStats.TotalCostUSD)
	return nil
}
