package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acehq/ace/auth"
	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/logger"
	"github.com/acehq/ace/playbook"
)

// EvolveCmd groups evolution job commands
var EvolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Trigger and inspect evolution jobs",
	Long: `Trigger evolution for a playbook and inspect job state. Triggering
queues a job; a running ace server picks it up.

Triggering is idempotent: if a job is already queued or running for the
playbook, that job is returned instead of creating another.

Examples:
  ace evolve trigger 3f2a...          # Queue an evolution job
  ace evolve status 9c1b...           # Show one job
  ace evolve ls --status failed       # List failed jobs`,
}

var evolveTriggerCmd = &cobra.Command{
	Use:   "trigger <playbook-id>",
	Short: "Queue an evolution job for a playbook",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvolveTrigger,
}

var evolveStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show an evolution job",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvolveStatus,
}

var evolveLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List evolution jobs",
	RunE:  runEvolveLs,
}

var (
	evolveCallerFlag string
	evolveStatusFlag string
	evolveLimitFlag  int
)

func init() {
	EvolveCmd.AddCommand(evolveTriggerCmd)
	EvolveCmd.AddCommand(evolveStatusCmd)
	EvolveCmd.AddCommand(evolveLsCmd)

	evolveTriggerCmd.Flags().StringVar(&evolveCallerFlag, "caller", auth.SystemCaller, "Caller identity for authorization")
	evolveLsCmd.Flags().StringVar(&evolveStatusFlag, "status", "", "Filter by status (queued, running, completed, failed)")
	evolveLsCmd.Flags().IntVar(&evolveLimitFlag, "limit", 20, "Maximum jobs to list")
}

func runEvolveTrigger(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	coordinator := evolution.NewCoordinator(
		playbook.NewStore(database),
		evolution.NewStore(database),
		auth.NewOwnerAuthorizer(database),
		nil, // no worker pool in this process; the server's pollers find the job
		logger.Logger,
	)

	result, err := coordinator.Trigger(cmd.Context(), evolveCallerFlag, args[0])
	if err != nil {
		return errors.Wrap(err, "failed to trigger evolution")
	}

	if result.IsNew {
		fmt.Printf("Queued evolution job %s\n", result.Job.ID)
	} else {
		fmt.Printf("Evolution already %s as job %s\n", result.Job.Status, result.Job.ID)
	}
	return nil
}

func runEvolveStatus(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	job, err := evolution.NewStore(database).GetJob(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to get job")
	}

	output, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func runEvolveLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	var status *evolution.JobStatus
	if evolveStatusFlag != "" {
		if !evolution.IsValidStatus(evolveStatusFlag) {
			return errors.Newf("invalid job status %q", evolveStatusFlag)
		}
		js := evolution.JobStatus(evolveStatusFlag)
		status = &js
	}

	jobs, err := evolution.NewStore(database).ListJobs(status, evolveLimitFlag)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	if len(jobs) == 0 {
		fmt.Println("No evolution jobs")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %-36s  %s\n", "ID", "STATUS", "PLAYBOOK", "CREATED")
	for _, job := range jobs {
		fmt.Printf("%-36s  %-10s  %-36s  %s\n",
			job.ID, job.Status, job.PlaybookID, job.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
