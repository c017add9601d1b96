package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/outcome"
)

// OutcomeCmd groups outcome reporting commands
var OutcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Record task outcomes against a playbook",
	Long: `Record and inspect task outcomes. Outcomes accumulate unprocessed
until an evolution job consumes them.

Examples:
  ace outcome report 3f2a... --task "deploy v2" --status failure --notes "missing migration"
  ace outcome ls 3f2a...`,
}

var outcomeReportCmd = &cobra.Command{
	Use:   "report <playbook-id>",
	Short: "Report a task outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutcomeReport,
}

var outcomeLsCmd = &cobra.Command{
	Use:   "ls <playbook-id>",
	Short: "List unprocessed outcomes for a playbook",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutcomeLs,
}

var (
	outcomeTaskFlag   string
	outcomeStatusFlag string
	outcomeTraceFlag  string
	outcomeNotesFlag  string
)

func init() {
	OutcomeCmd.AddCommand(outcomeReportCmd)
	OutcomeCmd.AddCommand(outcomeLsCmd)

	outcomeReportCmd.Flags().StringVar(&outcomeTaskFlag, "task", "", "What the task was (required)")
	outcomeReportCmd.Flags().StringVar(&outcomeStatusFlag, "status", "", "success, failure, or partial (required)")
	outcomeReportCmd.Flags().StringVar(&outcomeTraceFlag, "trace", "", "Reasoning trace from the task")
	outcomeReportCmd.Flags().StringVar(&outcomeNotesFlag, "notes", "", "Free-form notes")
	outcomeReportCmd.MarkFlagRequired("task")
	outcomeReportCmd.MarkFlagRequired("status")
}

func runOutcomeReport(cmd *cobra.Command, args []string) error {
	if !outcome.IsValidStatus(outcomeStatusFlag) {
		return errors.Newf("invalid status %q: must be success, failure, or partial", outcomeStatusFlag)
	}

	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	o := outcome.New(args[0], outcomeTaskFlag, outcome.OutcomeStatus(outcomeStatusFlag))
	o.ReasoningTrace = outcomeTraceFlag
	o.Notes = outcomeNotesFlag

	if err := outcome.NewStore(database).Report(o); err != nil {
		return errors.Wrap(err, "failed to report outcome")
	}

	fmt.Printf("Recorded %s outcome %s\n", o.Status, o.ID)
	return nil
}

func runOutcomeLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	outcomes, err := outcome.NewStore(database).ListUnprocessed(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to list outcomes")
	}

	if len(outcomes) == 0 {
		fmt.Println("No unprocessed outcomes")
		return nil
	}

	fmt.Printf("%d unprocessed outcome(s)\n\n", len(outcomes))
	for _, o := range outcomes {
		fmt.Printf("%-36s  %-8s  %s\n", o.ID, o.Status, o.TaskDescription)
	}
	return nil
}
