package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/evolution"
	"github.com/acehq/ace/playbook"
)

// PlaybookCmd groups playbook management commands
var PlaybookCmd = &cobra.Command{
	Use:   "playbook",
	Short: "Manage playbooks",
	Long: `Create, inspect, and archive playbooks.

Examples:
  ace playbook create --owner alice --name deploy --content-file pb.md
  ace playbook ls
  ace playbook show 3f2a...
  ace playbook archive 3f2a...`,
}

var playbookCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a playbook, optionally seeding version 1",
	RunE:  runPlaybookCreate,
}

var playbookLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active playbooks",
	RunE:  runPlaybookLs,
}

var playbookShowCmd = &cobra.Command{
	Use:   "show <playbook-id>",
	Short: "Show a playbook with its version history",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlaybookShow,
}

var playbookArchiveCmd = &cobra.Command{
	Use:   "archive <playbook-id>",
	Short: "Archive a playbook, retiring it from evolution",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlaybookArchive,
}

var (
	playbookOwnerFlag       string
	playbookNameFlag        string
	playbookDescriptionFlag string
	playbookContentFlag     string
	playbookContentFileFlag string
	playbookJSONFlag        bool
)

func init() {
	PlaybookCmd.AddCommand(playbookCreateCmd)
	PlaybookCmd.AddCommand(playbookLsCmd)
	PlaybookCmd.AddCommand(playbookShowCmd)
	PlaybookCmd.AddCommand(playbookArchiveCmd)

	playbookCreateCmd.Flags().StringVar(&playbookOwnerFlag, "owner", "", "Owner identity (required)")
	playbookCreateCmd.Flags().StringVar(&playbookNameFlag, "name", "", "Playbook name (required)")
	playbookCreateCmd.Flags().StringVar(&playbookDescriptionFlag, "description", "", "Playbook description")
	playbookCreateCmd.Flags().StringVar(&playbookContentFlag, "content", "", "Seed content")
	playbookCreateCmd.Flags().StringVar(&playbookContentFileFlag, "content-file", "", "Read seed content from file")
	playbookCreateCmd.MarkFlagRequired("owner")
	playbookCreateCmd.MarkFlagRequired("name")

	playbookShowCmd.Flags().BoolVarP(&playbookJSONFlag, "json", "j", false, "Output as JSON")
}

func runPlaybookCreate(cmd *cobra.Command, args []string) error {
	content := playbookContentFlag
	if playbookContentFileFlag != "" {
		data, err := os.ReadFile(playbookContentFileFlag)
		if err != nil {
			return errors.Wrap(err, "failed to read content file")
		}
		content = string(data)
	}

	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	pb := playbook.New(playbookOwnerFlag, playbookNameFlag, playbookDescriptionFlag)
	seed, err := playbook.NewStore(database).Create(pb, content)
	if err != nil {
		return errors.Wrap(err, "failed to create playbook")
	}

	fmt.Printf("Created playbook %s\n", pb.ID)
	fmt.Printf("  Name:         %s\n", pb.Name)
	fmt.Printf("  Owner:        %s\n", pb.OwnerID)
	if seed != nil {
		fmt.Printf("  Seed version: %d (%s)\n", seed.VersionNumber, seed.ID)
	} else {
		fmt.Printf("  Seed version: none (first evolution publishes version 1)\n")
	}
	return nil
}

func runPlaybookLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	playbooks, err := playbook.NewStore(database).ListActive()
	if err != nil {
		return errors.Wrap(err, "failed to list playbooks")
	}

	if len(playbooks) == 0 {
		fmt.Println("No active playbooks")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-12s  %s\n", "ID", "NAME", "OWNER", "CREATED")
	for _, pb := range playbooks {
		fmt.Printf("%-36s  %-20s  %-12s  %s\n",
			pb.ID, pb.Name, pb.OwnerID, pb.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runPlaybookShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	pb, err := playbook.NewStore(database).Get(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to get playbook")
	}

	versions, err := playbook.NewVersionStore(database).ListByPlaybook(pb.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list versions")
	}

	if playbookJSONFlag {
		output, err := json.MarshalIndent(map[string]interface{}{
			"playbook": pb,
			"versions": versions,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Playbook %s\n", pb.ID)
	fmt.Printf("  Name:        %s\n", pb.Name)
	fmt.Printf("  Owner:       %s\n", pb.OwnerID)
	fmt.Printf("  Status:      %s\n", pb.Status)
	if pb.Description != "" {
		fmt.Printf("  Description: %s\n", pb.Description)
	}
	fmt.Printf("  Versions:    %d\n\n", len(versions))

	for _, v := range versions {
		marker := " "
		if v.ID == pb.CurrentVersionID {
			marker = "*"
		}
		fmt.Printf("%s v%-4d %s  %s\n", marker, v.VersionNumber, v.CreatedAt.Format("2006-01-02 15:04"), v.DiffSummary)
	}
	return nil
}

func runPlaybookArchive(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	id := args[0]

	// Warn rather than block: an active job against an archived playbook
	// still runs to completion.
	if active, err := evolution.NewStore(database).GetActiveJob(id); err == nil && active != nil {
		fmt.Printf("Warning: evolution job %s is still %s\n", active.ID, active.Status)
	}

	if err := playbook.NewStore(database).Archive(id); err != nil {
		return errors.Wrap(err, "failed to archive playbook")
	}

	fmt.Printf("Archived playbook %s\n", id)
	return nil
}
