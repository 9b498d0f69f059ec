package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/config"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/orchestrator"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/store"
)

var cleanupOlderThanHours int

// NewSessionsCommand creates the sessions command group
func NewSessionsCommand() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain stored sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all stored sessions",
		RunE:  runSessionsList,
	}

	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session with its parsed iteration report",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsShow,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal sessions older than the retention age",
		RunE:  runSessionsCleanup,
	}
	cleanupCmd.Flags().IntVar(&cleanupOlderThanHours, "older-than", 24, "Delete terminal sessions that ended more than this many hours ago")

	sessionsCmd.AddCommand(listCmd)
	sessionsCmd.AddCommand(showCmd)
	sessionsCmd.AddCommand(cleanupCmd)

	return sessionsCmd
}

func openStore() (*store.FileStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	root := cfg.DataDir
	if root == "" {
		root = store.DefaultRoot()
	}
	return store.NewFileStore(root), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	records, err := st.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	for _, record := range records {
		fmt.Printf("%s  %-9s  %2d iterations  %s\n",
			record.ID, record.Status, len(record.Iterations),
			record.StartTime.Local().Format("2006-01-02 15:04"))
		fmt.Printf("    %s\n", truncate(record.InitialPrompt, 70))
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	report, err := st.Report(args[0])
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	fmt.Printf("Session: %s\n", report.ID)
	fmt.Printf("Status:  %s\n", report.Status)
	fmt.Printf("WorkDir: %s\n", report.WorkDir)
	fmt.Printf("Started: %s\n", report.StartTime.Local().Format("2006-01-02 15:04:05"))
	if report.EndTime != nil {
		fmt.Printf("Ended:   %s\n", report.EndTime.Local().Format("2006-01-02 15:04:05"))
	}
	if report.TotalCost > 0 {
		fmt.Printf("Cost:    $%.4f\n", report.TotalCost)
	}
	fmt.Printf("Task:    %s\n", report.Task)

	for _, it := range report.Iterations {
		fmt.Printf("\nIteration %d (exit %d, %s)\n", it.Iteration, it.ExitCode, it.Duration)
		fmt.Printf("  Prompt: %s\n", truncate(it.Prompt, 70))
		fmt.Printf("  Messages: %d", it.Summary.TotalMessages)
		if len(it.Summary.ToolsUsed) > 0 {
			fmt.Printf("  Tools: %v", it.Summary.ToolsUsed)
		}
		if it.Summary.HasErrors {
			fmt.Printf("  (errors)")
		}
		fmt.Println()
		if len(it.Summary.FilesAffected) > 0 {
			fmt.Printf("  Files: %v\n", it.Summary.FilesAffected)
		}
	}
	return nil
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	orch := orchestrator.New(st, orchestrator.Options{})
	removed, err := orch.CleanupOldSessions(time.Duration(cleanupOlderThanHours) * time.Hour)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	if len(removed) == 0 {
		fmt.Println("No sessions eligible for cleanup")
		return nil
	}
	for _, id := range removed {
		fmt.Printf("Deleted %s\n", id)
	}
	fmt.Printf("%d session(s) removed\n", len(removed))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
