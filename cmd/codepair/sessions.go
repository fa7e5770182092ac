package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepair/internal/session"
	"github.com/michaelbrown/codepair/internal/storage"
	"github.com/michaelbrown/codepair/internal/storage/sqlite"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Browse archived interview sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details and execution history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete an archived session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsExportCmd)

	sessionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (active, completed, archived)")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	sessionsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openArchive() (storage.Archive, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	archive, err := sqlite.Open(cfg.Archive.Path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return archive, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	status, ok := session.ParseStatus(statusFilter)
	if !ok {
		return fmt.Errorf("unknown status %q", statusFilter)
	}

	archive, err := openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	sessions, err := archive.ListSessions(cmd.Context(), storage.ListOptions{Status: status, Limit: limitFlag})
	if err != nil {
		return err
	}
	printSessionList(cmd.OutOrStdout(), sessions, time.Now())
	return nil
}

func printSessionList(w io.Writer, sessions []storage.Summary, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}

	fmt.Fprintf(w, "%-14s %-10s %-30s %-11s %5s %5s  %s\n", "ID", "STATUS", "NAME", "LANGUAGE", "PEOPLE", "RUNS", "UPDATED")
	fmt.Fprintln(w, strings.Repeat("─", 95))

	for _, s := range sessions {
		name := s.Name
		if name == "" {
			name = "(untitled)"
		}
		fmt.Fprintf(w, "%-14s %-10s %-30s %-11s %6d %5d  %s\n",
			s.ID, s.Status, truncate(name, 28), s.Language, s.Participants, s.Executions, timeAgo(s.UpdatedAt, now))
	}
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	archive, err := openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	rec, err := archive.GetSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printSession(cmd.OutOrStdout(), rec)
	return nil
}

func printSession(w io.Writer, rec *storage.Record) {
	sess := rec.Session
	fmt.Fprintf(w, "Session:  %s\n", sess.ID)
	if sess.Name != "" {
		fmt.Fprintf(w, "Name:     %s\n", sess.Name)
	}
	fmt.Fprintf(w, "Host:     %s\n", sess.HostName)
	fmt.Fprintf(w, "Status:   %s\n", sess.Status)
	fmt.Fprintf(w, "Language: %s\n", sess.Language)
	fmt.Fprintf(w, "Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:  %s\n", sess.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Archived: %s\n", rec.ArchivedAt.Format(time.RFC3339))

	fmt.Fprintf(w, "\nParticipants: %d\n", len(sess.Participants))
	for _, p := range sess.Participants {
		fmt.Fprintf(w, "  %s (%s, %s)\n", p.DisplayName, p.ClientID, p.Role)
	}

	fmt.Fprintf(w, "\nExecutions: %d\n", len(sess.Executions))
	fmt.Fprintln(w, strings.Repeat("─", 60))
	for _, e := range sess.Executions {
		mark := "\033[32m✓\033[0m"
		if !e.Success() {
			mark = "\033[31m✗\033[0m"
		}
		fmt.Fprintf(w, "%s %s %s by %s (exit %d, %dms)\n",
			mark, e.Timestamp.Format("15:04:05"), e.Language, e.ExecutedBy, e.ExitCode, e.DurationMs)
		if out := strings.TrimSpace(e.Stdout); out != "" {
			fmt.Fprintf(w, "  \033[90m│ %s\033[0m\n", truncate(out, 100))
		}
		if e.Error != "" {
			fmt.Fprintf(w, "  \033[31m│ %s\033[0m\n", truncate(e.Error, 100))
		}
	}
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	archive, err := openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	ctx := cmd.Context()
	rec, err := archive.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), rec) {
		fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
		return nil
	}

	if err := archive.DeleteSession(ctx, rec.Session.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", rec.Session.ID)
	return nil
}

func confirm(in io.Reader, out io.Writer, rec *storage.Record) bool {
	name := rec.Session.Name
	if name == "" {
		name = "(untitled)"
	}
	fmt.Fprintf(out, "Delete session %s - %q? [y/N] ", rec.Session.ID, name)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(answer)) == "y"
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	archive, err := openArchive()
	if err != nil {
		return err
	}
	defer archive.Close()

	rec, err := archive.GetSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	output, err := exportRecord(rec, exportFormat)
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, output, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(output)
	return err
}

func exportRecord(rec *storage.Record, format string) ([]byte, error) {
	switch format {
	case "json":
		return storage.ExportJSON(rec)
	case "yaml", "yml":
		return storage.ExportYAML(rec)
	case "md", "markdown", "":
		return []byte(storage.ExportMarkdown(rec)), nil
	}
	return nil, fmt.Errorf("unknown export format %q (want md, json or yaml)", format)
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	r := []rune(s)
	if len(r) > maxLen {
		return string(r[:maxLen]) + "..."
	}
	return s
}

func timeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

