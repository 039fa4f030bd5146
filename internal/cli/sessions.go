package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/harun/pilot/internal/config"
	"github.com/spf13/cobra"
)

var (
	sessionsCWD   string
	sessionsJSON  bool
	sessionsLimit int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsForkCmd = &cobra.Command{
	Use:   "fork <session-id>",
	Short: "Copy a session into a new one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsFork,
}

var sessionsAuditCmd = &cobra.Command{
	Use:   "audit <session-id>",
	Short: "Show permission decisions and tool runs of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsAudit,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsCWD, "cwd", "", "only list sessions bound to this directory")
	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print as JSON")
	sessionsForkCmd.Flags().StringVar(&sessionsCWD, "cwd", "", "working directory of the fork (default is the current directory)")
	sessionsAuditCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "maximum number of entries")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsForkCmd, sessionsAuditCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func offline(cfg *config.Config) {
	cfg.Gateway.Enabled = false
	cfg.MCP.Watch = false
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	d, log, err := bootstrap(cmd, true, offline)
	if err != nil {
		return err
	}
	defer log.Close()
	defer d.Close()

	infos := d.GetSessionStore().List(cmd.Context(), sessionsCWD)
	out := cmd.OutOrStdout()

	if sessionsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUPDATED\tMODE\tMESSAGES\tTITLE")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			info.ID, info.UpdatedAt.Format(time.RFC3339), info.ModeID, info.Messages, info.Title)
	}
	return w.Flush()
}

func runSessionsFork(cmd *cobra.Command, args []string) error {
	d, log, err := bootstrap(cmd, true, offline)
	if err != nil {
		return err
	}
	defer log.Close()
	defer d.Close()

	cwd := sessionsCWD
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}

	fork, err := d.GetSessionStore().Fork(cmd.Context(), cwd, args[0])
	if err != nil {
		return fmt.Errorf("failed to fork session %s: %w", args[0], err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), fork.ID)
	return nil
}

func runSessionsAudit(cmd *cobra.Command, args []string) error {
	d, log, err := bootstrap(cmd, true, offline)
	if err != nil {
		return err
	}
	defer log.Close()
	defer d.Close()

	trail := d.GetAuditTrail()
	if trail == nil {
		return fmt.Errorf("audit trail is disabled")
	}
	entries, err := trail.Recent(cmd.Context(), args[0], sessionsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tTOOL\tRESULT")
	for _, e := range entries {
		result := e.Status
		if e.Approved != nil {
			result = "denied"
			if *e.Approved {
				result = "approved"
			}
			if e.Always {
				result += " (always)"
			}
			if e.Source != "" {
				result += " by " + e.Source
			}
		} else if e.Duration > 0 {
			result = fmt.Sprintf("%s in %s", e.Status, e.Duration.Round(time.Millisecond))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Kind, e.Tool, result)
	}
	return w.Flush()
}
