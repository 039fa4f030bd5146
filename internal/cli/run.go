package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/pilot/internal/config"
	"github.com/harun/pilot/internal/daemon"
	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/events"
	"github.com/harun/pilot/pkg/hooks"
	"github.com/harun/pilot/pkg/session"
	"github.com/spf13/cobra"
)

var (
	runSessionID string
	runPlan      bool
	runYes       bool
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run a single prompt in the terminal",
	Long: `Run one prompt against a session and stream the agent's output.
Without --session a new session is created in the current directory.
Dangerous tools ask for confirmation on stdin unless --yes is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session", "", "continue an existing session")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "run the prompt in plan mode")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "approve every permission request")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	d, log, err := bootstrap(cmd, true, func(cfg *config.Config) {
		cfg.Gateway.Enabled = false
	})
	if err != nil {
		return err
	}
	defer log.Close()

	if err := d.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _, runErr := runTurn(ctx, d, turnOptions{
		SessionID:   runSessionID,
		Prompt:      strings.Join(args, " "),
		Plan:        runPlan,
		AutoApprove: runYes,
	}, bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())

	if err := d.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
	return runErr
}

type turnOptions struct {
	SessionID   string
	Prompt      string
	Plan        bool
	AutoApprove bool
}

// runTurn runs one prompt the way an editor turn runs: events stream to out
// while the agent works, and the transcript is recorded afterwards. It
// returns the id of the session the turn ran on.
func runTurn(ctx context.Context, d *daemon.Daemon, opts turnOptions, in *bufio.Reader, out io.Writer) (string, *agent.RunResult, error) {
	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		return "", nil, errors.New("prompt is empty")
	}

	store := d.GetSessionStore()
	logger := d.GetLogger().Component("run")

	var (
		st  *session.State
		err error
	)
	if opts.SessionID != "" {
		st, err = store.Resume(ctx, d.GetCWD(), opts.SessionID)
	} else {
		st, err = store.New(ctx, d.GetCWD(), nil)
		if err == nil {
			d.GetHooks().Fire(hooks.EventSessionNew, map[string]interface{}{"session_id": st.ID, "cwd": st.CWD})
		}
	}
	if err != nil {
		return "", nil, err
	}

	if opts.Plan && st.ModeID != session.ModePlan {
		store.SetMode(ctx, st.ID, session.ModePlan)
		st.ModeID = session.ModePlan
	}

	q, err := store.BeginPrompt(st.ID)
	if err != nil {
		return st.ID, nil, err
	}

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		events.Forward(ctx, q, terminalSink(q, in, out, opts.AutoApprove), logger)
	}()

	res, runErr := d.GetAgentRunner().Run(ctx, agent.RunParams{
		SessionID:      st.ID,
		CWD:            st.CWD,
		Prompt:         prompt,
		Mode:           st.ModeID,
		Model:          st.ModelID,
		Config:         st.Config,
		History:        st.History,
		LastResponseID: st.LastResponseID,
		Queue:          q,
	})
	store.EndPrompt(st.ID, q)
	<-forwarded

	recordCtx := context.WithoutCancel(ctx)
	if res != nil {
		store.RecordTurn(recordCtx, st.ID, res.History, res.LastResponseID)
	}
	if st.Title == "" {
		if title := session.TitleFrom(prompt); title != "" {
			store.Configure(recordCtx, st.ID, session.Patch{Title: &title})
		}
	}

	fmt.Fprintln(out)
	if res != nil {
		d.GetHooks().Fire(hooks.EventTurnFinished, map[string]interface{}{
			"session_id": st.ID,
			"outcome":    string(res.Outcome),
			"steps":      res.Steps,
		})
		fmt.Fprintf(out, "session %s: %s (%d steps, %d tokens)\n",
			st.ID, res.Outcome, res.Steps, res.Usage.TotalTokens)
	}
	return st.ID, res, runErr
}

// terminalSink prints events as plain text and answers permission requests
// from in.
func terminalSink(q *events.Queue, in *bufio.Reader, out io.Writer, autoApprove bool) events.Sink {
	return func(ctx context.Context, ev events.Event) error {
		switch p := ev.Payload.(type) {
		case events.TextChunk:
			_, err := io.WriteString(out, p.Text)
			return err
		case events.TextDone:
			_, err := io.WriteString(out, "\n")
			return err
		case events.ThoughtChunk:
			_, err := fmt.Fprintf(out, "~ %s\n", p.Text)
			return err
		case events.ToolStart:
			_, err := fmt.Fprintf(out, "> %s %s\n", p.ToolName, describeArgs(p.Arguments))
			return err
		case events.ToolComplete:
			_, err := fmt.Fprintf(out, "< %s ok\n", p.ToolName)
			return err
		case events.ToolFailed:
			_, err := fmt.Fprintf(out, "< %s failed: %s\n", p.ToolName, p.Error)
			return err
		case events.PlanUpdate:
			for _, e := range p.Entries {
				if _, err := fmt.Fprintf(out, "  [%s] %s\n", e.Status, e.Content); err != nil {
					return err
				}
			}
			return nil
		case events.Error:
			_, err := fmt.Fprintf(out, "error: %s\n", p.Message)
			return err
		case events.PermissionRequest:
			q.ResolvePermission(p.RequestID, askPermission(p, in, out, autoApprove))
			return nil
		}
		return nil
	}
}

// askPermission reads y, n or a from in. Anything else, including EOF,
// denies.
func askPermission(req events.PermissionRequest, in *bufio.Reader, out io.Writer, autoApprove bool) events.PermissionResponse {
	resp := events.PermissionResponse{RequestID: req.RequestID}
	if autoApprove {
		resp.Approved = true
		return resp
	}

	fmt.Fprintf(out, "? allow %s %s", req.ToolName, describeArgs(req.Arguments))
	if req.Reason != "" {
		fmt.Fprintf(out, " (%s)", req.Reason)
	}
	fmt.Fprint(out, " [y/N/a] ")

	line, _ := in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		resp.Approved = true
	case "a", "always":
		resp.Approved = true
		resp.AlwaysAllow = true
	}
	return resp
}

func describeArgs(args map[string]interface{}) string {
	for _, key := range []string{"command", "path", "url", "pattern"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
