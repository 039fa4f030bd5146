package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/pilot/internal/config"
	"github.com/harun/pilot/internal/daemon"
	"github.com/harun/pilot/pkg/agent"
	"github.com/harun/pilot/pkg/session"
	"github.com/spf13/cobra"
)

const (
	replPrompt     = "pilot> "
	replContinued  = "...... "
	replHelpBanner = "Commands: new (fresh session), stats (transcript size), exit"
)

var (
	replSessionID string
	replPlan      bool
	replYes       bool
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Chat with the agent interactively",
	Long: `Read prompts from stdin and run each one as a turn of the same session.
A line ending in a backslash continues on the next line. Token usage is
printed after every turn.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&replSessionID, "session", "", "continue an existing session")
	replCmd.Flags().BoolVar(&replPlan, "plan", false, "run prompts in plan mode")
	replCmd.Flags().BoolVarP(&replYes, "yes", "y", false, "approve every permission request")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
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

	r := &repl{
		d:   d,
		in:  bufio.NewReader(cmd.InOrStdin()),
		out: cmd.OutOrStdout(),
		opts: turnOptions{
			SessionID:   replSessionID,
			Plan:        replPlan,
			AutoApprove: replYes,
		},
	}
	loopErr := r.loop(ctx)

	if err := d.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
	return loopErr
}

// repl runs prompts against one session until exit or EOF. Prompts and
// permission answers share the same reader.
type repl struct {
	d     *daemon.Daemon
	in    *bufio.Reader
	out   io.Writer
	opts  turnOptions
	usage agent.Usage
	turns int
}

func (r *repl) loop(ctx context.Context) error {
	fmt.Fprintln(r.out, replHelpBanner)
	for {
		line, ok := r.read()
		if !ok {
			r.goodbye()
			return nil
		}
		prompt := strings.TrimSpace(line)
		if prompt == "" {
			continue
		}

		switch strings.ToLower(prompt) {
		case "exit", "quit", ":q":
			r.goodbye()
			return nil
		case "new":
			r.opts.SessionID = ""
			r.usage = agent.Usage{}
			r.turns = 0
			fmt.Fprintln(r.out, "Started a new session.")
			continue
		case "stats":
			r.stats()
			continue
		}

		opts := r.opts
		opts.Prompt = line
		sid, res, err := runTurn(ctx, r.d, opts, r.in, r.out)
		if sid != "" {
			r.opts.SessionID = sid
		}
		if res != nil {
			r.usage.Add(res.Usage)
			r.turns++
			r.printUsage()
		}
		if ctx.Err() != nil {
			r.goodbye()
			return nil
		}
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// read returns the next prompt. A trailing backslash joins the following
// line. EOF in the middle of a continued prompt returns what was read.
func (r *repl) read() (string, bool) {
	var lines []string
	prompt := replPrompt
	for {
		fmt.Fprint(r.out, prompt)
		line, err := r.in.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if err != nil && line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), true
			}
			return "", false
		}
		if cont, ok := strings.CutSuffix(line, "\\"); ok && err == nil {
			lines = append(lines, cont)
			prompt = replContinued
			continue
		}
		lines = append(lines, line)
		return strings.Join(lines, "\n"), true
	}
}

func (r *repl) printUsage() {
	u := r.usage
	fmt.Fprintf(r.out, "usage: prompt %d, completion %d, total %d tokens over %d turns\n",
		u.PromptTokens, u.CompletionTokens, u.TotalTokens, r.turns)
	if u.CachedTokens > 0 && u.PromptTokens > 0 {
		fmt.Fprintf(r.out, "  cached: %d (%d%% of prompt)\n", u.CachedTokens, 100*u.CachedTokens/u.PromptTokens)
	}
}

func (r *repl) stats() {
	if r.opts.SessionID == "" {
		fmt.Fprintln(r.out, "No conversation yet.")
		return
	}
	st, ok := r.d.GetSessionStore().Get(r.opts.SessionID)
	if !ok {
		fmt.Fprintln(r.out, "No conversation yet.")
		return
	}
	counts := map[session.Role]int{}
	for _, m := range st.History {
		counts[m.Role]++
	}
	fmt.Fprintf(r.out, "Conversation: %d messages, ~%d tokens\n", len(st.History), agent.EstimateTokens(st.History))
	fmt.Fprintf(r.out, "  user: %d, assistant: %d, tool: %d\n",
		counts[session.RoleUser], counts[session.RoleAssistant], counts[session.RoleTool])
}

func (r *repl) goodbye() {
	fmt.Fprintln(r.out)
	if r.turns > 0 {
		r.printUsage()
	}
	fmt.Fprintln(r.out, "Goodbye!")
}
