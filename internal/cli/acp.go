package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/pilot/internal/config"
	"github.com/harun/pilot/pkg/acp"
	"github.com/spf13/cobra"
)

var acpCmd = &cobra.Command{
	Use:   "acp",
	Short: "Serve the Agent Client Protocol over stdio",
	Long: `Serve the Agent Client Protocol over stdin and stdout, one JSON-RPC
message per line. Editors launch this command as their agent process.
Logs go to stderr and the log file.`,
	Args: cobra.NoArgs,
	RunE: runACP,
}

func init() {
	rootCmd.AddCommand(acpCmd)
}

func runACP(cmd *cobra.Command, args []string) error {
	d, log, err := bootstrap(cmd, true, func(cfg *config.Config) {
		// The gateway has its own command; stdio mode never listens.
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

	serveErr := d.ServeACP(ctx, acp.NewStreamTransport(cmd.InOrStdin(), os.Stdout))
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	if err := d.Stop(); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
	return serveErr
}
