package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/pilot/internal/config"
	"github.com/spf13/cobra"
)

var (
	serveHost  string
	servePort  int
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Agent Client Protocol over websockets",
	Long: `Start the websocket gateway. Each connection to /ws is one ACP client;
/metrics serves Prometheus metrics and /healthz reports liveness.
Runs in the foreground until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides gateway.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides gateway.port)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "token clients must present (overrides gateway.token)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	d, log, err := bootstrap(cmd, false, func(cfg *config.Config) {
		cfg.Gateway.Enabled = true
		if serveHost != "" {
			cfg.Gateway.Host = serveHost
		}
		if servePort > 0 {
			cfg.Gateway.Port = servePort
		}
		if serveToken != "" {
			cfg.Gateway.Token = serveToken
		}
	})
	if err != nil {
		return err
	}
	defer log.Close()

	pidFile := getPIDFilePath(d.GetConfig().DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("pilot is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pilot listening on ws://%s/ws\n", d.GetGatewayServer().Addr())
	if d.GetConfig().Gateway.Token == "" {
		log.Warn().Msg("Gateway token is empty, any local client can connect")
	}

	return d.Wait(context.Background())
}
