package cli

import (
	"fmt"
	"os"

	"github.com/harun/pilot/internal/config"
	"github.com/harun/pilot/internal/daemon"
	"github.com/harun/pilot/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Pilot - coding agent session runtime",
	Long: `Pilot runs coding-agent sessions for editors and terminals.
It speaks the Agent Client Protocol over stdio or websockets, keeps sessions
on disk, and asks before running dangerous tools.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pilot/pilot.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if flag := cmd.Flag("log-level"); flag != nil && flag.Changed {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Console output goes to stderr when
// stdout carries protocol traffic or command output.
func newLogger(cfg *config.Config, stderr bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Stderr:    stderr,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// bootstrap loads config, logger and daemon for a command. The caller owns
// closing the returned logger.
func bootstrap(cmd *cobra.Command, stderr bool, adjust func(*config.Config)) (*daemon.Daemon, *logger.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}

	log, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		log.Close()
		return nil, nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	d, err := daemon.New(cfg, log, daemon.Options{CWD: cwd, Version: version})
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return d, log, nil
}
