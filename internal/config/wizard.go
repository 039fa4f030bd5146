package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard walks through the settings a first run needs
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for provider, key, model, permission behaviour and log level,
// starting from base (or the defaults when base is nil).
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== pilot configuration ===")
	fmt.Fprintln(w.out)

	for {
		provider, err := w.ask("Model provider (openai/anthropic/echo)", cfg.Model.Provider)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Model.Provider = provider
		break
	}

	if cfg.Model.Provider == "openai" || cfg.Model.Provider == "anthropic" {
		for {
			key, err := w.ask("API key (Enter to read it from the environment)", "")
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key, cfg.Model.Provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Model.APIKey = key
			break
		}
	}

	model, err := w.ask("Model name", cfg.Model.Name)
	if err != nil {
		return nil, err
	}
	cfg.Model.Name = model

	confirm, err := w.ask("Ask before running dangerous tools? (y/n)", yesNo(cfg.Agent.RequirePermission))
	if err != nil {
		return nil, err
	}
	cfg.Agent.RequirePermission = !strings.EqualFold(confirm, "n")

	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return cfg, nil
}

// ask prints a prompt with its default and returns the answer, or the
// default for an empty line. EOF counts as an empty answer.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
