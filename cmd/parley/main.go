// Parley is a conversational agent server.
//
// It streams chat turns over HTTP, runs tools discovered from MCP
// servers, holds sensitive tool calls for human confirmation and records
// scheduled task notifications in their conversation. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve               Start the API server
//	parley init [dir]          Write a starter config.yaml
//	parley ask <prompt>        Run one turn and stream the reply to stdout
//	parley tasks               List scheduled tasks
//	parley tasks history <id>  Show a task's recent executions
//	parley tasks run <id>      Fire a task now
//	parley usage               Summarize token usage
//	parley version             Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// run is the real entry point. The command tree is built per call so
// concurrent tests never share flag state.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Conversational agent server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config.yaml")
	pf.StringVar(&flags.logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "override logging.format (text, json)")

	root.AddCommand(
		newServeCmd(&flags, stdout),
		newAskCmd(&flags, stdout, stderr),
		newTasksCmd(&flags, stdout, stderr),
		newUsageCmd(&flags, stdout),
		newInitCmd(stdout),
		newVersionCmd(stdout),
	)

	return root.ExecuteContext(ctx)
}

// loadConfig finds, loads and validates the configuration, then applies
// the command-line overrides.
func loadConfig(flags *globalFlags) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(flags.configPath)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	return config.NewLogger(w, cfg.Logging.Level, cfg.Logging.Format)
}
