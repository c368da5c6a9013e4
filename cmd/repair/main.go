// Package main is the entry point for the repair CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

// errRunFailed reports a run that finished without a verified fix. The run
// summary has already been printed.
var errRunFailed = errors.New("no attempt succeeded")

// configError marks errors found before any work starts.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	var cfgErr *configError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errRunFailed):
		return exitFailure
	case errors.As(err, &cfgErr):
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitConfigError
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailure
	}
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Memory-guided code repair",
		Long: `repair fixes issues in a git repository by sampling candidate patches,
verifying them with the repository's tests and distilling what worked (and
what did not) into a persistent memory that guides later runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &configError{err: err}
	})

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|console)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newMemoryCommand(opts))
	cmd.AddCommand(newChatCommand(opts))

	return cmd
}
