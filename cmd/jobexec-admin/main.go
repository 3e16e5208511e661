package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/target/jobexec/config"
	"github.com/target/jobexec/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = 2 * time.Minute
)

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stderr); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: bootstrap.ConfigureLogger(&cfg),
		Config: cfg,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		cmdCtx.Logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	all := []command{
		{name: "migrate", description: "Run database migrations", run: runMigrations},
		{name: "migrate-status", description: "Show applied and pending migrations", run: runMigrationStatus},
		{name: "stats", description: "Count jobs per partition", run: runStats},
		{name: "list-jobs", description: "List jobs, optionally by state, handler type or scope", run: runListJobs},
		{name: "list-dead-letter", description: "List dead-letter jobs", run: runListDeadLetter},
		{name: "resurrect", description: "Move a dead-letter job back to ready with a new retry budget", run: runResurrect},
		{name: "execute", description: "Force-execute a job now, ignoring its due date", run: runExecute},
		{name: "delete-job", description: "Delete a job", run: runDeleteJob},
		{name: "suspend-scope", description: "Suspend every job of a scope", run: runSuspendScope},
		{name: "activate-scope", description: "Re-activate the suspended jobs of a scope", run: runActivateScope},
		{name: "sweep", description: "Release expired locks of dead workers once", run: runSweep},
		{name: "categories", description: "List, enable or disable job categories (Redis)", run: runCategories},
		{name: "history", description: "Show the recorded history of a scope", run: runHistory},
		{name: "batch-list", description: "List batches", run: runBatchList},
		{name: "batch-status", description: "Show a batch and its part counts", run: runBatchStatus},
		{name: "batch-parts", description: "List the parts of a batch, optionally filtered by JMESPath", run: runBatchParts},
		{name: "batch-delete", description: "Delete a batch with its parts and jobs", run: runBatchDelete},
	}
	m := make(map[string]command, len(all))
	for _, c := range all {
		m[c.name] = c
	}
	return m
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: jobexec-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := writef(w, "  %-18s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

// parseArgs parses flags that may appear before, between or after positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func requireArgs(name string, args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: jobexec-admin %s %s", name, usage)
	}
	return nil
}

// commandScope bounds a command by timeout and stops it on interrupt.
func commandScope(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}

var errAborted = errors.New("aborted by user")
