package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/target/jobexec/internal/bootstrap"
	"github.com/target/jobexec/internal/migrate"
)

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("migrate")
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be greater than zero")
	}

	return withDatabase(cmdCtx, *timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if err := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); err != nil {
			return err
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func runMigrationStatus(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("migrate-status")
	format := outputFlag(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		migrations, err := migrate.Status(ctx, db)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return renderMigrations(cmdCtx.Out, *format, migrations)
	})
}

func renderMigrations(w io.Writer, format outputFormat, migrations []migrate.Migration) error {
	return render(w, format, migrations, func(tw *tabwriter.Writer) error {
		if err := writeln(tw, "VERSION\tAPPLIED"); err != nil {
			return err
		}
		for _, m := range migrations {
			applied := "pending"
			if m.AppliedAt != nil {
				applied = formatTime(m.AppliedAt)
			}
			if err := writef(tw, "%s\t%s\n", m.Version, applied); err != nil {
				return err
			}
		}
		return nil
	})
}

// confirm asks before a destructive action unless yes is set.
func confirm(in io.Reader, out io.Writer, yes bool, action string) error {
	if yes {
		return nil
	}
	if err := writef(out, "About to %s. Continue? [y/N]: ", action); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errAborted
}
