package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/target/jobexec/internal/bootstrap"
	"github.com/target/jobexec/internal/domain/model"
)

func runStats(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("stats")
	format := outputFlag(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		stats, err := svc.Jobs.Stats(ctx)
		if err != nil {
			return err
		}
		return renderStats(cmdCtx, *format, stats)
	})
}

func renderStats(cmdCtx *commandContext, format outputFormat, stats *model.JobStats) error {
	return render(cmdCtx.Out, format, stats, func(tw *tabwriter.Writer) error {
		rows := []struct {
			name  string
			count int
		}{
			{"timer", stats.Timer},
			{"ready", stats.Ready},
			{"locked", stats.Locked},
			{"suspended", stats.Suspended},
			{"dead_letter", stats.DeadLetter},
			{"history", stats.History},
		}
		if err := writeln(tw, "PARTITION\tJOBS"); err != nil {
			return err
		}
		for _, r := range rows {
			if err := writef(tw, "%s\t%d\n", r.name, r.count); err != nil {
				return err
			}
		}
		return nil
	})
}

type listJobsOptions struct {
	State       string
	HandlerType string
	ScopeID     string
	Limit       int
	Offset      int
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("list-jobs")
	var opts listJobsOptions
	fs.StringVar(&opts.State, "state", "", "Only jobs in this partition (timer, ready, suspended, dead_letter, history)")
	fs.StringVar(&opts.HandlerType, "handler-type", "", "Only jobs of this handler type")
	fs.StringVar(&opts.ScopeID, "scope", "", "Only jobs of this scope")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of jobs")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	format := outputFlag(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	listOpts, err := opts.toModel()
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		jobs, err := svc.Jobs.List(ctx, listOpts)
		if err != nil {
			return err
		}
		return renderJobs(cmdCtx.Out, *format, jobs)
	})
}

func (o listJobsOptions) toModel() (model.JobListOptions, error) {
	out := model.JobListOptions{
		HandlerType: o.HandlerType,
		ScopeID:     o.ScopeID,
		Limit:       o.Limit,
		Offset:      o.Offset,
	}
	if o.State != "" {
		var state model.JobState
		if err := state.UnmarshalText([]byte(o.State)); err != nil {
			return out, err
		}
		out.State = &state
	}
	if o.Limit < 0 || o.Offset < 0 {
		return out, errors.New("--limit and --offset must not be negative")
	}
	return out, nil
}

func runListDeadLetter(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("list-dead-letter")
	limit := fs.Int("limit", 50, "Maximum number of jobs")
	offset := fs.Int("offset", 0, "Number of jobs to skip")
	format := outputFlag(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		jobs, err := svc.Jobs.ListDeadLetter(ctx, *limit, *offset)
		if err != nil {
			return err
		}
		return renderJobs(cmdCtx.Out, *format, jobs)
	})
}

func runResurrect(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("resurrect")
	retries := fs.Int("retries", model.DefaultRetries, "Retry budget given back to the job")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := requireArgs("resurrect", pos, 1, "<job-id> [--retries N]"); err != nil {
		return err
	}
	if *retries < 1 {
		return errors.New("--retries must be at least 1")
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		j, err := svc.Jobs.Resurrect(ctx, pos[0], *retries)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "job %s resurrected into %s with %d retries\n", j.ID, j.State, j.Retries)
	})
}

func runExecute(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("execute")
	owner := fs.String("owner", "", "Lock owner recorded while the job runs (default: a generated admin id)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := requireArgs("execute", pos, 1, "<job-id> [--owner NAME]"); err != nil {
		return err
	}
	if *owner == "" {
		*owner = "admin-" + uuid.NewString()
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		j, err := svc.Jobs.Get(ctx, pos[0])
		if err != nil {
			return err
		}
		// Only built-in handlers are available here; other jobs would fail and burn a retry.
		if !slices.Contains(svc.Executor.HandlerTypes(), j.HandlerType) {
			return fmt.Errorf("no handler for %q in this binary; run it from the owning service", j.HandlerType)
		}
		exec, err := svc.Executor.ExecuteNow(ctx, j.ID, *owner)
		if err != nil {
			return err
		}
		state := string(exec.State)
		if state == "" {
			state = "deleted"
		}
		if err := writef(cmdCtx.Out, "job %s: outcome=%s transition=%s state=%s duration=%s\n",
			exec.JobID, exec.Outcome, exec.Transition, state, exec.Duration); err != nil {
			return err
		}
		if exec.Err != nil {
			return writef(cmdCtx.Out, "error: %v\n", exec.Err)
		}
		return nil
	})
}

func runDeleteJob(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("delete-job")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := requireArgs("delete-job", pos, 1, "<job-id> [--yes]"); err != nil {
		return err
	}
	if err := confirm(os.Stdin, cmdCtx.Out, *yes, fmt.Sprintf("delete job %s", pos[0])); err != nil {
		return err
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		if err := svc.Jobs.Delete(ctx, pos[0]); err != nil {
			return err
		}
		return writef(cmdCtx.Out, "job %s deleted\n", pos[0])
	})
}

func runSuspendScope(cmdCtx *commandContext, args []string) error {
	return runScopeMove(cmdCtx, "suspend-scope", args, func(ctx context.Context, svc bootstrap.ServiceContainer, id string) (int, error) {
		return svc.Jobs.SuspendScope(ctx, id)
	})
}

func runActivateScope(cmdCtx *commandContext, args []string) error {
	return runScopeMove(cmdCtx, "activate-scope", args, func(ctx context.Context, svc bootstrap.ServiceContainer, id string) (int, error) {
		return svc.Jobs.ActivateScope(ctx, id)
	})
}

func runScopeMove(
	cmdCtx *commandContext,
	name string,
	args []string,
	move func(context.Context, bootstrap.ServiceContainer, string) (int, error),
) error {
	pos, err := parseArgs(newFlagSet(name), args)
	if err != nil {
		return err
	}
	if err := requireArgs(name, pos, 1, "<scope-id>"); err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		n, err := move(ctx, svc, pos[0])
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "%d jobs of scope %s moved\n", n, pos[0])
	})
}

func runSweep(cmdCtx *commandContext, args []string) error {
	if _, err := parseArgs(newFlagSet("sweep"), args); err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		jobs, scopes, err := bootstrap.SweepOnce(ctx, bootstrap.SweeperRunConfig{
			Services: svc,
			Config:   cmdCtx.Config.Sweeper,
			Logger:   cmdCtx.Logger,
		})
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "released %d job locks and %d scope locks\n", jobs, scopes)
	})
}

func runHistory(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("history")
	limit := fs.Int("limit", 50, "Maximum number of entries")
	format := outputFlag(fs)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := requireArgs("history", pos, 1, "<scope-id> [--limit N]"); err != nil {
		return err
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		entries, err := svc.Store.HistoryEntries().ListByScope(ctx, pos[0], *limit)
		if err != nil {
			return err
		}
		return renderHistory(cmdCtx, *format, entries)
	})
}

type historyView struct {
	ID        string            `json:"id"         yaml:"id"`
	Type      string            `json:"type"       yaml:"type"`
	ScopeID   string            `json:"scope_id"   yaml:"scope_id"`
	Data      map[string]string `json:"data"       yaml:"data"`
	CreatedAt string            `json:"created_at" yaml:"created_at"`
}

func renderHistory(cmdCtx *commandContext, format outputFormat, entries []*model.HistoryEntry) error {
	views := make([]historyView, 0, len(entries))
	for _, e := range entries {
		views = append(views, historyView{
			ID:        e.ID,
			Type:      e.Type,
			ScopeID:   e.ScopeID,
			Data:      e.Data,
			CreatedAt: formatTime(&e.CreatedAt),
		})
	}
	return render(cmdCtx.Out, format, views, func(tw *tabwriter.Writer) error {
		if err := writeln(tw, "CREATED\tTYPE\tID"); err != nil {
			return err
		}
		for _, v := range views {
			if err := writef(tw, "%s\t%s\t%s\n", v.CreatedAt, v.Type, v.ID); err != nil {
				return err
			}
		}
		return nil
	})
}
