package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/target/jobexec/internal/bootstrap"
	"github.com/target/jobexec/internal/domain/model"
)

func runBatchList(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("batch-list")
	batchType := fs.String("type", "", "Only batches of this type")
	status := fs.String("status", "", "Only batches in this status (in_progress, completed)")
	limit := fs.Int("limit", 50, "Maximum number of batches")
	offset := fs.Int("offset", 0, "Number of batches to skip")
	format := outputFlag(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}

	opts := model.BatchListOptions{Type: *batchType, Limit: *limit, Offset: *offset}
	if *status != "" {
		s := model.BatchStatus(*status)
		if s != model.BatchStatusInProgress && s != model.BatchStatusCompleted {
			return fmt.Errorf("unknown batch status %q", *status)
		}
		opts.Status = &s
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		batches, err := svc.Batches.ListBatches(ctx, opts)
		if err != nil {
			return err
		}
		return renderBatches(cmdCtx, *format, batches)
	})
}

func renderBatches(cmdCtx *commandContext, format outputFormat, batches []*model.Batch) error {
	return render(cmdCtx.Out, format, batches, func(tw *tabwriter.Writer) error {
		if err := writeln(tw, "ID\tTYPE\tSTATUS\tCREATED\tCOMPLETED"); err != nil {
			return err
		}
		for _, b := range batches {
			if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n",
				b.ID, b.Type, b.Status, formatTime(&b.CreatedAt), formatTime(b.CompletedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func runBatchStatus(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("batch-status")
	format := outputFlag(fs)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := requireArgs("batch-status", pos, 1, "<batch-id>"); err != nil {
		return err
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		summary, err := svc.Batches.Summary(ctx, pos[0])
		if err != nil {
			return err
		}
		return renderSummary(cmdCtx, *format, summary)
	})
}

func renderSummary(cmdCtx *commandContext, format outputFormat, s *model.BatchSummary) error {
	return render(cmdCtx.Out, format, s, func(tw *tabwriter.Writer) error {
		rows := [][2]string{
			{"ID", s.Batch.ID},
			{"Type", s.Batch.Type},
			{"Status", string(s.Batch.Status)},
			{"Created", formatTime(&s.Batch.CreatedAt)},
			{"Completed", formatTime(s.Batch.CompletedAt)},
			{"Parts", fmt.Sprintf("%d total, %d pending, %d success, %d fail", s.Total, s.Pending, s.Success, s.Fail)},
		}
		for _, r := range rows {
			if err := writef(tw, "%s:\t%s\n", r[0], r[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

func runBatchParts(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("batch-parts")
	status := fs.String("status", "", "Only parts in this status (pending, success, fail)")
	filter := fs.String("filter", "", "JMESPath expression evaluated against each part result")
	limit := fs.Int("limit", 50, "Maximum number of parts")
	offset := fs.Int("offset", 0, "Number of parts to skip")
	format := outputFlag(fs)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := requireArgs("batch-parts", pos, 1, "<batch-id> [--status S] [--filter EXPR]"); err != nil {
		return err
	}

	opts := model.BatchPartListOptions{BatchID: pos[0], Filter: *filter, Limit: *limit, Offset: *offset}
	if *status != "" {
		s := model.PartStatus(*status)
		switch s {
		case model.PartStatusPending, model.PartStatusSuccess, model.PartStatusFail:
		default:
			return fmt.Errorf("unknown part status %q", *status)
		}
		opts.Status = &s
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		parts, err := svc.Batches.ListParts(ctx, opts)
		if err != nil {
			return err
		}
		return renderParts(cmdCtx, *format, parts)
	})
}

func renderParts(cmdCtx *commandContext, format outputFormat, parts []*model.BatchPart) error {
	return render(cmdCtx.Out, format, parts, func(tw *tabwriter.Writer) error {
		if err := writeln(tw, "ID\tSCOPE\tSTATUS\tCOMPLETED\tRESULT"); err != nil {
			return err
		}
		for _, p := range parts {
			if err := writef(tw, "%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.ScopeID, p.Status, formatTime(p.CompletedAt), truncate(string(p.Result), 60)); err != nil {
				return err
			}
		}
		return nil
	})
}

func runBatchDelete(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("batch-delete")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := requireArgs("batch-delete", pos, 1, "<batch-id> [--yes]"); err != nil {
		return err
	}
	if err := confirm(os.Stdin, cmdCtx.Out, *yes, fmt.Sprintf("delete batch %s with its parts and jobs", pos[0])); err != nil {
		return err
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		if err := svc.Batches.DeleteBatch(ctx, pos[0]); err != nil {
			return err
		}
		return writef(cmdCtx.Out, "batch %s deleted\n", pos[0])
	})
}
