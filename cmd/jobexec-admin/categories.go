package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/target/jobexec/internal/bootstrap"
)

var errNoCategories = errors.New("categories live in Redis; set REDIS_ENABLED=true")

func runCategories(cmdCtx *commandContext, args []string) error {
	pos, err := parseArgs(newFlagSet("categories"), args)
	if err != nil {
		return err
	}
	if len(pos) == 0 {
		return errors.New("usage: jobexec-admin categories <list|enable|disable> [category...]")
	}
	action, names := pos[0], pos[1:]
	switch action {
	case "list":
	case "enable", "disable":
		if len(names) == 0 {
			return fmt.Errorf("usage: jobexec-admin categories %s <category...>", action)
		}
	default:
		return fmt.Errorf("unknown categories action %q (valid: list, enable, disable)", action)
	}

	return withServices(cmdCtx, func(ctx context.Context, svc bootstrap.ServiceContainer) error {
		if svc.Categories == nil {
			return errNoCategories
		}
		var (
			enabled []string
			err     error
		)
		switch action {
		case "enable":
			enabled, err = svc.Categories.Enable(ctx, names...)
		case "disable":
			enabled, err = svc.Categories.Disable(ctx, names...)
		default:
			enabled, err = svc.Categories.List(ctx)
		}
		if err != nil {
			return err
		}
		if !cmdCtx.Config.Redis.FilterCategories {
			cmdCtx.Logger.Warn("category filtering is off; executors ignore the enabled set (REDIS_FILTER_CATEGORIES)")
		}
		if len(enabled) == 0 {
			return writeln(cmdCtx.Out, "no categories enabled; only uncategorized jobs run")
		}
		return writef(cmdCtx.Out, "enabled categories: %s\n", strings.Join(enabled, ", "))
	})
}
