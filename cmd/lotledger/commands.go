package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/lotledger/lotledger/cmd/lotledger/cli"
	"github.com/lotledger/lotledger/internal/app"
	"github.com/lotledger/lotledger/internal/ledger"
	"github.com/lotledger/lotledger/internal/platform/cache"
	"github.com/lotledger/lotledger/internal/platform/db"
	"github.com/lotledger/lotledger/internal/shared"
)

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	switch args[0] {
	case "jobs:trigger":
		return runJobsTrigger(ctx, cfg, args[1:])
	case "jobs:inspect":
		return runJobsInspect(ctx, cfg)
	case "rebuild":
		return runRebuild(ctx, cfg, logger, args[1:])
	case "reconcile":
		return runReconcile(ctx, cfg, logger, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		fmt.Fprintln(os.Stderr, "commands: jobs:trigger <task>, jobs:inspect, rebuild, reconcile")
		return 2
	}
}

func runJobsTrigger(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: jobs:trigger <task-type> [-tenant N] [-product N]")
		return 2
	}
	name := args[0]
	fs := flag.NewFlagSet("jobs:trigger", flag.ContinueOnError)
	tenantID := fs.Int64("tenant", 0, "restrict to one tenant (0 = all)")
	productID := fs.Int64("product", 0, "restrict to one product (0 = all)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	info, err := jobsCLI.Trigger(ctx, name, cli.TriggerScope{TenantID: *tenantID, ProductID: *productID})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("enqueued %s id=%s queue=%s\n", name, info.ID, info.Queue)
	return 0
}

func runJobsInspect(ctx context.Context, cfg *app.Config) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	return 0
}

// runRebuild rebuilds projections directly, without going through the queue.
// Useful when the worker is down and the projections are known to be stale.
func runRebuild(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	tenantID := fs.Int64("tenant", 0, "restrict to one tenant (0 = all)")
	productID := fs.Int64("product", 0, "restrict to one product (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis connect", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	repo := ledger.NewRepository(pool)
	onHandCache := ledger.NewOnHandCache(redisClient, cfg.OnHandCacheTTL)
	projector := ledger.NewProjector(repo, onHandCache, nil, logger)

	deltas, err := projector.Rebuild(ctx, ledger.RebuildScope{TenantID: *tenantID, ProductID: *productID})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, delta := range deltas {
		fmt.Printf("tenant=%d product=%d previous=%d new=%d created=%t\n",
			delta.TenantID, delta.ProductID, delta.Previous, delta.New, delta.Created)
	}
	fmt.Printf("corrected %d projection rows\n", len(deltas))
	return 0
}

func runReconcile(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	tenantID := fs.Int64("tenant", 0, "tenant to reconcile (required)")
	productID := fs.Int64("product", 0, "restrict to one product (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenantID == 0 {
		fmt.Fprintln(os.Stderr, "reconcile: -tenant is required")
		return 2
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	repo := ledger.NewRepository(pool)
	auditLogger := shared.NewAuditLogger(pool)
	reconciler := ledger.NewReconciler(repo, auditLogger, nil, logger, mustEpsilon(cfg, logger))

	var product *int64
	if *productID != 0 {
		product = productID
	}
	report, err := reconciler.Reconcile(ctx, *tenantID, product)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("tenant=%d sold_from_lots=%s sold_from_allocations=%s divergence=%s diverged=%t\n",
		report.TenantID, report.SoldCostFromLots, report.SoldCostFromAllocations,
		report.Divergence, report.Diverged)
	if report.Diverged {
		return 1
	}
	return 0
}
