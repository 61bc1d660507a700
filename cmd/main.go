package main

import (
	"bonus_sync/internal/jobs"
	"bonus_sync/internal/syncer"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bonus-sync",
		Short:         "Sync CRM deals into Postgres and compute bonus turnover",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newSyncCommand(),
		newResetCommand(),
		newDealCommand(),
		newDeltaCommand(),
		newDiscoverCommand(),
		newServeCommand(),
		newMigrateCommand(),
	)
	return cmd
}

// withApp builds the dependencies, runs fn and releases them.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newSyncCommand() *cobra.Command {
	var opts syncer.Options

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Process stored deals in chunks, resuming from the last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sum, err := a.syncer.Run(ctx, opts)
				if errors.Is(err, context.Canceled) {
					a.logger.Warn("sync interrupted, progress saved",
						zap.Int64("last_processed_id", sum.LastProcessedID))
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"status=%s processed=%d succeeded=%d failed=%d inserted=%d updated=%d unchanged=%d pushed=%d duration=%s\n",
					sum.Status, sum.Processed, sum.Succeeded, sum.Failed,
					sum.Upserts.Inserted, sum.Upserts.Updated, sum.Upserts.Unchanged,
					sum.PushBack.Updated, sum.Duration.Round(time.Second))
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.Reset, "reset", false, "clear progress and reference cache first")
	f.IntVar(&opts.Limit, "limit", 0, "stop after N deals (0 = no limit)")
	f.BoolVar(&opts.Fresh, "fresh", false, "ignore the checkpoint and start from the lowest id")
	f.BoolVar(&opts.Fast, "fast", false, "use the fast throughput profile")
	f.BoolVar(&opts.BonusCalc, "bonus-calc", false, "compute client bonus and push results back to the CRM")
	return cmd
}

func newResetCommand() *cobra.Command {
	var unlock bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the checkpoint and cached reference data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if unlock {
					if err := a.tracker.ResetLock(); err != nil {
						return err
					}
					a.logger.Warn("run lock removed")
				}
				if err := a.syncer.Reset(); err != nil {
					if errors.Is(err, syncer.ErrRunInProgress) {
						return fmt.Errorf("%w; pass --unlock if the previous run crashed", err)
					}
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unlock, "unlock", false, "also remove the run lock left by a crashed process")
	return cmd
}

func newDealCommand() *cobra.Command {
	var bonusCalc bool

	cmd := &cobra.Command{
		Use:   "deal <id>",
		Short: "Refresh a single deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid deal id %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.syncer.ProcessDeal(ctx, id, bonusCalc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"deal=%d quantity=%s turnover_a=%s turnover_b=%s bonus_a=%s bonus_b=%s\n",
					rec.ID, rec.Quantity.StringFixed(2),
					rec.TurnoverA.StringFixed(2), rec.TurnoverB.StringFixed(2),
					rec.BonusA.StringFixed(2), rec.BonusB.StringFixed(2))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&bonusCalc, "bonus-calc", false, "compute client bonus and push results back to the CRM")
	return cmd
}

func newDeltaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delta",
		Short: "Refresh deals modified since the stored watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sum, err := a.syncer.DeltaSync(ctx)
				if err != nil {
					return err
				}
				printDelta(cmd, sum)
				return nil
			})
		},
	}
}

func newDiscoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List every remote deal and store it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sum, err := a.syncer.FullSync(ctx)
				if err != nil {
					return err
				}
				printDelta(cmd, sum)
				return nil
			})
		},
	}
}

func printDelta(cmd *cobra.Command, sum syncer.DeltaSummary) {
	fmt.Fprintf(cmd.OutOrStdout(), "pages=%d deals=%d failed=%d inserted=%d updated=%d watermark=%s\n",
		sum.Pages, sum.Deals, sum.Failed, sum.Upserts.Inserted, sum.Upserts.Updated,
		sum.Watermark.UTC().Format(time.RFC3339))
}

func newServeCommand() *cobra.Command {
	var deltaOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and webhooks, running delta sync on schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.cfg.ValidateForServe(); err != nil {
					return err
				}
				sched := jobs.NewScheduler(a.logger)
				if err := jobs.RegisterDeltaSyncJob(sched, a.syncer, a.logger,
					a.cfg.Sync.DeltaSchedule, a.cfg.Sync.DeltaTimeout()); err != nil {
					return err
				}
				if deltaOnStart {
					go jobs.NewDeltaSyncJob(a.syncer, a.logger, a.cfg.Sync.DeltaTimeout()).Run()
				}

				sched.Start()
				defer func() { <-sched.Stop().Done() }()

				return a.server().Start(ctx, a.cfg.Admin.Addr)
			})
		},
	}
	cmd.Flags().BoolVar(&deltaOnStart, "delta-on-start", false, "run one delta sync right after startup")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.logger.Info("database schema is up to date")
				return nil
			})
		},
	}
}
