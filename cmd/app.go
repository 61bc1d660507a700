package main

import (
	"bonus_sync/internal/admin"
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/cache"
	"bonus_sync/internal/config"
	"bonus_sync/internal/enricher"
	"bonus_sync/internal/logger"
	"bonus_sync/internal/progress"
	"bonus_sync/internal/repo"
	"bonus_sync/internal/server"
	"bonus_sync/internal/syncer"
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	pool    *pgxpool.Pool
	deals   *repo.DealsRepository
	bonus   *repo.BonusRepository
	refs    *cache.Cache
	tracker *progress.Tracker
	syncer  *syncer.Service
	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(&cfg.Logging, &cfg.App)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	if err := a.openDatabase(ctx); err != nil {
		a.Close()
		return nil, err
	}

	store, err := a.openCacheStore()
	if err != nil {
		a.Close()
		return nil, err
	}

	bx := bitrix.NewClient(cfg.Bitrix.WebhookBaseURL, bitrix.Options{
		Timeout:        cfg.Bitrix.Timeout(),
		ConnectTimeout: cfg.Bitrix.ConnectTimeout(),
		MaxConns:       cfg.Sync.Fast.Parallelism,
	})

	a.refs = cache.New(store, bx, a.bonus, cfg.Cache.TTL(), log)
	a.tracker = progress.NewTracker(cfg.Sync.ProgressFile, cfg.Sync.StaleLockAfter())
	enr := enricher.New(cfg.Fields.Channel, cfg.Fields.BonusCodeProperties)

	a.syncer = syncer.NewService(bx, a.deals, a.bonus, a.refs, a.tracker, enr, syncSettings(cfg), log)
	return a, nil
}

func (a *app) openDatabase(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	if a.cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = int32(a.cfg.Database.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("pgxpool.New: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	a.deals = repo.NewDealsRepository(pool)
	a.bonus = repo.NewBonusRepository(pool)

	if err := a.deals.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (a *app) openCacheStore() (cache.Store, error) {
	if a.cfg.Cache.Backend == "badger" {
		bs, err := cache.OpenBadgerStore(a.cfg.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("%w (is another command using the cache? cache.backend=file can be shared)", err)
		}
		a.closers = append(a.closers, func() {
			if err := bs.Close(); err != nil {
				a.logger.Warn("failed to close cache store", zap.Error(err))
			}
		})
		return bs, nil
	}
	return cache.NewFileStore(a.cfg.Cache.Dir)
}

func (a *app) server() *server.Server {
	adminSvc := admin.NewService(a.bonus, a.refs, a.logger)
	return server.New(adminSvc, a.syncer, a.deals, a.tracker, server.Options{
		AllowedUserIDs:     a.cfg.Admin.AllowedUserIDs,
		RateLimitPerMinute: a.cfg.Admin.RateLimitPerMinute,
		StateKey:           a.cfg.Sync.StateKey,
	}, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func syncSettings(cfg *config.Config) syncer.Settings {
	pb := cfg.Fields.PushBack
	return syncer.Settings{
		Transport:    cfg.Sync.Transport,
		Normal:       toProfile(cfg.Sync.Normal),
		Fast:         toProfile(cfg.Sync.Fast),
		StateKey:     cfg.Sync.StateKey,
		DeltaOverlap: cfg.Sync.DeltaOverlap(),
		RetryCount:   cfg.Bitrix.RetryCount,
		PushBack: syncer.PushBackFields{
			TurnoverA:          pb.TurnoverA,
			TurnoverB:          pb.TurnoverB,
			BonusA:             pb.BonusA,
			BonusB:             pb.BonusB,
			Quantity:           pb.Quantity,
			ClientBonus:        pb.ClientBonus,
			ContactResponsible: pb.ContactResponsible,
		},
	}
}

func toProfile(p config.ProfileConfig) syncer.Profile {
	return syncer.Profile{
		PageSize:        p.PageSize,
		Parallelism:     p.Parallelism,
		Delay:           p.Delay(),
		BulkSize:        p.BulkSize,
		CheckpointEvery: p.CheckpointEvery,
	}
}
