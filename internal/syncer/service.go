package syncer

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/enricher"
	"bonus_sync/internal/lookup"
	"bonus_sync/internal/progress"
	"bonus_sync/internal/repo"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrRunInProgress = errors.New("sync run already in progress")
	ErrDealNotFound  = errors.New("deal not found in remote")
)

type Remote interface {
	bitrix.Caller
	Batch(ctx context.Context, cmds map[string]bitrix.Command) (bitrix.BatchResult, error)
}

type DealStore interface {
	DealIDRange(ctx context.Context) (repo.IDRange, error)
	NextDealIDs(ctx context.Context, cursor int64, ascending bool, limit int) ([]int64, error)
	CountDealIDs(ctx context.Context, cursor int64, ascending bool) (int64, error)
	UpsertDeals(ctx context.Context, rows []repo.DealRecord, mode repo.UpsertMode) (repo.UpsertStats, error)
	GetWatermark(ctx context.Context, key string) (time.Time, error)
	SetWatermark(ctx context.Context, key string, wm time.Time) error
}

type RateSource interface {
	CurrentClientBonusRate(ctx context.Context) (decimal.Decimal, bool, error)
}

type ReferenceSource interface {
	References(ctx context.Context) (lookup.References, error)
	Clear() error
}

type Checkpoints interface {
	Load() (*progress.Checkpoint, error)
	Save(cp *progress.Checkpoint) error
	Delete() error
	Lock(runID string) error
	Unlock(runID string) error
}

type Profile struct {
	PageSize        int
	Parallelism     int
	Delay           time.Duration
	BulkSize        int
	CheckpointEvery int
}

type Settings struct {
	// Transport selects the batched fetcher ("batch") or parallel per-deal calls ("direct").
	Transport    string
	Normal       Profile
	Fast         Profile
	StateKey     string
	DeltaOverlap time.Duration
	RetryCount   int
	PushBack     PushBackFields
}

type Service struct {
	remote   Remote
	store    DealStore
	rates    RateSource
	refs     ReferenceSource
	tracker  Checkpoints
	enricher *enricher.Enricher
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(
	remote Remote,
	store DealStore,
	rates RateSource,
	refs ReferenceSource,
	tracker Checkpoints,
	enr *enricher.Enricher,
	settings Settings,
	logger *zap.Logger,
) *Service {
	settings.Normal = normalizeProfile(settings.Normal)
	settings.Fast = normalizeProfile(settings.Fast)
	if settings.RetryCount < 1 {
		settings.RetryCount = 3
	}
	if settings.StateKey == "" {
		settings.StateKey = "deals_sync"
	}
	return &Service{
		remote:   remote,
		store:    store,
		rates:    rates,
		refs:     refs,
		tracker:  tracker,
		enricher: enr,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

func normalizeProfile(p Profile) Profile {
	if p.PageSize <= 0 || p.PageSize > bitrix.MaxBatchCommands {
		p.PageSize = bitrix.MaxBatchCommands
	}
	if p.Parallelism <= 0 {
		p.Parallelism = 10
	}
	if p.BulkSize <= 0 {
		p.BulkSize = 100
	}
	if p.CheckpointEvery <= 0 {
		p.CheckpointEvery = 1
	}
	return p
}

func (s *Service) profile(fast bool) Profile {
	if fast {
		return s.settings.Fast
	}
	return s.settings.Normal
}

// Reset drops the checkpoint and every cached reference snapshot. It refuses
// with ErrRunInProgress while a run holds the lock.
func (s *Service) Reset() error {
	runID := uuid.NewString()
	if err := s.tracker.Lock(runID); err != nil {
		if errors.Is(err, progress.ErrLocked) {
			return ErrRunInProgress
		}
		return fmt.Errorf("lock: %w", err)
	}
	defer func() {
		if err := s.tracker.Unlock(runID); err != nil {
			s.logger.Warn("failed to release sync lock", zap.Error(err))
		}
	}()
	return s.reset()
}

// reset clears state; the caller must hold the run lock.
func (s *Service) reset() error {
	if err := s.tracker.Delete(); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if err := s.refs.Clear(); err != nil {
		return fmt.Errorf("clear reference cache: %w", err)
	}
	s.logger.Info("progress and reference cache cleared")
	return nil
}

// clientRate returns the current client bonus rate, or nil when none applies.
func (s *Service) clientRate(ctx context.Context) *decimal.Decimal {
	rate, ok, err := s.rates.CurrentClientBonusRate(ctx)
	if err != nil {
		s.logger.Warn("client bonus rate unavailable, client bonus skipped", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &rate
}

func (s *Service) clientRateIf(ctx context.Context, bonusCalc bool) *decimal.Decimal {
	if !bonusCalc {
		return nil
	}
	return s.clientRate(ctx)
}
