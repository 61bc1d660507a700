package cache

import (
	"bonus_sync/internal/bitrix"
	"bonus_sync/internal/lookup"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Kind string

const (
	KindBonusCodes  Kind = "bonus_codes"
	KindStages      Kind = "stages"
	KindCategories  Kind = "categories"
	KindUsers       Kind = "users"
	KindDepartments Kind = "departments"
	KindUserFields  Kind = "userfields"
)

var AllKinds = []Kind{KindBonusCodes, KindStages, KindCategories, KindUsers, KindDepartments, KindUserFields}

// BonusSource reads the bonus code table from the local store.
type BonusSource interface {
	BonusCodeMap(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Cache serves lookup tables from persisted snapshots and rebuilds them once
// they are older than ttl.
type Cache struct {
	store  Store
	remote bitrix.Caller
	bonus  BonusSource
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, remote bitrix.Caller, bonus BonusSource, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		store:  store,
		remote: remote,
		bonus:  bonus,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// get returns the fresh snapshot for kind or rebuilds it. When a rebuild fails
// an expired snapshot is still served; the error surfaces only without one.
func get[T any](ctx context.Context, c *Cache, kind Kind, rebuild func(context.Context) (T, error)) (T, error) {
	var (
		stale    T
		hasStale bool
	)

	snap, ok, err := c.store.Load(string(kind))
	if err != nil {
		c.logger.Warn("cache snapshot unreadable", zap.String("kind", string(kind)), zap.Error(err))
	}
	if ok {
		var v T
		if err := json.Unmarshal(snap.Data, &v); err != nil {
			c.logger.Warn("cache snapshot corrupt", zap.String("kind", string(kind)), zap.Error(err))
		} else {
			if c.now().Sub(snap.SavedAt) < c.ttl {
				return v, nil
			}
			stale, hasStale = v, true
		}
	}

	fresh, err := rebuild(ctx)
	if err != nil {
		if hasStale {
			c.logger.Warn("cache rebuild failed, serving stale snapshot",
				zap.String("kind", string(kind)),
				zap.Time("saved_at", snap.SavedAt),
				zap.Error(err),
			)
			return stale, nil
		}
		var zero T
		return zero, fmt.Errorf("rebuild %s: %w", kind, err)
	}

	data, err := json.Marshal(fresh)
	if err != nil {
		return fresh, nil
	}
	if err := c.store.Save(string(kind), Snapshot{SavedAt: c.now(), Data: data}); err != nil {
		c.logger.Warn("cache snapshot not saved", zap.String("kind", string(kind)), zap.Error(err))
	}
	return fresh, nil
}

func (c *Cache) BonusCodes(ctx context.Context) (lookup.BonusCodes, error) {
	return get(ctx, c, KindBonusCodes, c.rebuildBonusCodes)
}

func (c *Cache) Stages(ctx context.Context) (lookup.Stages, error) {
	return get(ctx, c, KindStages, c.rebuildStages)
}

func (c *Cache) Categories(ctx context.Context) (lookup.Categories, error) {
	return get(ctx, c, KindCategories, c.rebuildCategories)
}

func (c *Cache) Users(ctx context.Context) (lookup.Users, error) {
	return get(ctx, c, KindUsers, c.rebuildUsers)
}

func (c *Cache) Departments(ctx context.Context) (lookup.Departments, error) {
	return get(ctx, c, KindDepartments, c.rebuildDepartments)
}

func (c *Cache) UserFields(ctx context.Context) (lookup.UserFields, error) {
	return get(ctx, c, KindUserFields, c.rebuildUserFields)
}

// References loads every table. The bonus code table comes from the local
// store and its failure is returned; remote tables degrade to empty.
func (c *Cache) References(ctx context.Context) (lookup.References, error) {
	var refs lookup.References
	var err error

	if refs.BonusCodes, err = c.BonusCodes(ctx); err != nil {
		return lookup.References{}, err
	}

	if refs.Stages, err = c.Stages(ctx); err != nil {
		c.degraded(KindStages, err)
		refs.Stages = lookup.Stages{}
	}
	if refs.Categories, err = c.Categories(ctx); err != nil {
		c.degraded(KindCategories, err)
		refs.Categories = lookup.Categories{}
	}
	if refs.Users, err = c.Users(ctx); err != nil {
		c.degraded(KindUsers, err)
		refs.Users = lookup.Users{}
	}
	if refs.Departments, err = c.Departments(ctx); err != nil {
		c.degraded(KindDepartments, err)
		refs.Departments = lookup.Departments{}
	}
	if refs.UserFields, err = c.UserFields(ctx); err != nil {
		c.degraded(KindUserFields, err)
		refs.UserFields = lookup.UserFields{}
	}
	return refs, nil
}

func (c *Cache) degraded(kind Kind, err error) {
	c.logger.Warn("reference table unavailable, names will be empty",
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
}

// Invalidate drops the snapshot of one kind so the next read rebuilds it.
func (c *Cache) Invalidate(kind Kind) error {
	return c.store.Delete(string(kind))
}

func (c *Cache) Clear() error {
	return c.store.Clear()
}
