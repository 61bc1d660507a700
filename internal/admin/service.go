// Package admin implements bonus code maintenance and client bonus rate
// settings behind the admin API.
package admin

import (
	"bonus_sync/internal/cache"
	"bonus_sync/internal/repo"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var validate = validator.New()

type BonusStore interface {
	ListBonusCodes(ctx context.Context) ([]repo.BonusCode, error)
	ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error)
	UpdateBatch(ctx context.Context, codes []repo.BonusCode) (int, error)
	ListClientBonusRates(ctx context.Context) ([]repo.ClientBonusRate, error)
	CurrentClientBonusRate(ctx context.Context) (decimal.Decimal, bool, error)
	AddClientBonusRate(ctx context.Context, createdDate time.Time, rate decimal.Decimal) (repo.ClientBonusRate, error)
}

// Invalidator drops a cached reference table so the next sync reloads it.
type Invalidator interface {
	Invalidate(kind cache.Kind) error
}

type Service struct {
	store  BonusStore
	cache  Invalidator
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store BonusStore, inv Invalidator, logger *zap.Logger) *Service {
	return &Service{store: store, cache: inv, logger: logger, now: time.Now}
}

type CodeItem struct {
	Code  string  `json:"code"`
	Bonus float64 `json:"bonus"`
}

type UpdateItem struct {
	Code  string   `json:"code" validate:"required"`
	Bonus *float64 `json:"bonus" validate:"required"`
}

type UpdateResult struct {
	Success bool     `json:"success"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

// List returns every bonus code in natural order (A2 before A10).
func (s *Service) List(ctx context.Context) ([]CodeItem, error) {
	codes, err := s.store.ListBonusCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bonus codes: %w", err)
	}
	sort.SliceStable(codes, func(i, j int) bool {
		return naturalLess(codes[i].Code, codes[j].Code)
	})

	items := make([]CodeItem, 0, len(codes))
	for _, c := range codes {
		items = append(items, CodeItem{Code: c.Code, Bonus: c.Amount.InexactFloat64()})
	}
	return items, nil
}

// Update changes the amounts of existing codes. Invalid items are reported in
// Errors and the rest are still applied. Unknown codes are never created.
func (s *Service) Update(ctx context.Context, userID string, items []UpdateItem) (UpdateResult, error) {
	res := UpdateResult{Errors: []string{}}

	var candidates []repo.BonusCode
	for _, item := range items {
		if err := validate.Struct(item); err != nil {
			res.Errors = append(res.Errors, "Missing code or bonus field")
			continue
		}
		code := strings.TrimSpace(item.Code)
		if code == "" {
			res.Errors = append(res.Errors, "Empty code")
			continue
		}
		amount := decimal.NewFromFloat(*item.Bonus)
		if amount.IsNegative() {
			res.Errors = append(res.Errors, fmt.Sprintf("Invalid bonus value for code %s", code))
			continue
		}
		candidates = append(candidates, repo.BonusCode{Code: code, Amount: amount})
	}

	valid, unknown, err := s.splitExisting(ctx, candidates)
	if err != nil {
		return UpdateResult{}, err
	}
	for _, c := range unknown {
		res.Errors = append(res.Errors, fmt.Sprintf("Code '%s' does not exist in database", c.Code))
	}
	if len(valid) == 0 {
		return res, nil
	}

	updated, err := s.store.UpdateBatch(ctx, valid)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update bonus codes: %w", err)
	}
	s.invalidate()

	s.logger.Info("bonus codes updated",
		zap.String("user_id", userID),
		zap.Int("submitted", len(items)),
		zap.Int("updated", updated),
		zap.Int("errors", len(res.Errors)),
	)

	res.Success = true
	res.Updated = updated
	return res, nil
}

// splitExisting separates codes known to the store from unknown ones, keeping order.
func (s *Service) splitExisting(ctx context.Context, codes []repo.BonusCode) ([]repo.BonusCode, []repo.BonusCode, error) {
	if len(codes) == 0 {
		return nil, nil, nil
	}
	names := make([]string, 0, len(codes))
	for _, c := range codes {
		names = append(names, c.Code)
	}
	exists, err := s.store.ExistingCodes(ctx, names)
	if err != nil {
		return nil, nil, fmt.Errorf("check bonus codes: %w", err)
	}

	var known, unknown []repo.BonusCode
	for _, c := range codes {
		if exists[c.Code] {
			known = append(known, c)
		} else {
			unknown = append(unknown, c)
		}
	}
	return known, unknown, nil
}

func (s *Service) invalidate() {
	if err := s.cache.Invalidate(cache.KindBonusCodes); err != nil {
		s.logger.Warn("failed to invalidate bonus code cache", zap.Error(err))
	}
}

type ClientRate struct {
	ID          int64   `json:"id"`
	CreatedDate string  `json:"created_date"`
	BonusRate   float64 `json:"bonus_rate"`
	CreatedAt   string  `json:"created_at"`
}

func toClientRate(r repo.ClientBonusRate) ClientRate {
	return ClientRate{
		ID:          r.ID,
		CreatedDate: r.CreatedDate.Format(time.DateOnly),
		BonusRate:   r.BonusRate.InexactFloat64(),
		CreatedAt:   r.CreatedAt.Format(time.DateTime),
	}
}

func (s *Service) ClientRates(ctx context.Context) ([]ClientRate, error) {
	rates, err := s.store.ListClientBonusRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list client bonus rates: %w", err)
	}
	out := make([]ClientRate, 0, len(rates))
	for _, r := range rates {
		out = append(out, toClientRate(r))
	}
	return out, nil
}

// CurrentClientRate returns nil when no rate has been set.
func (s *Service) CurrentClientRate(ctx context.Context) (*float64, error) {
	rate, ok, err := s.store.CurrentClientBonusRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("current client bonus rate: %w", err)
	}
	if !ok {
		return nil, nil
	}
	v := rate.InexactFloat64()
	return &v, nil
}

type AddRateRequest struct {
	BonusRate   *float64 `json:"bonus_rate" validate:"required,gte=0,lte=100"`
	CreatedDate string   `json:"created_date" validate:"omitempty,datetime=2006-01-02"`
}

type AddRateResult struct {
	Success bool        `json:"success"`
	Errors  []string    `json:"errors,omitempty"`
	Data    *ClientRate `json:"data,omitempty"`
}

// AddClientRate stores a new dated rate. The date defaults to today.
func (s *Service) AddClientRate(ctx context.Context, userID string, req AddRateRequest) (AddRateResult, error) {
	if err := validate.Struct(req); err != nil {
		return AddRateResult{Errors: rateErrors(err)}, nil
	}

	date := s.now()
	if req.CreatedDate != "" {
		parsed, err := time.Parse(time.DateOnly, req.CreatedDate)
		if err != nil {
			return AddRateResult{Errors: []string{"Invalid date format, expected YYYY-MM-DD"}}, nil
		}
		date = parsed
	}
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	stored, err := s.store.AddClientBonusRate(ctx, date, decimal.NewFromFloat(*req.BonusRate))
	if err != nil {
		return AddRateResult{}, fmt.Errorf("add client bonus rate: %w", err)
	}

	s.logger.Info("client bonus rate added",
		zap.String("user_id", userID),
		zap.Float64("bonus_rate", *req.BonusRate),
		zap.String("created_date", date.Format(time.DateOnly)),
	)

	rate := toClientRate(stored)
	return AddRateResult{Success: true, Data: &rate}, nil
}

func rateErrors(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Field() {
		case "BonusRate":
			out = append(out, "Bonus rate must be a number from 0 to 100")
		case "CreatedDate":
			out = append(out, "Invalid date format, expected YYYY-MM-DD")
		default:
			out = append(out, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return out
}
