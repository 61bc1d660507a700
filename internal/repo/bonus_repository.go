package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type BonusRepository struct {
	pool *pgxpool.Pool
}

type BonusCode struct {
	Code   string
	Amount decimal.Decimal
}

type ClientBonusRate struct {
	ID          int64
	CreatedDate time.Time
	BonusRate   decimal.Decimal
	CreatedAt   time.Time
}

func NewBonusRepository(pool *pgxpool.Pool) *BonusRepository {
	return &BonusRepository{pool: pool}
}

func (r *BonusRepository) ListBonusCodes(ctx context.Context) ([]BonusCode, error) {
	rows, err := r.pool.Query(ctx, `SELECT code, bonus_amount::text FROM bonus_codes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]BonusCode, 0)
	for rows.Next() {
		var code, amount string
		if err := rows.Scan(&code, &amount); err != nil {
			return nil, err
		}
		result = append(result, BonusCode{Code: code, Amount: parseDecimal(amount)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *BonusRepository) BonusCodeMap(ctx context.Context) (map[string]decimal.Decimal, error) {
	codes, err := r.ListBonusCodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(codes))
	for _, c := range codes {
		out[c.Code] = c.Amount
	}
	return out, nil
}

// ExistingCodes reports which of codes are present in bonus_codes.
func (r *BonusRepository) ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT code FROM bonus_codes WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, c := range found {
		out[c] = true
	}
	return out, nil
}

// UpdateBatch changes amounts of existing codes and returns how many rows changed.
// Codes that do not exist are left alone; the table is never extended here.
func (r *BonusRepository) UpdateBatch(ctx context.Context, codes []BonusCode) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, c := range codes {
		batch.Queue(`UPDATE bonus_codes SET bonus_amount = $2 WHERE code = $1`, c.Code, c.Amount.StringFixed(2))
	}

	br := tx.SendBatch(ctx, batch)
	updated := 0
	for _, c := range codes {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("update code %s: %w", c.Code, err)
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}
	if err := br.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return updated, nil
}

func (r *BonusRepository) ListClientBonusRates(ctx context.Context) ([]ClientBonusRate, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, created_date, bonus_rate::text, created_at
FROM bonus_clients
ORDER BY created_date DESC, id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]ClientBonusRate, 0)
	for rows.Next() {
		var c ClientBonusRate
		var rate string
		if err := rows.Scan(&c.ID, &c.CreatedDate, &rate, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.BonusRate = parseDecimal(rate)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CurrentClientBonusRate returns the rate with the latest created_date; ok is false when none is set.
func (r *BonusRepository) CurrentClientBonusRate(ctx context.Context) (decimal.Decimal, bool, error) {
	var rate string
	err := r.pool.QueryRow(ctx, `
SELECT bonus_rate::text FROM bonus_clients ORDER BY created_date DESC, id DESC LIMIT 1
`).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return parseDecimal(rate), true, nil
}

func (r *BonusRepository) AddClientBonusRate(ctx context.Context, createdDate time.Time, rate decimal.Decimal) (ClientBonusRate, error) {
	var c ClientBonusRate
	var stored string
	err := r.pool.QueryRow(ctx, `
INSERT INTO bonus_clients (created_date, bonus_rate) VALUES ($1, $2)
RETURNING id, created_date, bonus_rate::text, created_at
`, createdDate, rate.StringFixed(2)).Scan(&c.ID, &c.CreatedDate, &stored, &c.CreatedAt)
	if err != nil {
		return ClientBonusRate{}, err
	}
	c.BonusRate = parseDecimal(stored)
	return c, nil
}
