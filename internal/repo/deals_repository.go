package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DealsRepository struct {
	pool *pgxpool.Pool
}

type SyncStatus struct {
	Watermark  *time.Time `json:"watermark"`
	DealsCount int64      `json:"deals_count"`
	LastUpdate *time.Time `json:"last_update"`
}

// DealRow is a stored deal as read back for export.
type DealRow struct {
	ID              int64      `json:"id"`
	Title           *string    `json:"title"`
	FunnelName      *string    `json:"funnel_name"`
	StageName       *string    `json:"stage_name"`
	DateCreate      *time.Time `json:"date_create"`
	CloseDate       *time.Time `json:"closedate"`
	ResponsibleName *string    `json:"responsible_name"`
	DepartmentName  *string    `json:"department_name"`
	Opportunity     string     `json:"opportunity"`
	Quantity        string     `json:"quantity"`
	TurnoverA       string     `json:"turnover_category_a"`
	TurnoverB       string     `json:"turnover_category_b"`
	BonusA          string     `json:"bonus_category_a"`
	BonusB          string     `json:"bonus_category_b"`
	ChannelName     *string    `json:"channel_name"`
	ClientBonus     *string    `json:"client_bonus"`
}

func NewDealsRepository(pool *pgxpool.Pool) *DealsRepository {
	return &DealsRepository{pool: pool}
}

func (r *DealsRepository) Migrate(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS all_deals (
  deal_id                  bigint PRIMARY KEY,
  title                    text,
  funnel_id                bigint NOT NULL DEFAULT 0,
  funnel_name              text,
  stage_id                 text,
  stage_name               text,
  date_create              date,
  closedate                date,
  responsible_id           bigint,
  responsible_name         text,
  department_id            bigint,
  department_name          text,
  opportunity              numeric(15,2) NOT NULL DEFAULT 0,
  quantity                 numeric(15,2) NOT NULL DEFAULT 0,
  turnover_category_a      numeric(15,2) NOT NULL DEFAULT 0,
  turnover_category_b      numeric(15,2) NOT NULL DEFAULT 0,
  bonus_category_a         numeric(15,2) NOT NULL DEFAULT 0,
  bonus_category_b         numeric(15,2) NOT NULL DEFAULT 0,
  channel_id               bigint,
  channel_name             text,
  contact_id               bigint,
  contact_responsible_id   bigint,
  contact_responsible_name text,
  client_bonus             numeric(15,2),
  client_bonus_rate        numeric(5,2),
  updated_at               timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bonus_codes (
  code         text PRIMARY KEY,
  bonus_amount numeric(15,2) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bonus_clients (
  id           bigserial PRIMARY KEY,
  created_date date NOT NULL DEFAULT CURRENT_DATE,
  bonus_rate   numeric(5,2) NOT NULL,
  created_at   timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS bonus_clients_created_date_idx ON bonus_clients(created_date DESC, id DESC);

CREATE TABLE IF NOT EXISTS sync_state (
  key         text PRIMARY KEY,
  watermark   timestamptz NOT NULL,
  updated_at  timestamptz NOT NULL DEFAULT now()
);
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

// UpsertDeals writes rows in one transaction. Each statement reports whether it
// inserted, updated or skipped an identical row, so the stats are exact.
func (r *DealsRepository) UpsertDeals(ctx context.Context, rows []DealRecord, mode UpsertMode) (UpsertStats, error) {
	if len(rows) == 0 {
		return UpsertStats{}, nil
	}

	sql := upsertFullSQL
	if mode == UpsertPartial {
		sql = upsertPartialSQL
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return UpsertStats{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, d := range rows {
		batch.Queue(sql, dealArgs(d)...)
	}

	br := tx.SendBatch(ctx, batch)
	var stats UpsertStats
	for _, d := range rows {
		var inserted bool
		err := br.QueryRow().Scan(&inserted)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			stats.Unchanged++
		case err != nil:
			_ = br.Close()
			return UpsertStats{}, fmt.Errorf("upsert deal %d: %w", d.ID, err)
		case inserted:
			stats.Inserted++
		default:
			stats.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return UpsertStats{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertStats{}, err
	}
	return stats, nil
}

// DealIDRange returns min, max and count of stored deal ids. An empty table yields zeros.
func (r *DealsRepository) DealIDRange(ctx context.Context) (IDRange, error) {
	var rng IDRange
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(min(deal_id), 0), COALESCE(max(deal_id), 0), count(*) FROM all_deals
`).Scan(&rng.Min, &rng.Max, &rng.Total)
	if err != nil {
		return IDRange{}, err
	}
	return rng, nil
}

// NextDealIDs returns up to limit ids strictly after cursor in the given direction.
func (r *DealsRepository) NextDealIDs(ctx context.Context, cursor int64, ascending bool, limit int) ([]int64, error) {
	q := `SELECT deal_id FROM all_deals WHERE deal_id < $1 ORDER BY deal_id DESC LIMIT $2`
	if ascending {
		q = `SELECT deal_id FROM all_deals WHERE deal_id > $1 ORDER BY deal_id ASC LIMIT $2`
	}

	rows, err := r.pool.Query(ctx, q, cursor, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountDealIDs counts the ids still ahead of cursor.
func (r *DealsRepository) CountDealIDs(ctx context.Context, cursor int64, ascending bool) (int64, error) {
	q := `SELECT count(*) FROM all_deals WHERE deal_id < $1`
	if ascending {
		q = `SELECT count(*) FROM all_deals WHERE deal_id > $1`
	}
	var n int64
	if err := r.pool.QueryRow(ctx, q, cursor).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *DealsRepository) GetWatermark(ctx context.Context, key string) (time.Time, error) {
	var wm time.Time
	err := r.pool.QueryRow(ctx, `SELECT watermark FROM sync_state WHERE key=$1`, key).Scan(&wm)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return wm, nil
}

func (r *DealsRepository) SetWatermark(ctx context.Context, key string, wm time.Time) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO sync_state(key, watermark) VALUES($1, $2)
ON CONFLICT (key) DO UPDATE SET watermark=EXCLUDED.watermark, updated_at=now()
`, key, wm)
	return err
}

func (r *DealsRepository) GetSyncStatus(ctx context.Context, key string) (SyncStatus, error) {
	var st SyncStatus
	err := r.pool.QueryRow(ctx, `
SELECT
  (SELECT watermark FROM sync_state WHERE key=$1),
  (SELECT count(*) FROM all_deals),
  (SELECT max(updated_at) FROM all_deals)
`, key).Scan(&st.Watermark, &st.DealsCount, &st.LastUpdate)
	if err != nil {
		return SyncStatus{}, err
	}
	return st, nil
}

func (r *DealsRepository) ListDeals(ctx context.Context) ([]DealRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
		  deal_id,
		  title,
		  funnel_name,
		  stage_name,
		  date_create,
		  closedate,
		  responsible_name,
		  department_name,
		  opportunity::text,
		  quantity::text,
		  turnover_category_a::text,
		  turnover_category_b::text,
		  bonus_category_a::text,
		  bonus_category_b::text,
		  channel_name,
		  client_bonus::text
		FROM all_deals
		ORDER BY deal_id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]DealRow, 0)
	for rows.Next() {
		var r DealRow
		if err := rows.Scan(
			&r.ID,
			&r.Title,
			&r.FunnelName,
			&r.StageName,
			&r.DateCreate,
			&r.CloseDate,
			&r.ResponsibleName,
			&r.DepartmentName,
			&r.Opportunity,
			&r.Quantity,
			&r.TurnoverA,
			&r.TurnoverB,
			&r.BonusA,
			&r.BonusB,
			&r.ChannelName,
			&r.ClientBonus,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

var (
	descriptiveColumns = []string{
		"title", "funnel_id", "funnel_name", "stage_id", "stage_name",
		"date_create", "closedate", "responsible_id", "responsible_name",
		"department_id", "department_name", "opportunity",
		"channel_id", "channel_name",
		"contact_id", "contact_responsible_id", "contact_responsible_name",
	}
	bonusColumns = []string{
		"quantity", "turnover_category_a", "turnover_category_b",
		"bonus_category_a", "bonus_category_b",
	}
	// keepWhenNull columns retain their stored value when the new row has none,
	// unless the turnover they were computed from has changed.
	keepWhenNull = []string{"client_bonus", "client_bonus_rate"}

	upsertFullSQL    = buildUpsertSQL(UpsertFull)
	upsertPartialSQL = buildUpsertSQL(UpsertPartial)
)

func keepWhenNullExpr(col string) string {
	return fmt.Sprintf(`CASE
    WHEN EXCLUDED.%[1]s IS NOT NULL THEN EXCLUDED.%[1]s
    WHEN (all_deals.turnover_category_a, all_deals.turnover_category_b)
      IS DISTINCT FROM (EXCLUDED.turnover_category_a, EXCLUDED.turnover_category_b) THEN NULL
    ELSE all_deals.%[1]s
  END`, col)
}

// buildUpsertSQL renders INSERT ... ON CONFLICT for all_deals. The update is
// skipped when nothing would change, which makes the statement return no row.
func buildUpsertSQL(mode UpsertMode) string {
	all := append([]string{"deal_id"}, descriptiveColumns...)
	all = append(all, bonusColumns...)
	all = append(all, keepWhenNull...)

	placeholders := make([]string, len(all))
	for i := range all {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var targets, sources []string
	add := func(col, expr string) {
		targets = append(targets, col)
		sources = append(sources, expr)
	}
	for _, col := range descriptiveColumns {
		add(col, "EXCLUDED."+col)
	}
	if mode == UpsertFull {
		for _, col := range bonusColumns {
			add(col, "EXCLUDED."+col)
		}
		for _, col := range keepWhenNull {
			add(col, keepWhenNullExpr(col))
		}
	}

	sets := make([]string, len(targets))
	current := make([]string, len(targets))
	for i, col := range targets {
		sets[i] = col + " = " + sources[i]
		current[i] = "all_deals." + col
	}

	return fmt.Sprintf(`
INSERT INTO all_deals (%s)
VALUES (%s)
ON CONFLICT (deal_id) DO UPDATE SET
  %s,
  updated_at = now()
WHERE (%s) IS DISTINCT FROM (%s)
RETURNING (xmax = 0) AS inserted
`,
		strings.Join(all, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ",\n  "),
		strings.Join(current, ", "),
		strings.Join(sources, ", "),
	)
}

func dealArgs(d DealRecord) []any {
	return []any{
		d.ID,
		d.Title,
		d.FunnelID,
		d.FunnelName,
		d.StageID,
		d.StageName,
		nullDate(d.DateCreate),
		nullDate(d.CloseDate),
		d.ResponsibleID,
		d.ResponsibleName,
		d.DepartmentID,
		d.DepartmentName,
		d.Opportunity.StringFixed(2),
		d.ChannelID,
		d.ChannelName,
		d.ContactID,
		d.ContactResponsibleID,
		d.ContactResponsibleName,
		d.Quantity.StringFixed(2),
		d.TurnoverA.StringFixed(2),
		d.TurnoverB.StringFixed(2),
		d.BonusA.StringFixed(2),
		d.BonusB.StringFixed(2),
		nullDecimal(d.ClientBonus),
		nullDecimal(d.ClientBonusRate),
	}
}
