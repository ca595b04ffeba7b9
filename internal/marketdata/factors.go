package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/quantcore/internal/contracts"
)

// FactorRepository implements contracts.FactorRepository over PostgreSQL.
type FactorRepository struct {
	pool *pgxpool.Pool
}

// NewFactorRepository creates a new factor repository
func NewFactorRepository(pool *pgxpool.Pool) *FactorRepository {
	return &FactorRepository{pool: pool}
}

// SaveDefinition upserts a factor definition keyed by factor_id
func (r *FactorRepository) SaveDefinition(ctx context.Context, def contracts.FactorDefinition) error {
	params, err := json.Marshal(def.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	query := `
		INSERT INTO factor_definitions
			(factor_id, factor_name, factor_formula, factor_type, description, params, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (factor_id) DO UPDATE SET
			factor_name = EXCLUDED.factor_name,
			factor_formula = EXCLUDED.factor_formula,
			factor_type = EXCLUDED.factor_type,
			description = EXCLUDED.description,
			params = EXCLUDED.params,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`

	_, err = r.pool.Exec(ctx, query,
		def.FactorID, def.Name, def.Formula, string(def.Type), def.Description, params, def.IsActive)
	return err
}

// ListDefinitions retrieves stored factor definitions
func (r *FactorRepository) ListDefinitions(ctx context.Context, onlyActive bool) ([]contracts.FactorDefinition, error) {
	query := `
		SELECT factor_id, factor_name, factor_formula, factor_type, description, params, is_active, created_at, updated_at
		FROM factor_definitions
	`
	if onlyActive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY factor_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []contracts.FactorDefinition
	for rows.Next() {
		var d contracts.FactorDefinition
		var ftype string
		var params []byte
		if err := rows.Scan(&d.FactorID, &d.Name, &d.Formula, &ftype, &d.Description, &params, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Type = contracts.FactorType(ftype)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &d.Params); err != nil {
				return nil, fmt.Errorf("unmarshal params for %s: %w", d.FactorID, err)
			}
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// SaveValues persists computed factor values. Existing rows for every
// (trade_date, factor_id) pair in the batch are deleted first so a
// recomputation never duplicates records.
func (r *FactorRepository) SaveValues(ctx context.Context, values []contracts.FactorValue) error {
	if len(values) == 0 {
		return nil
	}

	keys := make(map[contracts.FactorKey]struct{})
	for _, v := range values {
		keys[contracts.FactorKey{TradeDate: v.TradeDate, FactorID: v.FactorID}] = struct{}{}
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for key := range keys {
			if _, err := tx.Exec(ctx,
				`DELETE FROM factor_values WHERE trade_date = $1 AND factor_id = $2`,
				key.TradeDate, key.FactorID); err != nil {
				return fmt.Errorf("delete stale values: %w", err)
			}
		}

		rows := make([][]interface{}, 0, len(values))
		for _, v := range values {
			rows = append(rows, []interface{}{
				v.TSCode, v.TradeDate, v.FactorID, v.Value, v.ZScore, v.PercentileRank,
			})
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"factor_values"},
			[]string{"ts_code", "trade_date", "factor_id", "factor_value", "z_score", "percentile_rank"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("bulk insert values: %w", err)
		}
		return nil
	})
}

// GetByDate retrieves factor values for one date
func (r *FactorRepository) GetByDate(ctx context.Context, date time.Time, factorIDs, codes []string) ([]contracts.FactorValue, error) {
	query := `
		SELECT ts_code, trade_date, factor_id, factor_value, z_score, percentile_rank
		FROM factor_values
		WHERE trade_date = $1
		  AND ($2::text[] IS NULL OR factor_id = ANY($2))
		  AND ($3::text[] IS NULL OR ts_code = ANY($3))
		ORDER BY factor_id, ts_code
	`

	rows, err := r.pool.Query(ctx, query, date, nilIfEmpty(factorIDs), nilIfEmpty(codes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFactorValues(rows)
}

// GetByDateRange retrieves factor values for a set of factors within range
func (r *FactorRepository) GetByDateRange(ctx context.Context, factorIDs []string, from, to time.Time) ([]contracts.FactorValue, error) {
	query := `
		SELECT ts_code, trade_date, factor_id, factor_value, z_score, percentile_rank
		FROM factor_values
		WHERE factor_id = ANY($1) AND trade_date BETWEEN $2 AND $3
		ORDER BY ts_code, trade_date, factor_id
	`

	rows, err := r.pool.Query(ctx, query, factorIDs, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFactorValues(rows)
}

// LatestDate returns the most recent date with values for the given factors
func (r *FactorRepository) LatestDate(ctx context.Context, factorIDs []string) (time.Time, error) {
	query := `
		SELECT COALESCE(MAX(trade_date), 'epoch'::timestamptz)
		FROM factor_values
		WHERE $1::text[] IS NULL OR factor_id = ANY($1)
	`

	var latest time.Time
	if err := r.pool.QueryRow(ctx, query, nilIfEmpty(factorIDs)).Scan(&latest); err != nil {
		return time.Time{}, err
	}
	if latest.Unix() <= 0 {
		return time.Time{}, nil
	}
	return latest, nil
}

func scanFactorValues(rows pgx.Rows) ([]contracts.FactorValue, error) {
	var values []contracts.FactorValue
	for rows.Next() {
		var v contracts.FactorValue
		if err := rows.Scan(&v.TSCode, &v.TradeDate, &v.FactorID, &v.Value, &v.ZScore, &v.PercentileRank); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
