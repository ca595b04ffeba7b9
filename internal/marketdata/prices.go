package marketdata

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/quantcore/internal/contracts"
)

// PriceRepository implements contracts.PriceRepository over PostgreSQL.
type PriceRepository struct {
	pool *pgxpool.Pool
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(pool *pgxpool.Pool) *PriceRepository {
	return &PriceRepository{pool: pool}
}

// GetByCodeAndDateRange retrieves daily bars for a code within date range
func (r *PriceRepository) GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]contracts.Bar, error) {
	query := `
		SELECT ts_code, trade_date, open, high, low, close, vol, amount, pct_chg
		FROM stock_daily_history
		WHERE ts_code = $1 AND trade_date BETWEEN $2 AND $3
		ORDER BY trade_date ASC
	`

	rows, err := r.pool.Query(ctx, query, code, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []contracts.Bar
	for rows.Next() {
		var b contracts.Bar
		if err := rows.Scan(&b.TSCode, &b.TradeDate, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount, &b.PctChg); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// GetClosesOnDate retrieves close prices for the given codes on one date
func (r *PriceRepository) GetClosesOnDate(ctx context.Context, date time.Time, codes []string) (map[string]float64, error) {
	query := `
		SELECT ts_code, close
		FROM stock_daily_history
		WHERE trade_date = $1 AND ts_code = ANY($2)
	`

	rows, err := r.pool.Query(ctx, query, date, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	closes := make(map[string]float64, len(codes))
	for rows.Next() {
		var code string
		var close float64
		if err := rows.Scan(&code, &close); err != nil {
			return nil, err
		}
		closes[code] = close
	}
	return closes, rows.Err()
}

// ListTradeDates returns all distinct trading dates in range, ascending
func (r *PriceRepository) ListTradeDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT DISTINCT trade_date
		FROM stock_daily_history
		WHERE trade_date BETWEEN $1 AND $2
		ORDER BY trade_date ASC
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}
