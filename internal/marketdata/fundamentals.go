package marketdata

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/quantcore/internal/contracts"
)

// FundamentalRepository implements contracts.FundamentalRepository over
// PostgreSQL.
type FundamentalRepository struct {
	pool *pgxpool.Pool
}

// NewFundamentalRepository creates a new fundamental repository
func NewFundamentalRepository(pool *pgxpool.Pool) *FundamentalRepository {
	return &FundamentalRepository{pool: pool}
}

// GetValuations retrieves daily valuation ratios for a code within range
func (r *FundamentalRepository) GetValuations(ctx context.Context, code string, from, to time.Time) ([]contracts.ValuationRatios, error) {
	query := `
		SELECT ts_code, trade_date, pe_ttm, pb, ps_ttm
		FROM stock_daily_basic
		WHERE ts_code = $1 AND trade_date BETWEEN $2 AND $3
		ORDER BY trade_date ASC
	`

	rows, err := r.pool.Query(ctx, query, code, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.ValuationRatios
	for rows.Next() {
		var v contracts.ValuationRatios
		if err := rows.Scan(&v.TSCode, &v.TradeDate, &v.PETTM, &v.PB, &v.PSTTM); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetIncomeStatements retrieves quarterly income statements, newest first
func (r *FundamentalRepository) GetIncomeStatements(ctx context.Context, code string) ([]contracts.IncomeStatement, error) {
	query := `
		SELECT ts_code, end_date, revenue, n_income_attr_p
		FROM stock_income_statement
		WHERE ts_code = $1
		ORDER BY end_date DESC
	`

	rows, err := r.pool.Query(ctx, query, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.IncomeStatement
	for rows.Next() {
		var s contracts.IncomeStatement
		if err := rows.Scan(&s.TSCode, &s.EndDate, &s.Revenue, &s.NetProfit); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetBalanceSheets retrieves quarterly balance sheets, newest first
func (r *FundamentalRepository) GetBalanceSheets(ctx context.Context, code string) ([]contracts.BalanceSheet, error) {
	query := `
		SELECT ts_code, end_date, total_assets, total_hldr_eqy_exc_min_int
		FROM stock_balance_sheet
		WHERE ts_code = $1
		ORDER BY end_date DESC
	`

	rows, err := r.pool.Query(ctx, query, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.BalanceSheet
	for rows.Next() {
		var s contracts.BalanceSheet
		if err := rows.Scan(&s.TSCode, &s.EndDate, &s.TotalAssets, &s.TotalEquity); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
