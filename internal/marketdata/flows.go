package marketdata

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/quantcore/internal/contracts"
)

// MoneyFlowRepository implements contracts.MoneyFlowRepository over
// PostgreSQL.
type MoneyFlowRepository struct {
	pool *pgxpool.Pool
}

// NewMoneyFlowRepository creates a new money flow repository
func NewMoneyFlowRepository(pool *pgxpool.Pool) *MoneyFlowRepository {
	return &MoneyFlowRepository{pool: pool}
}

// GetByCodeAndDateRange retrieves daily flow records for a code within range
func (r *MoneyFlowRepository) GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]contracts.MoneyFlow, error) {
	query := `
		SELECT ts_code, trade_date,
		       buy_sm_amount, sell_sm_amount, buy_md_amount, sell_md_amount,
		       buy_lg_amount, sell_lg_amount, buy_elg_amount, sell_elg_amount,
		       net_mf_amount
		FROM stock_moneyflow
		WHERE ts_code = $1 AND trade_date BETWEEN $2 AND $3
		ORDER BY trade_date ASC
	`

	rows, err := r.pool.Query(ctx, query, code, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.MoneyFlow
	for rows.Next() {
		var f contracts.MoneyFlow
		if err := rows.Scan(&f.TSCode, &f.TradeDate,
			&f.BuySmAmount, &f.SellSmAmount, &f.BuyMdAmount, &f.SellMdAmount,
			&f.BuyLgAmount, &f.SellLgAmount, &f.BuyElgAmount, &f.SellElgAmount,
			&f.NetAmount); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ChipRepository implements contracts.ChipRepository over PostgreSQL.
type ChipRepository struct {
	pool *pgxpool.Pool
}

// NewChipRepository creates a new chip distribution repository
func NewChipRepository(pool *pgxpool.Pool) *ChipRepository {
	return &ChipRepository{pool: pool}
}

// GetByCodeAndDateRange retrieves cost-distribution records for a code
func (r *ChipRepository) GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]contracts.ChipDistribution, error) {
	query := `
		SELECT ts_code, trade_date, cost_5pct, cost_50pct, cost_95pct, winner_rate
		FROM stock_cyq_perf
		WHERE ts_code = $1 AND trade_date BETWEEN $2 AND $3
		ORDER BY trade_date ASC
	`

	rows, err := r.pool.Query(ctx, query, code, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []contracts.ChipDistribution
	for rows.Next() {
		var c contracts.ChipDistribution
		if err := rows.Scan(&c.TSCode, &c.TradeDate, &c.Cost5Pct, &c.Cost50Pct, &c.Cost95Pct, &c.WinnerRate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// StockInfoRepository implements contracts.StockInfoRepository over
// PostgreSQL.
type StockInfoRepository struct {
	pool *pgxpool.Pool
}

// NewStockInfoRepository creates a new stock info repository
func NewStockInfoRepository(pool *pgxpool.Pool) *StockInfoRepository {
	return &StockInfoRepository{pool: pool}
}

// GetByCodes retrieves reference data for the given codes
func (r *StockInfoRepository) GetByCodes(ctx context.Context, codes []string) (map[string]contracts.StockInfo, error) {
	query := `
		SELECT ts_code, name, industry, area
		FROM stock_basic
		WHERE ts_code = ANY($1)
	`

	rows, err := r.pool.Query(ctx, query, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]contracts.StockInfo, len(codes))
	for rows.Next() {
		var s contracts.StockInfo
		if err := rows.Scan(&s.TSCode, &s.Name, &s.Industry, &s.Area); err != nil {
			return nil, err
		}
		out[s.TSCode] = s
	}
	return out, rows.Err()
}

// ListCodes retrieves all known symbol codes
func (r *StockInfoRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT ts_code FROM stock_basic ORDER BY ts_code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}
