package contracts

import (
	"context"
	"time"
)

// Repository interfaces over the external tabular store. Implementations
// live in internal/marketdata (PostgreSQL and in-memory).

// PriceRepository manages daily OHLCV history.
type PriceRepository interface {
	GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]Bar, error)
	// GetClosesOnDate returns close prices for the given codes on one date.
	// Codes with no bar on that date are simply absent from the map.
	GetClosesOnDate(ctx context.Context, date time.Time, codes []string) (map[string]float64, error)
	// ListTradeDates returns all distinct trading dates in range, ascending.
	ListTradeDates(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

// FundamentalRepository manages valuation ratios and quarterly reports.
type FundamentalRepository interface {
	GetValuations(ctx context.Context, code string, from, to time.Time) ([]ValuationRatios, error)
	// GetIncomeStatements returns reports ordered by end_date descending.
	GetIncomeStatements(ctx context.Context, code string) ([]IncomeStatement, error)
	// GetBalanceSheets returns reports ordered by end_date descending.
	GetBalanceSheets(ctx context.Context, code string) ([]BalanceSheet, error)
}

// MoneyFlowRepository manages daily volume-tier flow records.
type MoneyFlowRepository interface {
	GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]MoneyFlow, error)
}

// ChipRepository manages cost-distribution percentile records.
type ChipRepository interface {
	GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]ChipDistribution, error)
}

// StockInfoRepository manages static symbol reference data.
type StockInfoRepository interface {
	GetByCodes(ctx context.Context, codes []string) (map[string]StockInfo, error)
	// ListCodes returns all known symbol codes, ascending.
	ListCodes(ctx context.Context) ([]string, error)
}

// FactorRepository persists factor definitions and computed values.
// SaveValues must be idempotent: all existing rows for each
// (trade_date, factor_id) pair present in the batch are deleted before
// insert, inside one transaction.
type FactorRepository interface {
	SaveDefinition(ctx context.Context, def FactorDefinition) error
	ListDefinitions(ctx context.Context, onlyActive bool) ([]FactorDefinition, error)

	SaveValues(ctx context.Context, values []FactorValue) error
	// GetByDate returns values for one date, optionally restricted by
	// factor ids and/or symbol codes (nil = no restriction).
	GetByDate(ctx context.Context, date time.Time, factorIDs, codes []string) ([]FactorValue, error)
	GetByDateRange(ctx context.Context, factorIDs []string, from, to time.Time) ([]FactorValue, error)
	// LatestDate returns the most recent date with values for the given
	// factor ids, or the zero time when none exist.
	LatestDate(ctx context.Context, factorIDs []string) (time.Time, error)
}

// ModelRepository persists model definitions.
type ModelRepository interface {
	SaveDefinition(ctx context.Context, def ModelDefinition) error
	GetDefinition(ctx context.Context, modelID string) (*ModelDefinition, error)
	ListDefinitions(ctx context.Context, onlyActive bool) ([]ModelDefinition, error)
	DeleteDefinition(ctx context.Context, modelID string) error
}

// PredictionRepository persists model predictions with the same
// delete-then-insert discipline as FactorRepository.SaveValues, keyed by
// (trade_date, model_id).
type PredictionRepository interface {
	Save(ctx context.Context, preds []Prediction) error
	GetByModelAndDate(ctx context.Context, modelID string, date time.Time) ([]Prediction, error)
	GetByModelAndDateRange(ctx context.Context, modelID string, from, to time.Time) ([]Prediction, error)
	DeleteByModel(ctx context.Context, modelID string) error
}
