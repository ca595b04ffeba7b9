package contracts

import "time"

// FactorType classifies a factor by its data source.
type FactorType string

const (
	FactorTechnical   FactorType = "technical"
	FactorFundamental FactorType = "fundamental"
	FactorMoneyFlow   FactorType = "money_flow"
	FactorChip        FactorType = "chip"
	FactorCustom      FactorType = "custom"
)

// FactorDefinition describes a registered factor. Built-in factors are
// implicit; definitions are stored for custom factors and for metadata
// updates of built-ins.
type FactorDefinition struct {
	FactorID    string             `json:"factor_id"`
	Name        string             `json:"factor_name"`
	Formula     string             `json:"formula"`
	Type        FactorType         `json:"factor_type"`
	Description string             `json:"description"`
	Params      map[string]float64 `json:"params"`
	IsActive    bool               `json:"is_active"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// FactorValue is one computed factor observation. ZScore and
// PercentileRank are cross-sectional: computed against all symbols with
// the same (trade_date, factor_id), not against the symbol's own history.
type FactorValue struct {
	TSCode         string    `json:"ts_code"`
	TradeDate      time.Time `json:"trade_date"`
	FactorID       string    `json:"factor_id"`
	Value          float64   `json:"factor_value"`
	ZScore         float64   `json:"z_score"`
	PercentileRank float64   `json:"percentile_rank"` // 0..100
}

// FactorKey identifies one cross-sectional slice of factor values.
type FactorKey struct {
	TradeDate time.Time
	FactorID  string
}
