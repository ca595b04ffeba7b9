package contracts

import "time"

// Bar represents one daily OHLCV record for a symbol.
type Bar struct {
	TSCode    string    `json:"ts_code"`
	TradeDate time.Time `json:"trade_date"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Amount    float64   `json:"amount"`
	PctChg    float64   `json:"pct_chg"` // daily percent change, in percent
}

// ValuationRatios holds daily valuation multiples for a symbol.
type ValuationRatios struct {
	TSCode    string    `json:"ts_code"`
	TradeDate time.Time `json:"trade_date"`
	PETTM     float64   `json:"pe_ttm"`
	PB        float64   `json:"pb"`
	PSTTM     float64   `json:"ps_ttm"`
}

// IncomeStatement holds one quarterly income statement report.
// EndDate is the report period end, not the announcement date.
type IncomeStatement struct {
	TSCode    string    `json:"ts_code"`
	EndDate   time.Time `json:"end_date"`
	Revenue   float64   `json:"revenue"`
	NetProfit float64   `json:"net_profit"` // attributable to parent
}

// BalanceSheet holds one quarterly balance sheet report.
type BalanceSheet struct {
	TSCode      string    `json:"ts_code"`
	EndDate     time.Time `json:"end_date"`
	TotalAssets float64   `json:"total_assets"`
	TotalEquity float64   `json:"total_equity"` // excluding minority interest
}

// MoneyFlow holds daily buy/sell volume-tier amounts for a symbol.
// Tiers: Sm (small), Md (medium), Lg (large), Elg (extra large).
type MoneyFlow struct {
	TSCode    string    `json:"ts_code"`
	TradeDate time.Time `json:"trade_date"`

	BuySmAmount   float64 `json:"buy_sm_amount"`
	SellSmAmount  float64 `json:"sell_sm_amount"`
	BuyMdAmount   float64 `json:"buy_md_amount"`
	SellMdAmount  float64 `json:"sell_md_amount"`
	BuyLgAmount   float64 `json:"buy_lg_amount"`
	SellLgAmount  float64 `json:"sell_lg_amount"`
	BuyElgAmount  float64 `json:"buy_elg_amount"`
	SellElgAmount float64 `json:"sell_elg_amount"`

	NetAmount float64 `json:"net_mf_amount"` // net inflow
}

// ChipDistribution holds daily cost-distribution percentiles for a symbol.
type ChipDistribution struct {
	TSCode     string    `json:"ts_code"`
	TradeDate  time.Time `json:"trade_date"`
	Cost5Pct   float64   `json:"cost_5pct"`
	Cost50Pct  float64   `json:"cost_50pct"`
	Cost95Pct  float64   `json:"cost_95pct"`
	WinnerRate float64   `json:"winner_rate"` // share of holdings in profit, percent
}

// StockInfo holds static reference data for a symbol.
type StockInfo struct {
	TSCode   string `json:"ts_code"`
	Name     string `json:"name"`
	Industry string `json:"industry"`
	Area     string `json:"area"`
}
