package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
)

// MemStore is an in-memory implementation of every repository contract.
// It backs engine tests and lightweight local runs where no PostgreSQL
// instance is available. All methods are safe for concurrent use.
type MemStore struct {
	mu sync.RWMutex

	bars       map[string][]contracts.Bar // by symbol, ascending by date
	valuations map[string][]contracts.ValuationRatios
	income     map[string][]contracts.IncomeStatement // descending by end date
	balance    map[string][]contracts.BalanceSheet    // descending by end date
	flows      map[string][]contracts.MoneyFlow
	chips      map[string][]contracts.ChipDistribution
	infos      map[string]contracts.StockInfo

	factorDefs   map[string]contracts.FactorDefinition
	factorValues []contracts.FactorValue

	modelDefs   map[string]contracts.ModelDefinition
	predictions []contracts.Prediction
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		bars:       make(map[string][]contracts.Bar),
		valuations: make(map[string][]contracts.ValuationRatios),
		income:     make(map[string][]contracts.IncomeStatement),
		balance:    make(map[string][]contracts.BalanceSheet),
		flows:      make(map[string][]contracts.MoneyFlow),
		chips:      make(map[string][]contracts.ChipDistribution),
		infos:      make(map[string]contracts.StockInfo),
		factorDefs: make(map[string]contracts.FactorDefinition),
		modelDefs:  make(map[string]contracts.ModelDefinition),
	}
}

// AddBars loads daily bars, keeping each symbol's history date-ascending
func (s *MemStore) AddBars(bars ...contracts.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		s.bars[b.TSCode] = append(s.bars[b.TSCode], b)
	}
	for code := range s.bars {
		sort.Slice(s.bars[code], func(i, j int) bool {
			return s.bars[code][i].TradeDate.Before(s.bars[code][j].TradeDate)
		})
	}
}

// AddValuations loads daily valuation ratios
func (s *MemStore) AddValuations(rows ...contracts.ValuationRatios) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range rows {
		s.valuations[v.TSCode] = append(s.valuations[v.TSCode], v)
	}
	for code := range s.valuations {
		sort.Slice(s.valuations[code], func(i, j int) bool {
			return s.valuations[code][i].TradeDate.Before(s.valuations[code][j].TradeDate)
		})
	}
}

// AddIncomeStatements loads quarterly income statements
func (s *MemStore) AddIncomeStatements(rows ...contracts.IncomeStatement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.income[r.TSCode] = append(s.income[r.TSCode], r)
	}
	for code := range s.income {
		sort.Slice(s.income[code], func(i, j int) bool {
			return s.income[code][i].EndDate.After(s.income[code][j].EndDate)
		})
	}
}

// AddBalanceSheets loads quarterly balance sheets
func (s *MemStore) AddBalanceSheets(rows ...contracts.BalanceSheet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.balance[r.TSCode] = append(s.balance[r.TSCode], r)
	}
	for code := range s.balance {
		sort.Slice(s.balance[code], func(i, j int) bool {
			return s.balance[code][i].EndDate.After(s.balance[code][j].EndDate)
		})
	}
}

// AddMoneyFlows loads daily money flow records
func (s *MemStore) AddMoneyFlows(rows ...contracts.MoneyFlow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.flows[r.TSCode] = append(s.flows[r.TSCode], r)
	}
	for code := range s.flows {
		sort.Slice(s.flows[code], func(i, j int) bool {
			return s.flows[code][i].TradeDate.Before(s.flows[code][j].TradeDate)
		})
	}
}

// AddChipDistributions loads daily chip distribution records
func (s *MemStore) AddChipDistributions(rows ...contracts.ChipDistribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.chips[r.TSCode] = append(s.chips[r.TSCode], r)
	}
	for code := range s.chips {
		sort.Slice(s.chips[code], func(i, j int) bool {
			return s.chips[code][i].TradeDate.Before(s.chips[code][j].TradeDate)
		})
	}
}

// AddStockInfos loads static symbol reference data
func (s *MemStore) AddStockInfos(rows ...contracts.StockInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.infos[r.TSCode] = r
	}
}

// --- PriceRepository ---

func (s *MemStore) GetByCodeAndDateRange(_ context.Context, code string, from, to time.Time) ([]contracts.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Bar
	for _, b := range s.bars[code] {
		if !b.TradeDate.Before(from) && !b.TradeDate.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemStore) GetClosesOnDate(_ context.Context, date time.Time, codes []string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(codes))
	for _, code := range codes {
		for _, b := range s.bars[code] {
			if b.TradeDate.Equal(date) {
				out[code] = b.Close
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) ListTradeDates(_ context.Context, from, to time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[time.Time]struct{})
	for _, bars := range s.bars {
		for _, b := range bars {
			if !b.TradeDate.Before(from) && !b.TradeDate.After(to) {
				seen[b.TradeDate] = struct{}{}
			}
		}
	}
	dates := make([]time.Time, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// --- FundamentalRepository ---

func (s *MemStore) GetValuations(_ context.Context, code string, from, to time.Time) ([]contracts.ValuationRatios, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.ValuationRatios
	for _, v := range s.valuations[code] {
		if !v.TradeDate.Before(from) && !v.TradeDate.After(to) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MemStore) GetIncomeStatements(_ context.Context, code string) ([]contracts.IncomeStatement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.IncomeStatement, len(s.income[code]))
	copy(out, s.income[code])
	return out, nil
}

func (s *MemStore) GetBalanceSheets(_ context.Context, code string) ([]contracts.BalanceSheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.BalanceSheet, len(s.balance[code]))
	copy(out, s.balance[code])
	return out, nil
}

// --- MoneyFlowRepository ---

// GetMoneyFlows satisfies MoneyFlowRepository via the moneyFlowView adapter.
func (s *MemStore) GetMoneyFlows(_ context.Context, code string, from, to time.Time) ([]contracts.MoneyFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.MoneyFlow
	for _, r := range s.flows[code] {
		if !r.TradeDate.Before(from) && !r.TradeDate.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetChipDistributions satisfies ChipRepository via the chipView adapter.
func (s *MemStore) GetChipDistributions(_ context.Context, code string, from, to time.Time) ([]contracts.ChipDistribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.ChipDistribution
	for _, r := range s.chips[code] {
		if !r.TradeDate.Before(from) && !r.TradeDate.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// MoneyFlows returns the store as a MoneyFlowRepository. The adapter is
// needed because MoneyFlowRepository and ChipRepository share the
// GetByCodeAndDateRange method name with PriceRepository.
func (s *MemStore) MoneyFlows() contracts.MoneyFlowRepository {
	return moneyFlowView{s}
}

// Chips returns the store as a ChipRepository
func (s *MemStore) Chips() contracts.ChipRepository {
	return chipView{s}
}

type moneyFlowView struct{ s *MemStore }

func (v moneyFlowView) GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]contracts.MoneyFlow, error) {
	return v.s.GetMoneyFlows(ctx, code, from, to)
}

type chipView struct{ s *MemStore }

func (v chipView) GetByCodeAndDateRange(ctx context.Context, code string, from, to time.Time) ([]contracts.ChipDistribution, error) {
	return v.s.GetChipDistributions(ctx, code, from, to)
}

// --- StockInfoRepository ---

func (s *MemStore) GetByCodes(_ context.Context, codes []string) (map[string]contracts.StockInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]contracts.StockInfo, len(codes))
	for _, code := range codes {
		if info, ok := s.infos[code]; ok {
			out[code] = info
		}
	}
	return out, nil
}

func (s *MemStore) ListCodes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.infos))
	for code := range s.infos {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// --- FactorRepository ---

func (s *MemStore) SaveDefinition(_ context.Context, def contracts.FactorDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factorDefs[def.FactorID] = def
	return nil
}

func (s *MemStore) ListDefinitions(_ context.Context, onlyActive bool) ([]contracts.FactorDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.FactorDefinition
	for _, def := range s.factorDefs {
		if onlyActive && !def.IsActive {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FactorID < out[j].FactorID })
	return out, nil
}

func (s *MemStore) SaveValues(_ context.Context, values []contracts.FactorValue) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[contracts.FactorKey]struct{})
	for _, v := range values {
		keys[contracts.FactorKey{TradeDate: v.TradeDate, FactorID: v.FactorID}] = struct{}{}
	}
	kept := s.factorValues[:0]
	for _, v := range s.factorValues {
		if _, hit := keys[contracts.FactorKey{TradeDate: v.TradeDate, FactorID: v.FactorID}]; !hit {
			kept = append(kept, v)
		}
	}
	s.factorValues = append(kept, values...)
	return nil
}

func (s *MemStore) GetByDate(_ context.Context, date time.Time, factorIDs, codes []string) ([]contracts.FactorValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idSet := toSet(factorIDs)
	codeSet := toSet(codes)
	var out []contracts.FactorValue
	for _, v := range s.factorValues {
		if !v.TradeDate.Equal(date) {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[v.FactorID]; !ok {
				continue
			}
		}
		if codeSet != nil {
			if _, ok := codeSet[v.TSCode]; !ok {
				continue
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FactorID != out[j].FactorID {
			return out[i].FactorID < out[j].FactorID
		}
		return out[i].TSCode < out[j].TSCode
	})
	return out, nil
}

func (s *MemStore) GetByDateRange(_ context.Context, factorIDs []string, from, to time.Time) ([]contracts.FactorValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idSet := toSet(factorIDs)
	var out []contracts.FactorValue
	for _, v := range s.factorValues {
		if v.TradeDate.Before(from) || v.TradeDate.After(to) {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[v.FactorID]; !ok {
				continue
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TradeDate.Equal(out[j].TradeDate) {
			return out[i].TradeDate.Before(out[j].TradeDate)
		}
		if out[i].FactorID != out[j].FactorID {
			return out[i].FactorID < out[j].FactorID
		}
		return out[i].TSCode < out[j].TSCode
	})
	return out, nil
}

func (s *MemStore) LatestDate(_ context.Context, factorIDs []string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idSet := toSet(factorIDs)
	var latest time.Time
	for _, v := range s.factorValues {
		if idSet != nil {
			if _, ok := idSet[v.FactorID]; !ok {
				continue
			}
		}
		if v.TradeDate.After(latest) {
			latest = v.TradeDate
		}
	}
	return latest, nil
}

// --- ModelRepository ---

// Models returns the store as a ModelRepository. The adapter avoids
// method-name collisions with FactorRepository.SaveDefinition.
func (s *MemStore) Models() contracts.ModelRepository {
	return modelView{s}
}

type modelView struct{ s *MemStore }

func (v modelView) SaveDefinition(_ context.Context, def contracts.ModelDefinition) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.modelDefs[def.ModelID] = def
	return nil
}

func (v modelView) GetDefinition(_ context.Context, modelID string) (*contracts.ModelDefinition, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	def, ok := v.s.modelDefs[modelID]
	if !ok {
		return nil, contracts.ErrModelNotFound
	}
	return &def, nil
}

func (v modelView) ListDefinitions(_ context.Context, onlyActive bool) ([]contracts.ModelDefinition, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []contracts.ModelDefinition
	for _, def := range v.s.modelDefs {
		if onlyActive && !def.IsActive {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (v modelView) DeleteDefinition(_ context.Context, modelID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.modelDefs[modelID]; !ok {
		return contracts.ErrModelNotFound
	}
	delete(v.s.modelDefs, modelID)
	return nil
}

// --- PredictionRepository ---

func (s *MemStore) Save(_ context.Context, preds []contracts.Prediction) error {
	if len(preds) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type predKey struct {
		date    time.Time
		modelID string
	}
	keys := make(map[predKey]struct{})
	for _, p := range preds {
		keys[predKey{p.TradeDate, p.ModelID}] = struct{}{}
	}
	kept := s.predictions[:0]
	for _, p := range s.predictions {
		if _, hit := keys[predKey{p.TradeDate, p.ModelID}]; !hit {
			kept = append(kept, p)
		}
	}
	s.predictions = append(kept, preds...)
	return nil
}

func (s *MemStore) GetByModelAndDate(_ context.Context, modelID string, date time.Time) ([]contracts.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Prediction
	for _, p := range s.predictions {
		if p.ModelID == modelID && p.TradeDate.Equal(date) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RankScore < out[j].RankScore })
	return out, nil
}

func (s *MemStore) GetByModelAndDateRange(_ context.Context, modelID string, from, to time.Time) ([]contracts.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Prediction
	for _, p := range s.predictions {
		if p.ModelID != modelID || p.TradeDate.Before(from) || p.TradeDate.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TradeDate.Equal(out[j].TradeDate) {
			return out[i].TradeDate.Before(out[j].TradeDate)
		}
		return out[i].RankScore < out[j].RankScore
	})
	return out, nil
}

func (s *MemStore) DeleteByModel(_ context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.predictions[:0]
	for _, p := range s.predictions {
		if p.ModelID != modelID {
			kept = append(kept, p)
		}
	}
	s.predictions = kept
	return nil
}

func toSet(items []string) map[string]struct{} {
	if items == nil {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}
