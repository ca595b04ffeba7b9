package factor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/pkg/logger"
)

// Engine computes per-symbol factor values and normalizes them
// cross-sectionally. Temporal transforms run symbol-major over a worker
// pool; the normalization pass then regroups date-major.
type Engine struct {
	prices       contracts.PriceRepository
	fundamentals contracts.FundamentalRepository
	flows        contracts.MoneyFlowRepository
	chips        contracts.ChipRepository
	stocks       contracts.StockInfoRepository
	factorRepo   contracts.FactorRepository

	builtins map[string]transform
	workers  int

	mu          sync.RWMutex
	definitions map[string]contracts.FactorDefinition

	logger *logger.Logger
}

// NewEngine creates a factor engine. workers bounds the per-symbol
// fan-out; values below 1 run sequentially.
func NewEngine(
	prices contracts.PriceRepository,
	fundamentals contracts.FundamentalRepository,
	flows contracts.MoneyFlowRepository,
	chips contracts.ChipRepository,
	stocks contracts.StockInfoRepository,
	factorRepo contracts.FactorRepository,
	workers int,
	log *logger.Logger,
) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		prices:       prices,
		fundamentals: fundamentals,
		flows:        flows,
		chips:        chips,
		stocks:       stocks,
		factorRepo:   factorRepo,
		builtins:     builtinTransforms(),
		workers:      workers,
		definitions:  make(map[string]contracts.FactorDefinition),
		logger:       log,
	}
}

// LoadDefinitions refreshes the custom-factor definition cache from the
// store.
func (e *Engine) LoadDefinitions(ctx context.Context) error {
	defs, err := e.factorRepo.ListDefinitions(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to load factor definitions: %w", err)
	}

	e.mu.Lock()
	e.definitions = make(map[string]contracts.FactorDefinition, len(defs))
	for _, def := range defs {
		e.definitions[def.FactorID] = def
	}
	e.mu.Unlock()

	e.logger.WithField("count", len(defs)).Info("Loaded custom factor definitions")
	return nil
}

// RegisterFactor stores (or updates) a custom factor definition and
// reloads the definition cache. Evaluation of custom factors is an
// extension point; registered factors compute to an empty result until
// an evaluator exists.
func (e *Engine) RegisterFactor(ctx context.Context, def contracts.FactorDefinition) error {
	if def.FactorID == "" {
		return fmt.Errorf("%w: empty factor_id", contracts.ErrConfig)
	}
	if _, builtin := e.builtins[def.FactorID]; builtin {
		return fmt.Errorf("%w: %q is a built-in factor", contracts.ErrConfig, def.FactorID)
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	if err := e.factorRepo.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save factor definition: %w", err)
	}
	e.logger.WithField("factor_id", def.FactorID).Info("Registered custom factor")
	return e.LoadDefinitions(ctx)
}

// Calculate computes one factor for the given symbols over a date range,
// including the cross-sectional stats. Results are not persisted; call
// SaveValues explicitly.
func (e *Engine) Calculate(ctx context.Context, factorID string, codes []string, start, end time.Time) ([]contracts.FactorValue, error) {
	tr, builtin := e.builtins[factorID]
	if !builtin {
		e.mu.RLock()
		_, custom := e.definitions[factorID]
		e.mu.RUnlock()
		if !custom {
			return nil, fmt.Errorf("%w: %s", contracts.ErrUnknownFactor, factorID)
		}
		// Custom factor evaluation is not implemented; an empty result
		// is the contract, not an error.
		e.logger.WithField("factor_id", factorID).Warn("Custom factor evaluation not implemented, returning empty result")
		return nil, nil
	}

	values, err := e.computeBuiltin(ctx, tr, factorID, codes, start, end)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	Normalize(values)
	sortValues(values)

	e.logger.WithFields(map[string]interface{}{
		"factor_id": factorID,
		"records":   len(values),
	}).Info("Factor calculation completed")
	return values, nil
}

// computeBuiltin fans the per-symbol temporal transform out over the
// worker pool. Distinct symbols share no mutable state, so the only
// coordination is the append under the mutex.
func (e *Engine) computeBuiltin(ctx context.Context, tr transform, factorID string, codes []string, start, end time.Time) ([]contracts.FactorValue, error) {
	var (
		mu     sync.Mutex
		values []contracts.FactorValue
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, code := range codes {
		code := code
		g.Go(func() error {
			rows, err := tr.fn(e, gctx, factorID, code, start, end)
			if err != nil {
				// Per-symbol failures are logged and skipped; the batch
				// continues.
				e.logger.WithFields(map[string]interface{}{
					"factor_id": factorID,
					"code":      code,
					"error":     err.Error(),
				}).Warn("Factor computation failed for symbol")
				return nil
			}
			if len(rows) > 0 {
				mu.Lock()
				values = append(values, rows...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

// CalculateAll computes every builtin and custom factor for one trade
// date. A nil code list means the full known universe. Per-factor
// failures are logged and skipped.
func (e *Engine) CalculateAll(ctx context.Context, date time.Time, codes []string) ([]contracts.FactorValue, error) {
	if len(codes) == 0 {
		all, err := e.stocks.ListCodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list universe: %w", err)
		}
		codes = all
	}

	ids := make([]string, 0, len(e.builtins))
	for id := range e.builtins {
		ids = append(ids, id)
	}
	e.mu.RLock()
	for id := range e.definitions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	var all []contracts.FactorValue
	for _, id := range ids {
		rows, err := e.Calculate(ctx, id, codes, date, date)
		if err != nil {
			e.logger.WithFields(map[string]interface{}{
				"factor_id": id,
				"error":     err.Error(),
			}).Error("Factor calculation failed")
			continue
		}
		all = append(all, rows...)
	}

	e.logger.WithFields(map[string]interface{}{
		"date":    date.Format("2006-01-02"),
		"factors": len(ids),
		"records": len(all),
	}).Info("Full factor calculation completed")
	return all, nil
}

// SaveValues persists computed values. The store guarantees
// delete-then-insert per (trade_date, factor_id), so recomputation is
// idempotent.
func (e *Engine) SaveValues(ctx context.Context, values []contracts.FactorValue) error {
	if len(values) == 0 {
		return nil
	}
	if err := e.factorRepo.SaveValues(ctx, values); err != nil {
		return fmt.Errorf("failed to save factor values: %w", err)
	}
	e.logger.WithField("records", len(values)).Info("Saved factor values")
	return nil
}

// FactorExposure returns the stored cross-section of one factor on one
// date, ordered by z-score descending.
func (e *Engine) FactorExposure(ctx context.Context, factorID string, date time.Time) ([]contracts.FactorValue, error) {
	values, err := e.factorRepo.GetByDate(ctx, date, []string{factorID}, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(values, func(i, j int) bool {
		return values[i].ZScore > values[j].ZScore
	})
	return values, nil
}

// ListFactors returns builtin and stored custom factor definitions,
// optionally filtered by type. Builtins are always active.
func (e *Engine) ListFactors(factorType contracts.FactorType) []contracts.FactorDefinition {
	var out []contracts.FactorDefinition
	for id, tr := range e.builtins {
		if factorType != "" && tr.ftype != factorType {
			continue
		}
		out = append(out, contracts.FactorDefinition{
			FactorID: id,
			Name:     strings.ReplaceAll(id, "_", " "),
			Formula:  "builtin",
			Type:     tr.ftype,
			IsActive: true,
		})
	}

	e.mu.RLock()
	for _, def := range e.definitions {
		if factorType != "" && def.Type != factorType {
			continue
		}
		out = append(out, def)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FactorID < out[j].FactorID })
	return out
}

func sortValues(values []contracts.FactorValue) {
	sort.Slice(values, func(i, j int) bool {
		if !values[i].TradeDate.Equal(values[j].TradeDate) {
			return values[i].TradeDate.Before(values[j].TradeDate)
		}
		if values[i].FactorID != values[j].FactorID {
			return values[i].FactorID < values[j].FactorID
		}
		return values[i].TSCode < values[j].TSCode
	})
}
