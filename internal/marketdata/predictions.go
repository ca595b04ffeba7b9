package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/quantcore/internal/contracts"
)

// ModelRepository implements contracts.ModelRepository over PostgreSQL.
type ModelRepository struct {
	pool *pgxpool.Pool
}

// NewModelRepository creates a new model definition repository
func NewModelRepository(pool *pgxpool.Pool) *ModelRepository {
	return &ModelRepository{pool: pool}
}

// SaveDefinition upserts a model definition keyed by model_id
func (r *ModelRepository) SaveDefinition(ctx context.Context, def contracts.ModelDefinition) error {
	factors, err := json.Marshal(def.FactorList)
	if err != nil {
		return fmt.Errorf("marshal factor list: %w", err)
	}
	params, err := json.Marshal(def.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	training, err := json.Marshal(def.Training)
	if err != nil {
		return fmt.Errorf("marshal training config: %w", err)
	}

	query := `
		INSERT INTO ml_model_definitions
			(model_id, model_name, model_family, factor_list, target_type, model_params, training_config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (model_id) DO UPDATE SET
			model_name = EXCLUDED.model_name,
			model_family = EXCLUDED.model_family,
			factor_list = EXCLUDED.factor_list,
			target_type = EXCLUDED.target_type,
			model_params = EXCLUDED.model_params,
			training_config = EXCLUDED.training_config,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`

	_, err = r.pool.Exec(ctx, query,
		def.ModelID, def.Name, string(def.Family), factors, def.TargetTag, params, training, def.IsActive)
	return err
}

// GetDefinition retrieves a model definition by id
func (r *ModelRepository) GetDefinition(ctx context.Context, modelID string) (*contracts.ModelDefinition, error) {
	query := `
		SELECT model_id, model_name, model_family, factor_list, target_type, model_params, training_config, is_active, created_at, updated_at
		FROM ml_model_definitions
		WHERE model_id = $1
	`

	def, err := scanModelDefinition(r.pool.QueryRow(ctx, query, modelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, contracts.ErrModelNotFound
	}
	return def, err
}

// ListDefinitions retrieves stored model definitions
func (r *ModelRepository) ListDefinitions(ctx context.Context, onlyActive bool) ([]contracts.ModelDefinition, error) {
	query := `
		SELECT model_id, model_name, model_family, factor_list, target_type, model_params, training_config, is_active, created_at, updated_at
		FROM ml_model_definitions
	`
	if onlyActive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY model_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []contracts.ModelDefinition
	for rows.Next() {
		def, err := scanModelDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

// DeleteDefinition removes a model definition by id
func (r *ModelRepository) DeleteDefinition(ctx context.Context, modelID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM ml_model_definitions WHERE model_id = $1`, modelID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModelDefinition(row rowScanner) (*contracts.ModelDefinition, error) {
	var d contracts.ModelDefinition
	var family string
	var factors, params, training []byte

	err := row.Scan(&d.ModelID, &d.Name, &family, &factors, &d.TargetTag, &params, &training, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Family = contracts.ModelFamily(family)
	if err := json.Unmarshal(factors, &d.FactorList); err != nil {
		return nil, fmt.Errorf("unmarshal factor list: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &d.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(training) > 0 {
		if err := json.Unmarshal(training, &d.Training); err != nil {
			return nil, fmt.Errorf("unmarshal training config: %w", err)
		}
	}
	return &d, nil
}

// PredictionRepository implements contracts.PredictionRepository over
// PostgreSQL.
type PredictionRepository struct {
	pool *pgxpool.Pool
}

// NewPredictionRepository creates a new prediction repository
func NewPredictionRepository(pool *pgxpool.Pool) *PredictionRepository {
	return &PredictionRepository{pool: pool}
}

// Save persists predictions with delete-then-insert per (trade_date, model_id)
func (r *PredictionRepository) Save(ctx context.Context, preds []contracts.Prediction) error {
	if len(preds) == 0 {
		return nil
	}

	type key struct {
		date    time.Time
		modelID string
	}
	keys := make(map[key]struct{})
	for _, p := range preds {
		keys[key{p.TradeDate, p.ModelID}] = struct{}{}
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for k := range keys {
			if _, err := tx.Exec(ctx,
				`DELETE FROM ml_predictions WHERE trade_date = $1 AND model_id = $2`,
				k.date, k.modelID); err != nil {
				return fmt.Errorf("delete stale predictions: %w", err)
			}
		}

		rows := make([][]interface{}, 0, len(preds))
		for _, p := range preds {
			rows = append(rows, []interface{}{
				p.TSCode, p.TradeDate, p.ModelID, p.PredictedReturn, p.ProbabilityScore, p.RankScore,
			})
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"ml_predictions"},
			[]string{"ts_code", "trade_date", "model_id", "predicted_return", "probability_score", "rank_score"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("bulk insert predictions: %w", err)
		}
		return nil
	})
}

// GetByModelAndDate retrieves predictions for one model on one date
func (r *PredictionRepository) GetByModelAndDate(ctx context.Context, modelID string, date time.Time) ([]contracts.Prediction, error) {
	query := `
		SELECT ts_code, trade_date, model_id, predicted_return, probability_score, rank_score
		FROM ml_predictions
		WHERE model_id = $1 AND trade_date = $2
		ORDER BY rank_score ASC
	`

	rows, err := r.pool.Query(ctx, query, modelID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// GetByModelAndDateRange retrieves predictions for one model within range
func (r *PredictionRepository) GetByModelAndDateRange(ctx context.Context, modelID string, from, to time.Time) ([]contracts.Prediction, error) {
	query := `
		SELECT ts_code, trade_date, model_id, predicted_return, probability_score, rank_score
		FROM ml_predictions
		WHERE model_id = $1 AND trade_date BETWEEN $2 AND $3
		ORDER BY trade_date ASC, ts_code ASC
	`

	rows, err := r.pool.Query(ctx, query, modelID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// DeleteByModel removes all predictions for a model
func (r *PredictionRepository) DeleteByModel(ctx context.Context, modelID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM ml_predictions WHERE model_id = $1`, modelID)
	return err
}

func scanPredictions(rows pgx.Rows) ([]contracts.Prediction, error) {
	var preds []contracts.Prediction
	for rows.Next() {
		var p contracts.Prediction
		if err := rows.Scan(&p.TSCode, &p.TradeDate, &p.ModelID, &p.PredictedReturn, &p.ProbabilityScore, &p.RankScore); err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}
