package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/quantcore/internal/mlmodel"
	"github.com/wonny/quantcore/pkg/logger"
)

// PredictionJob runs every active model against the latest factor data
// and stores the predictions. Scheduled after the factor refresh so the
// features are current.
type PredictionJob struct {
	manager *mlmodel.Manager
	logger  *logger.Logger
}

func NewPredictionJob(manager *mlmodel.Manager, log *logger.Logger) *PredictionJob {
	return &PredictionJob{manager: manager, logger: log}
}

// Name returns the job name
func (j *PredictionJob) Name() string {
	return "model_prediction"
}

// Schedule returns the cron schedule (6 PM daily, after factor refresh)
func (j *PredictionJob) Schedule() string {
	return "0 0 18 * * *"
}

// Run predicts with every active model. Per-model failures are logged
// and the remaining models still run.
func (j *PredictionJob) Run(ctx context.Context) error {
	models, err := j.manager.ListModels(ctx, true)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if len(models) == 0 {
		j.logger.Info("No active models to predict with")
		return nil
	}

	today := time.Now().Truncate(24 * time.Hour)
	failures := 0
	for _, def := range models {
		result, err := j.manager.Predict(ctx, def.ModelID, today, nil)
		if err != nil {
			failures++
			j.logger.WithFields(map[string]interface{}{
				"model_id": def.ModelID,
				"error":    err.Error(),
			}).Error("Scheduled prediction failed")
			continue
		}
		if err := j.manager.SavePredictions(ctx, result.Predictions); err != nil {
			failures++
			j.logger.WithFields(map[string]interface{}{
				"model_id": def.ModelID,
				"error":    err.Error(),
			}).Error("Failed to save predictions")
			continue
		}
		j.logger.WithFields(map[string]interface{}{
			"model_id":    def.ModelID,
			"predictions": len(result.Predictions),
		}).Info("Scheduled prediction completed")
	}

	if failures == len(models) {
		return fmt.Errorf("all %d models failed", failures)
	}
	return nil
}
