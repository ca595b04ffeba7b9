package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/internal/factor"
	"github.com/wonny/quantcore/pkg/logger"
)

// FactorRefreshJob recomputes all factors for the latest trading date
// after the market close and persists the normalized values.
type FactorRefreshJob struct {
	engine *factor.Engine
	prices contracts.PriceRepository
	logger *logger.Logger
}

func NewFactorRefreshJob(engine *factor.Engine, prices contracts.PriceRepository, log *logger.Logger) *FactorRefreshJob {
	return &FactorRefreshJob{engine: engine, prices: prices, logger: log}
}

// Name returns the job name
func (j *FactorRefreshJob) Name() string {
	return "factor_refresh"
}

// Schedule returns the cron schedule (5 PM daily, after data ingestion)
func (j *FactorRefreshJob) Schedule() string {
	return "0 0 17 * * *"
}

// Run recomputes and saves factor values for the most recent session.
func (j *FactorRefreshJob) Run(ctx context.Context) error {
	j.logger.Info("Starting scheduled factor refresh")

	now := time.Now()
	dates, err := j.prices.ListTradeDates(ctx, now.AddDate(0, 0, -14), now)
	if err != nil {
		return fmt.Errorf("list trading dates: %w", err)
	}
	if len(dates) == 0 {
		return fmt.Errorf("no recent trading dates")
	}
	latest := dates[len(dates)-1]

	values, err := j.engine.CalculateAll(ctx, latest, nil)
	if err != nil {
		return fmt.Errorf("calculate factors: %w", err)
	}
	if err := j.engine.SaveValues(ctx, values); err != nil {
		return fmt.Errorf("save factor values: %w", err)
	}

	j.logger.WithFields(map[string]interface{}{
		"date":   latest.Format("2006-01-02"),
		"values": len(values),
	}).Info("Scheduled factor refresh completed")
	return nil
}
