package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/quantcore/internal/backtest"
	"github.com/wonny/quantcore/internal/contracts"
	"github.com/wonny/quantcore/internal/factor"
	"github.com/wonny/quantcore/internal/marketdata"
	"github.com/wonny/quantcore/internal/mlmodel"
	"github.com/wonny/quantcore/internal/portfolio"
	"github.com/wonny/quantcore/internal/scoring"
	"github.com/wonny/quantcore/pkg/config"
	"github.com/wonny/quantcore/pkg/database"
	"github.com/wonny/quantcore/pkg/logger"
	"github.com/wonny/quantcore/pkg/redis"
)

var (
	// Global flags
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quant",
	Short: "quantcore - factor-driven stock selection and backtesting",
	Long: `quantcore unified CLI

Factor computation, composite scoring, ML prediction models,
portfolio optimization and backtesting over a shared price store.

Usage:
  go run ./cmd/quant [command]

Examples:
  go run ./cmd/quant factor calc --date 2024-06-28
  go run ./cmd/quant model train alpha_v1 --from 2023-01-01 --to 2024-06-01
  go run ./cmd/quant backtest run --from 2023-01-01 --to 2023-12-31 --factors momentum_20d
  go run ./cmd/quant scheduler start`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// app bundles the engines every subcommand wires the same way.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *database.DB
	rdb    *redis.Client
	prices contracts.PriceRepository

	factors   *factor.Engine
	scoring   *scoring.Engine
	models    *mlmodel.Manager
	optimizer *portfolio.Optimizer
	backtest  *backtest.Engine
}

// initApp loads config, connects to the stores and builds the engine
// graph. Callers must Close when done.
func initApp() (*app, error) {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize logger
	log := logger.New(cfg)

	// 3. Connect to database
	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: db}

	// 4. Repositories
	var prices contracts.PriceRepository = marketdata.NewPriceRepository(db.Pool)

	// Optional Redis read-through cache for price history
	if cfg.Redis.Enabled {
		rdb, err := redis.New(cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.rdb = rdb
		cache := redis.NewCache(rdb, "quant")
		prices = marketdata.NewCachedPriceRepository(prices, cache, cfg.Redis.TTL, log)
	}

	// Optional store read throttle
	if cfg.Quant.StoreReadRate > 0 {
		prices = marketdata.NewLimitedPriceRepository(prices, cfg.Quant.StoreReadRate)
	}
	a.prices = prices

	fundamentals := marketdata.NewFundamentalRepository(db.Pool)
	flows := marketdata.NewMoneyFlowRepository(db.Pool)
	chips := marketdata.NewChipRepository(db.Pool)
	stocks := marketdata.NewStockInfoRepository(db.Pool)
	factorRepo := marketdata.NewFactorRepository(db.Pool)
	modelRepo := marketdata.NewModelRepository(db.Pool)
	predRepo := marketdata.NewPredictionRepository(db.Pool)

	// 5. Engines
	a.factors = factor.NewEngine(prices, fundamentals, flows, chips, stocks, factorRepo, cfg.Quant.FactorWorkers, log)
	a.scoring = scoring.NewEngine(factorRepo, predRepo, stocks, log)
	a.models = mlmodel.NewManager(modelRepo, factorRepo, prices, predRepo, cfg.Quant.ModelDir, cfg.Quant.TrainTimeout, log)
	a.optimizer = portfolio.NewOptimizer(prices, cfg.Quant.OptimizeTimeout, log)
	a.backtest = backtest.NewEngine(a.scoring, a.optimizer, prices, log)

	return a, nil
}

// Close releases the database and cache connections.
func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
