package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/quantcore/internal/backtest"
	"github.com/wonny/quantcore/internal/portfolio"
)

// backtestCmd represents the backtest command
var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Strategy backtesting",
	Long: `Replay a selection strategy over historical prices.

At each rebalance date the strategy selects stocks, solves for target
weights and trades into them with lot-size flooring and transaction
costs.

Example:
  go run ./cmd/quant backtest run --from 2023-01-01 --to 2023-12-31 --factors momentum_20d --top 10
  go run ./cmd/quant backtest run --from 2023-01-01 --models alpha_v1 --freq weekly
  go run ./cmd/quant backtest compare --file strategies.json --from 2023-01-01 --to 2023-12-31`,
}

var (
	backtestRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run one strategy",
		RunE:  runBacktest,
	}

	backtestCompareCmd = &cobra.Command{
		Use:   "compare",
		Short: "Run several strategies over the same window",
		RunE:  runBacktestCompare,
	}

	// Flags
	btFrom     string
	btTo       string
	btName     string
	btFactors  string
	btModels   string
	btTopN     int
	btCapital  float64
	btFreq     string
	btCost     float64
	btOptimize string
	btFile     string
)

func init() {
	rootCmd.AddCommand(backtestCmd)
	backtestCmd.AddCommand(backtestRunCmd)
	backtestCmd.AddCommand(backtestCompareCmd)

	backtestRunCmd.Flags().StringVar(&btFrom, "from", "", "start date (YYYY-MM-DD, required)")
	backtestRunCmd.Flags().StringVar(&btTo, "to", "", "end date (YYYY-MM-DD, default: today)")
	backtestRunCmd.Flags().StringVar(&btName, "name", "strategy", "strategy name")
	backtestRunCmd.Flags().StringVar(&btFactors, "factors", "", "factor IDs for factor-based selection")
	backtestRunCmd.Flags().StringVar(&btModels, "models", "", "model IDs for ML-based selection")
	backtestRunCmd.Flags().IntVar(&btTopN, "top", 10, "stocks held")
	backtestRunCmd.Flags().Float64Var(&btCapital, "capital", 1_000_000, "initial capital")
	backtestRunCmd.Flags().StringVar(&btFreq, "freq", string(backtest.FrequencyWeekly), "rebalance frequency (daily|weekly|monthly)")
	backtestRunCmd.Flags().Float64Var(&btCost, "cost", 0.001, "transaction cost rate")
	backtestRunCmd.Flags().StringVar(&btOptimize, "optimize", string(portfolio.MethodEqualWeight), "weighting method")
	backtestRunCmd.MarkFlagRequired("from")

	backtestCompareCmd.Flags().StringVar(&btFile, "file", "", "JSON file with an array of strategies (required)")
	backtestCompareCmd.Flags().StringVar(&btFrom, "from", "", "start date (YYYY-MM-DD, required)")
	backtestCompareCmd.Flags().StringVar(&btTo, "to", "", "end date (YYYY-MM-DD, default: today)")
	backtestCompareCmd.Flags().Float64Var(&btCapital, "capital", 1_000_000, "initial capital per run")
	backtestCompareCmd.Flags().StringVar(&btFreq, "freq", string(backtest.FrequencyWeekly), "rebalance frequency")
	backtestCompareCmd.MarkFlagRequired("file")
	backtestCompareCmd.MarkFlagRequired("from")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	start, err := parseDate(btFrom, "from")
	if err != nil {
		return err
	}
	end, err := parseDateOrToday(btTo, "to")
	if err != nil {
		return err
	}

	strategy := backtest.Strategy{
		Name:            btName,
		TopN:            btTopN,
		Optimization:    portfolio.Method(btOptimize),
		TransactionCost: btCost,
	}
	switch {
	case btModels != "":
		strategy.SelectionMethod = backtest.SelectMLBased
		strategy.ModelIDs = splitList(btModels)
	case btFactors != "":
		strategy.SelectionMethod = backtest.SelectFactorBased
		strategy.FactorList = splitList(btFactors)
	default:
		return fmt.Errorf("either --factors or --models is required")
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Backtesting %s over %s ~ %s (%s rebalance)...\n",
		strategy.Name, start.Format(dateLayout), end.Format(dateLayout), btFreq)

	started := time.Now()
	result, err := a.backtest.Run(cmd.Context(), strategy, start, end, btCapital, backtest.Frequency(btFreq))
	if err != nil {
		return fmt.Errorf("backtest failed: %w", err)
	}

	printBacktestResult(result, time.Since(started))
	return nil
}

func runBacktestCompare(cmd *cobra.Command, args []string) error {
	start, err := parseDate(btFrom, "from")
	if err != nil {
		return err
	}
	end, err := parseDateOrToday(btTo, "to")
	if err != nil {
		return err
	}

	data, err := os.ReadFile(btFile)
	if err != nil {
		return fmt.Errorf("read strategies: %w", err)
	}
	var strategies []backtest.Strategy
	if err := json.Unmarshal(data, &strategies); err != nil {
		return fmt.Errorf("parse strategies: %w", err)
	}
	if len(strategies) == 0 {
		return fmt.Errorf("no strategies in %s", btFile)
	}

	runs := make([]backtest.StrategyRun, len(strategies))
	for i, s := range strategies {
		runs[i] = backtest.StrategyRun{
			Strategy:       s,
			InitialCapital: btCapital,
			Frequency:      backtest.Frequency(btFreq),
		}
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Comparing %d strategies over %s ~ %s...\n", len(runs), start.Format(dateLayout), end.Format(dateLayout))

	comparison, err := a.backtest.CompareStrategies(cmd.Context(), runs, start, end)
	if err != nil {
		return fmt.Errorf("comparison failed: %w", err)
	}

	fmt.Println("\n✅ Comparison completed")
	printSeparator()
	for _, r := range comparison.Results {
		fmt.Printf("%-24s return %+7.2f%%  sharpe %5.2f  mdd %5.2f%%  win %5.1f%%\n",
			r.StrategyName, r.TotalReturn*100, r.Metrics.SharpeRatio,
			r.Metrics.MaxDrawdown*100, r.Metrics.WinRate*100)
	}
	for name, reason := range comparison.Failed {
		fmt.Printf("%-24s ❌ %s\n", name, reason)
	}
	printSeparator()
	fmt.Printf("Best return:     %s\n", comparison.BestReturn)
	fmt.Printf("Best sharpe:     %s\n", comparison.BestSharpe)
	fmt.Printf("Lowest drawdown: %s\n", comparison.LowestDrawdown)
	fmt.Printf("Best win rate:   %s\n", comparison.BestWinRate)
	fmt.Printf("Averages:        return %+.2f%%  sharpe %.2f  mdd %.2f%%\n",
		comparison.AverageReturn*100, comparison.AverageSharpe, comparison.AverageDrawdown*100)
	return nil
}

func printBacktestResult(result *backtest.Result, elapsed time.Duration) {
	fmt.Println("\n✅ Backtest completed")
	printSeparator()

	fmt.Printf("Period:          %s ~ %s (%d rebalances, %.2fs)\n",
		result.Start.Format(dateLayout), result.End.Format(dateLayout),
		result.Metrics.RebalanceCount, elapsed.Seconds())
	fmt.Printf("Initial capital: %s\n", formatNumber(result.InitialCapital))
	fmt.Printf("Final value:     %s\n", formatNumber(result.FinalValue))
	fmt.Printf("Total return:    %+.2f%%\n", result.TotalReturn*100)
	fmt.Println()
	fmt.Printf("Annual return:   %+.2f%%\n", result.Metrics.AnnualizedReturn*100)
	fmt.Printf("Volatility:      %.2f%%\n", result.Metrics.Volatility*100)
	fmt.Printf("Sharpe ratio:    %.2f\n", result.Metrics.SharpeRatio)
	fmt.Printf("Max drawdown:    %.2f%%\n", result.Metrics.MaxDrawdown*100)
	fmt.Printf("Win rate:        %.1f%%\n", result.Metrics.WinRate*100)
	fmt.Printf("Calmar ratio:    %.2f\n", result.Metrics.CalmarRatio)

	if len(result.SkippedDates) > 0 {
		fmt.Printf("\n⚠️  %d dates skipped:\n", len(result.SkippedDates))
		for _, d := range result.SkippedDates {
			fmt.Printf("   - %s\n", d.Format(dateLayout))
		}
	}
	printDegradations(result.Degradations)
}
