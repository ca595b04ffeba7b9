package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/quantcore/internal/portfolio"
)

// optimizeCmd represents the optimize command
var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Portfolio weight optimization",
	Long: `Solve for portfolio weights over a candidate set.

Expected returns come from a fitted model's predictions (--model) or
default to zero for every symbol in --codes, which suits risk_parity
and equal_weight.

Example:
  go run ./cmd/quant optimize --model alpha_v1 --date 2024-06-28 --top 20 --max-weight 0.1
  go run ./cmd/quant optimize --codes 600519.SH,000858.SZ --method risk_parity`,
	RunE: runOptimize,
}

var (
	optModel         string
	optDate          string
	optCodes         string
	optMethod        string
	optTopN          int
	optRiskAversion  float64
	optMaxWeight     float64
	optMinWeight     float64
	optConcentration float64
)

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().StringVar(&optModel, "model", "", "model whose predictions supply expected returns")
	optimizeCmd.Flags().StringVar(&optDate, "date", "", "trade date (YYYY-MM-DD, default: today)")
	optimizeCmd.Flags().StringVar(&optCodes, "codes", "", "candidate symbols when no model is given")
	optimizeCmd.Flags().StringVar(&optMethod, "method", string(portfolio.MethodMeanVariance), "optimization method")
	optimizeCmd.Flags().IntVar(&optTopN, "top", 20, "candidates kept from model predictions")
	optimizeCmd.Flags().Float64Var(&optRiskAversion, "risk-aversion", 0, "mean-variance lambda (0 = default)")
	optimizeCmd.Flags().Float64Var(&optMaxWeight, "max-weight", 0, "per-asset upper bound (0 = none)")
	optimizeCmd.Flags().Float64Var(&optMinWeight, "min-weight", 0, "per-asset lower bound (0 = none)")
	optimizeCmd.Flags().Float64Var(&optConcentration, "max-concentration", 0, "post-solve weight cap (0 = none)")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	date, err := parseDateOrToday(optDate, "date")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()

	expected := make(map[string]float64)
	switch {
	case optModel != "":
		result, err := a.models.Predict(ctx, optModel, date, nil)
		if err != nil {
			return fmt.Errorf("predict with %s: %w", optModel, err)
		}
		for _, p := range result.Predictions {
			if optTopN > 0 && p.RankScore > optTopN {
				continue
			}
			expected[p.TSCode] = p.PredictedReturn
		}
	case optCodes != "":
		for _, code := range splitList(optCodes) {
			expected[code] = 0
		}
	default:
		return fmt.Errorf("either --model or --codes is required")
	}

	cons := &portfolio.Constraints{
		RiskAversion:     optRiskAversion,
		MaxWeight:        optMaxWeight,
		MinWeight:        optMinWeight,
		MaxConcentration: optConcentration,
	}

	result, err := a.optimizer.Optimize(ctx, expected, nil, portfolio.Method(optMethod), cons)
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}

	fmt.Printf("✅ %s over %d candidates (%d held)\n", result.Method, result.TotalStocks, result.NonZeroWeights)
	printSeparator()
	printWeights(result.Weights)
	printSeparator()
	fmt.Printf("Expected return:   %+.4f\n", result.Stats.ExpectedReturn)
	fmt.Printf("Expected risk:     %.4f\n", result.Stats.ExpectedRisk)
	fmt.Printf("Sharpe ratio:      %.2f\n", result.Stats.SharpeRatio)
	fmt.Printf("Concentration HHI: %.4f (effective %.1f stocks)\n", result.Stats.ConcentrationHHI, result.Stats.EffectiveStocks)

	printDegradations(result.Degradations)
	return nil
}
