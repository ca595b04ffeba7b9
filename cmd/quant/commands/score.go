package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/quantcore/internal/scoring"
)

// scoreCmd represents the score command
var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Composite scoring and stock selection",
	Long: `Combine stored factor z-scores into composite rankings, or select
stocks from saved model predictions.

Subcommands:
  rank    - factor-based composite ranking
  select  - ML-based selection from stored predictions
  sector  - industry-level score summary

Example:
  go run ./cmd/quant score rank --date 2024-06-28 --factors momentum_20d,volatility_60d --top 20
  go run ./cmd/quant score select --date 2024-06-28 --models alpha_v1,alpha_v2 --top 10
  go run ./cmd/quant score sector --date 2024-06-28 --factors momentum_20d`,
}

var (
	scoreRankCmd = &cobra.Command{
		Use:   "rank",
		Short: "Factor-based composite ranking",
		RunE:  runScoreRank,
	}

	scoreSelectCmd = &cobra.Command{
		Use:   "select",
		Short: "ML-based selection from stored predictions",
		RunE:  runScoreSelect,
	}

	scoreSectorCmd = &cobra.Command{
		Use:   "sector",
		Short: "Industry-level score summary",
		RunE:  runScoreSector,
	}

	// Flags
	scoreDate     string
	scoreFactors  string
	scoreModels   string
	scoreCodes    string
	scoreMethod   string
	scoreEnsemble string
	scoreTopN     int
)

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.AddCommand(scoreRankCmd)
	scoreCmd.AddCommand(scoreSelectCmd)
	scoreCmd.AddCommand(scoreSectorCmd)

	scoreRankCmd.Flags().StringVar(&scoreDate, "date", "", "trade date (YYYY-MM-DD, default: today)")
	scoreRankCmd.Flags().StringVar(&scoreFactors, "factors", "", "comma-separated factor IDs (required)")
	scoreRankCmd.Flags().StringVar(&scoreCodes, "codes", "", "comma-separated symbols (default: all scored)")
	scoreRankCmd.Flags().StringVar(&scoreMethod, "method", string(scoring.MethodEqualWeight), "scoring method")
	scoreRankCmd.Flags().IntVar(&scoreTopN, "top", 20, "stocks to select")
	scoreRankCmd.MarkFlagRequired("factors")

	scoreSelectCmd.Flags().StringVar(&scoreDate, "date", "", "trade date (YYYY-MM-DD, default: today)")
	scoreSelectCmd.Flags().StringVar(&scoreModels, "models", "", "comma-separated model IDs (required)")
	scoreSelectCmd.Flags().StringVar(&scoreEnsemble, "ensemble", string(scoring.EnsembleAverage), "ensemble method")
	scoreSelectCmd.Flags().IntVar(&scoreTopN, "top", 10, "stocks to select")
	scoreSelectCmd.MarkFlagRequired("models")

	scoreSectorCmd.Flags().StringVar(&scoreDate, "date", "", "trade date (YYYY-MM-DD, default: today)")
	scoreSectorCmd.Flags().StringVar(&scoreFactors, "factors", "", "comma-separated factor IDs (required)")
	scoreSectorCmd.Flags().IntVar(&scoreTopN, "top", 3, "top stocks per leading industry")
	scoreSectorCmd.MarkFlagRequired("factors")
}

func runScoreRank(cmd *cobra.Command, args []string) error {
	date, err := parseDateOrToday(scoreDate, "date")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	matrix, err := a.scoring.FactorScores(ctx, date, splitList(scoreFactors), splitList(scoreCodes))
	if err != nil {
		return fmt.Errorf("load factor scores: %w", err)
	}

	composite, err := a.scoring.CompositeScore(matrix, nil, scoring.ScoringMethod(scoreMethod))
	if err != nil {
		return fmt.Errorf("composite score: %w", err)
	}

	ranked, err := a.scoring.RankStocks(ctx, composite, scoreTopN, nil)
	if err != nil {
		return fmt.Errorf("rank stocks: %w", err)
	}

	fmt.Printf("Top %d by composite score on %s (%s):\n", len(ranked), date.Format(dateLayout), composite.Method)
	printSeparator()
	for _, s := range ranked {
		fmt.Printf("%3d. %-12s %+.4f  pct %5.1f  %s  %s\n",
			s.Rank, s.TSCode, s.Score, s.PercentileRank, s.Industry, s.Name)
	}

	printDegradations(composite.Degradations)
	return nil
}

func runScoreSelect(cmd *cobra.Command, args []string) error {
	date, err := parseDateOrToday(scoreDate, "date")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.scoring.MLBasedSelection(cmd.Context(), date, splitList(scoreModels), scoreTopN, scoring.EnsembleMethod(scoreEnsemble))
	if err != nil {
		return fmt.Errorf("ml selection: %w", err)
	}

	fmt.Printf("Top %d by %s ensemble on %s:\n", len(result.Stocks), result.Method, date.Format(dateLayout))
	printSeparator()
	for _, s := range result.Stocks {
		fmt.Printf("%3d. %-12s score %+.4f  return %+.4f  prob %.3f  models %d  %s\n",
			s.Rank, s.TSCode, s.EnsembleScore, s.PredictedReturn, s.ProbabilityScore, s.ModelCount, s.Name)
	}

	printDegradations(result.Degradations)
	return nil
}

func runScoreSector(cmd *cobra.Command, args []string) error {
	date, err := parseDateOrToday(scoreDate, "date")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.scoring.SectorAnalysis(cmd.Context(), date, splitList(scoreFactors), scoreTopN)
	if err != nil {
		return fmt.Errorf("sector analysis: %w", err)
	}

	fmt.Printf("Industry summary on %s (%d stocks):\n", date.Format(dateLayout), report.TotalCount)
	printSeparator()
	for _, s := range report.Summaries {
		fmt.Printf("%-20s n=%-4d mean %+.3f  median %+.3f  std %.3f\n",
			s.Industry, s.StockCount, s.ScoreMean, s.ScoreMedian, s.ScoreStd)
		for _, top := range report.TopStocks[s.Industry] {
			fmt.Printf("     %-12s %+.4f  %s\n", top.TSCode, top.Score, top.Name)
		}
	}
	return nil
}
