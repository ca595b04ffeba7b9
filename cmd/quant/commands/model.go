package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/wonny/quantcore/internal/contracts"
)

// modelCmd represents the model command
var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Prediction model lifecycle",
	Long: `Create, train, run and evaluate return prediction models.

Subcommands:
  create    - register a model from a JSON definition file
  list      - list model definitions
  train     - fit a model over a historical window
  predict   - score symbols with a fitted model
  evaluate  - compare stored predictions against realized returns
  delete    - remove a model, its artifact and its predictions

Example:
  go run ./cmd/quant model create --file alpha_v1.json
  go run ./cmd/quant model train alpha_v1 --from 2023-01-01 --to 2024-06-01
  go run ./cmd/quant model predict alpha_v1 --date 2024-06-28 --save
  go run ./cmd/quant model evaluate alpha_v1 --from 2024-01-01 --to 2024-06-01`,
}

var (
	modelCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Register a model from a JSON definition",
		RunE:  runModelCreate,
	}

	modelListCmd = &cobra.Command{
		Use:   "list",
		Short: "List model definitions",
		RunE:  runModelList,
	}

	modelTrainCmd = &cobra.Command{
		Use:   "train [model_id]",
		Short: "Fit a model over a historical window",
		Args:  cobra.ExactArgs(1),
		RunE:  runModelTrain,
	}

	modelPredictCmd = &cobra.Command{
		Use:   "predict [model_id]",
		Short: "Score symbols with a fitted model",
		Args:  cobra.ExactArgs(1),
		RunE:  runModelPredict,
	}

	modelEvaluateCmd = &cobra.Command{
		Use:   "evaluate [model_id]",
		Short: "Compare predictions against realized returns",
		Args:  cobra.ExactArgs(1),
		RunE:  runModelEvaluate,
	}

	modelDeleteCmd = &cobra.Command{
		Use:   "delete [model_id]",
		Short: "Remove a model and everything it produced",
		Args:  cobra.ExactArgs(1),
		RunE:  runModelDelete,
	}

	// Flags
	modelFile   string
	modelFrom   string
	modelTo     string
	modelDate   string
	modelCodes  string
	modelSave   bool
	modelActive bool
	modelTopN   int
)

func init() {
	rootCmd.AddCommand(modelCmd)
	modelCmd.AddCommand(modelCreateCmd)
	modelCmd.AddCommand(modelListCmd)
	modelCmd.AddCommand(modelTrainCmd)
	modelCmd.AddCommand(modelPredictCmd)
	modelCmd.AddCommand(modelEvaluateCmd)
	modelCmd.AddCommand(modelDeleteCmd)

	modelCreateCmd.Flags().StringVar(&modelFile, "file", "", "model definition JSON file (required)")
	modelCreateCmd.MarkFlagRequired("file")

	modelListCmd.Flags().BoolVar(&modelActive, "active", false, "only active models")

	modelTrainCmd.Flags().StringVar(&modelFrom, "from", "", "training window start (YYYY-MM-DD, required)")
	modelTrainCmd.Flags().StringVar(&modelTo, "to", "", "training window end (YYYY-MM-DD, default: today)")
	modelTrainCmd.MarkFlagRequired("from")

	modelPredictCmd.Flags().StringVar(&modelDate, "date", "", "prediction date (YYYY-MM-DD, default: today)")
	modelPredictCmd.Flags().StringVar(&modelCodes, "codes", "", "comma-separated symbols (default: all covered)")
	modelPredictCmd.Flags().BoolVar(&modelSave, "save", false, "persist predictions")
	modelPredictCmd.Flags().IntVar(&modelTopN, "top", 20, "rows to print")

	modelEvaluateCmd.Flags().StringVar(&modelFrom, "from", "", "evaluation window start (YYYY-MM-DD, required)")
	modelEvaluateCmd.Flags().StringVar(&modelTo, "to", "", "evaluation window end (YYYY-MM-DD, default: today)")
	modelEvaluateCmd.MarkFlagRequired("from")
}

func runModelCreate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(modelFile)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	var def contracts.ModelDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.models.CreateModel(cmd.Context(), def); err != nil {
		return fmt.Errorf("create model: %w", err)
	}

	fmt.Printf("✅ Model %s (%s) registered with %d factors\n", def.ModelID, def.Family, len(def.FactorList))
	return nil
}

func runModelList(cmd *cobra.Command, args []string) error {
	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	defs, err := a.models.ListModels(cmd.Context(), modelActive)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	fmt.Printf("Models (%d):\n", len(defs))
	printSeparator()
	for _, def := range defs {
		status := "inactive"
		if def.IsActive {
			status = "active"
		}
		fmt.Printf("%-20s %-18s %-10s %2d factors  target=%s\n",
			def.ModelID, def.Family, status, len(def.FactorList), def.TargetTag)
	}
	return nil
}

func runModelTrain(cmd *cobra.Command, args []string) error {
	modelID := args[0]

	start, err := parseDate(modelFrom, "from")
	if err != nil {
		return err
	}
	end, err := parseDateOrToday(modelTo, "to")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Training %s over %s ~ %s...\n", modelID, start.Format(dateLayout), end.Format(dateLayout))

	result, err := a.models.Train(cmd.Context(), modelID, start, end)
	if err != nil {
		return fmt.Errorf("train %s: %w", modelID, err)
	}

	fmt.Println("\n✅ Training completed")
	printSeparator()
	fmt.Printf("Samples:      %d train / %d test", result.TrainSamples, result.TestSamples)
	if result.SyntheticTargets > 0 {
		fmt.Printf(" (%d synthetic targets)", result.SyntheticTargets)
	}
	fmt.Println()
	fmt.Printf("Train R²:     %.4f   MSE %.6f   MAE %.6f\n", result.TrainR2, result.TrainMSE, result.TrainMAE)
	fmt.Printf("Test R²:      %.4f   MSE %.6f   MAE %.6f\n", result.TestR2, result.TestMSE, result.TestMAE)
	if result.CVMeanR2 != 0 || result.CVStdR2 != 0 {
		fmt.Printf("CV R²:        %.4f ± %.4f\n", result.CVMeanR2, result.CVStdR2)
	}

	fmt.Println("\nFeature importances:")
	type imp struct {
		factor string
		weight float64
	}
	imps := make([]imp, 0, len(result.Importances))
	for f, w := range result.Importances {
		imps = append(imps, imp{f, w})
	}
	sort.Slice(imps, func(i, j int) bool { return imps[i].weight > imps[j].weight })
	for _, im := range imps {
		fmt.Printf("   %-24s %.4f\n", im.factor, im.weight)
	}

	printDegradations(result.Degradations)
	return nil
}

func runModelPredict(cmd *cobra.Command, args []string) error {
	modelID := args[0]

	date, err := parseDateOrToday(modelDate, "date")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	result, err := a.models.Predict(ctx, modelID, date, splitList(modelCodes))
	if err != nil {
		return fmt.Errorf("predict with %s: %w", modelID, err)
	}

	fmt.Printf("✅ %d predictions for %s on %s\n", len(result.Predictions), modelID, result.TradeDate.Format(dateLayout))
	printSeparator()

	limit := modelTopN
	if limit <= 0 || limit > len(result.Predictions) {
		limit = len(result.Predictions)
	}
	for _, p := range result.Predictions[:limit] {
		fmt.Printf("%-12s rank %3d   return %+.4f   prob %.3f\n",
			p.TSCode, p.RankScore, p.PredictedReturn, p.ProbabilityScore)
	}

	if modelSave {
		if err := a.models.SavePredictions(ctx, result.Predictions); err != nil {
			return fmt.Errorf("save predictions: %w", err)
		}
		fmt.Println("\n✅ Predictions saved")
	}

	printDegradations(result.Degradations)
	return nil
}

func runModelEvaluate(cmd *cobra.Command, args []string) error {
	modelID := args[0]

	start, err := parseDate(modelFrom, "from")
	if err != nil {
		return err
	}
	end, err := parseDateOrToday(modelTo, "to")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.models.Evaluate(cmd.Context(), modelID, start, end)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", modelID, err)
	}

	fmt.Printf("✅ Evaluation of %s (%d samples)\n", modelID, result.Samples)
	printSeparator()
	fmt.Printf("Correlation:        %.4f\n", result.Correlation)
	fmt.Printf("R²:                 %.4f\n", result.R2)
	fmt.Printf("MSE / MAE:          %.6f / %.6f\n", result.MSE, result.MAE)
	fmt.Printf("Information Ratio:  %.4f\n", result.InformationRatio)
	fmt.Println("\nQuintile mean returns (Q1 lowest predicted .. Q5 highest):")
	for i, r := range result.QuintileReturns {
		fmt.Printf("   Q%d: %+.4f\n", i+1, r)
	}
	return nil
}

func runModelDelete(cmd *cobra.Command, args []string) error {
	modelID := args[0]

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.models.DeleteModel(cmd.Context(), modelID); err != nil {
		return fmt.Errorf("delete %s: %w", modelID, err)
	}

	fmt.Printf("✅ Model %s deleted\n", modelID)
	return nil
}
