package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/quantcore/internal/contracts"
)

// factorCmd represents the factor command
var factorCmd = &cobra.Command{
	Use:   "factor",
	Short: "Factor computation and registry",
	Long: `Compute cross-sectional factors and manage factor definitions.

Subcommands:
  calc     - compute all active factors for one trade date
  compute  - compute one factor over a date range
  list     - list registered factors

Example:
  go run ./cmd/quant factor calc --date 2024-06-28
  go run ./cmd/quant factor compute momentum_20d --from 2024-01-01 --to 2024-06-28
  go run ./cmd/quant factor list --type technical`,
}

var (
	factorCalcCmd = &cobra.Command{
		Use:   "calc",
		Short: "Compute all active factors for one date",
		RunE:  runFactorCalc,
	}

	factorComputeCmd = &cobra.Command{
		Use:   "compute [factor_id]",
		Short: "Compute one factor over a date range",
		Args:  cobra.ExactArgs(1),
		RunE:  runFactorCompute,
	}

	factorListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered factors",
		RunE:  runFactorList,
	}

	// Flags
	factorDate  string
	factorFrom  string
	factorTo    string
	factorCodes string
	factorType  string
	factorDry   bool
)

func init() {
	rootCmd.AddCommand(factorCmd)
	factorCmd.AddCommand(factorCalcCmd)
	factorCmd.AddCommand(factorComputeCmd)
	factorCmd.AddCommand(factorListCmd)

	factorCalcCmd.Flags().StringVar(&factorDate, "date", "", "trade date (YYYY-MM-DD, default: today)")
	factorCalcCmd.Flags().StringVar(&factorCodes, "codes", "", "comma-separated symbols (default: full universe)")
	factorCalcCmd.Flags().BoolVar(&factorDry, "dry-run", false, "compute without persisting")

	factorComputeCmd.Flags().StringVar(&factorFrom, "from", "", "start date (YYYY-MM-DD, required)")
	factorComputeCmd.Flags().StringVar(&factorTo, "to", "", "end date (YYYY-MM-DD, default: today)")
	factorComputeCmd.Flags().StringVar(&factorCodes, "codes", "", "comma-separated symbols (default: full universe)")
	factorComputeCmd.Flags().BoolVar(&factorDry, "dry-run", false, "compute without persisting")
	factorComputeCmd.MarkFlagRequired("from")

	factorListCmd.Flags().StringVar(&factorType, "type", "", "filter by type (technical|fundamental|money_flow|chip|custom)")
}

func runFactorCalc(cmd *cobra.Command, args []string) error {
	date, err := parseDateOrToday(factorDate, "date")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.factors.LoadDefinitions(ctx); err != nil {
		return fmt.Errorf("load factor definitions: %w", err)
	}

	fmt.Printf("Computing factors for %s...\n", date.Format(dateLayout))

	values, err := a.factors.CalculateAll(ctx, date, splitList(factorCodes))
	if err != nil {
		return fmt.Errorf("calculate factors: %w", err)
	}

	fmt.Printf("✅ %d factor values computed\n", len(values))
	if factorDry {
		fmt.Println("(dry run, nothing persisted)")
		return nil
	}

	if err := a.factors.SaveValues(ctx, values); err != nil {
		return fmt.Errorf("save factor values: %w", err)
	}
	fmt.Println("✅ Saved")
	return nil
}

func runFactorCompute(cmd *cobra.Command, args []string) error {
	factorID := args[0]

	start, err := parseDate(factorFrom, "from")
	if err != nil {
		return err
	}
	end, err := parseDateOrToday(factorTo, "to")
	if err != nil {
		return err
	}

	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.factors.LoadDefinitions(ctx); err != nil {
		return fmt.Errorf("load factor definitions: %w", err)
	}

	fmt.Printf("Computing %s over %s ~ %s...\n", factorID, start.Format(dateLayout), end.Format(dateLayout))

	values, err := a.factors.Calculate(ctx, factorID, splitList(factorCodes), start, end)
	if err != nil {
		return fmt.Errorf("calculate %s: %w", factorID, err)
	}

	fmt.Printf("✅ %d factor values computed\n", len(values))
	if factorDry {
		fmt.Println("(dry run, nothing persisted)")
		return nil
	}

	if err := a.factors.SaveValues(ctx, values); err != nil {
		return fmt.Errorf("save factor values: %w", err)
	}
	fmt.Println("✅ Saved")
	return nil
}

func runFactorList(cmd *cobra.Command, args []string) error {
	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.factors.LoadDefinitions(cmd.Context()); err != nil {
		return fmt.Errorf("load factor definitions: %w", err)
	}

	defs := a.factors.ListFactors(contracts.FactorType(factorType))

	fmt.Printf("Registered factors (%d):\n", len(defs))
	printSeparator()
	for _, def := range defs {
		fmt.Printf("%-24s %-12s %s\n", def.FactorID, def.Type, def.Name)
	}
	return nil
}
