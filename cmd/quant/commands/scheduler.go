package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/quantcore/internal/scheduler"
	"github.com/wonny/quantcore/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Scheduled job management",
	Long: `Start the scheduler daemon or run a registered job once.

Registered jobs:
- factor_refresh: daily 17:00 (compute and store factors for the latest
  trade date)
- model_prediction: daily 18:00 (run every active model and store its
  predictions)

Example:
  go run ./cmd/quant scheduler start
  go run ./cmd/quant scheduler list
  go run ./cmd/quant scheduler run factor_refresh`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler daemon",
		RunE:  runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE:  listSchedulerJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "Run one job immediately",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchedulerJob,
	}
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
}

func runScheduler(cmd *cobra.Command, args []string) error {
	a, jobList, err := initJobs()
	if err != nil {
		return fmt.Errorf("init jobs: %w", err)
	}
	defer a.Close()

	sched := scheduler.New(a.log)
	for _, job := range jobList {
		if err := sched.AddJob(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Name(), err)
		}
	}

	sched.Start()

	fmt.Println("✅ Scheduler started")
	fmt.Println("\nRegistered jobs:")
	for _, job := range jobList {
		fmt.Printf("  - %-20s %s\n", job.Name(), job.Schedule())
	}
	fmt.Println("\nPress Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Println("\nShutting down scheduler...")
	sched.Stop()
	fmt.Println("Scheduler stopped")

	return nil
}

func listSchedulerJobs(cmd *cobra.Command, args []string) error {
	a, jobList, err := initJobs()
	if err != nil {
		return fmt.Errorf("init jobs: %w", err)
	}
	defer a.Close()

	fmt.Println("Registered jobs:")
	for _, job := range jobList {
		fmt.Printf("  - %-20s %s\n", job.Name(), job.Schedule())
	}
	return nil
}

// runSchedulerJob runs one job in the foreground, bypassing the cron
// schedule and retry loop.
func runSchedulerJob(cmd *cobra.Command, args []string) error {
	jobName := args[0]

	a, jobList, err := initJobs()
	if err != nil {
		return fmt.Errorf("init jobs: %w", err)
	}
	defer a.Close()

	for _, job := range jobList {
		if job.Name() != jobName {
			continue
		}
		fmt.Printf("Running job: %s\n", jobName)
		started := time.Now()
		if err := job.Run(cmd.Context()); err != nil {
			return fmt.Errorf("job %s: %w", jobName, err)
		}
		fmt.Printf("✅ %s completed in %.2fs\n", jobName, time.Since(started).Seconds())
		return nil
	}

	return fmt.Errorf("job %s not found", jobName)
}

func initJobs() (*app, []scheduler.Job, error) {
	a, err := initApp()
	if err != nil {
		return nil, nil, err
	}

	jobList := []scheduler.Job{
		jobs.NewFactorRefreshJob(a.factors, a.prices, a.log),
		jobs.NewPredictionJob(a.models, a.log),
	}
	return a, jobList, nil
}
