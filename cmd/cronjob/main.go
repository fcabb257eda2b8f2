package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tutor-wallet-backend/internal/config"
	"tutor-wallet-backend/internal/database"
	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/gateway"
	"tutor-wallet-backend/internal/jobs"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository/postgres"
	"tutor-wallet-backend/internal/scheduler"
	"tutor-wallet-backend/internal/service"
	"tutor-wallet-backend/internal/worker"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.dev.yaml", "Path to configuration file")
	runOnce := flag.String("run-once", "", "Run a specific job once and exit (e.g., 'reconcile', 'audit-wallets', 'all-maintenance')")
	ownerType := flag.String("owner-type", "", "Wallet owner type for reconcile (sole_tutor, organization, student)")
	ownerID := flag.Int64("owner-id", 0, "Wallet owner id for reconcile")
	fix := flag.Bool("fix", false, "Write correction entries for detected drift")
	noWorkers := flag.Bool("no-workers", false, "Run the scheduler without the settlement worker pool")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Starting Tutor Wallet Cronjob Runner...", "log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database
	db, err := database.Open(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store := postgres.NewStore(db, cfg.Database.TxRetries)
	m := metrics.New()

	// Initialize Services
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second)
	settlementSvc := service.NewSettlementService(store, gw, time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second, m)
	reconciliationSvc := service.NewReconciliationService(store, cfg.Reconciliation.Threshold(), m)

	jobServices := &jobs.Services{
		Settlement:     settlementSvc,
		Reconciliation: reconciliationSvc,
	}

	// Initialize Job Runner
	jobRunner := jobs.NewJobRunner(store.Tasks(), jobServices, cfg, m)

	// Check if running a single job
	if *runOnce != "" {
		logger.Info("Running job once", "job", *runOnce)
		code := runJobOnce(jobRunner, *runOnce, *ownerType, *ownerID, *fix)
		db.Close()
		os.Exit(code)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go serveMetrics(cfg.Metrics.Address, cfg.Metrics.Path, m)
	}

	// Initialize Scheduler
	cronScheduler, err := scheduler.NewScheduler(jobRunner)
	if err != nil {
		logger.Error("Failed to create scheduler", "error", err)
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	cronScheduler.Start()
	logger.Info("Cronjob scheduler is running. Press Ctrl+C to stop.")

	// Settlement workers
	poolDone := make(chan error, 1)
	if *noWorkers {
		close(poolDone)
	} else {
		pool := worker.NewPool(store.Tasks(), settlementSvc, worker.Options{
			Workers:      cfg.Settlement.Workers,
			BatchSize:    cfg.Settlement.BatchSize,
			PollInterval: time.Duration(cfg.Settlement.PollIntervalSeconds) * time.Second,
			Lease:        time.Duration(cfg.Settlement.LeaseSeconds) * time.Second,
			Backoff:      time.Duration(cfg.Settlement.BackoffSeconds) * time.Second,
		}, m)
		logger.Info("Starting settlement workers", "worker_id", pool.ID(), "workers", cfg.Settlement.Workers)
		go func() { poolDone <- pool.Run(ctx) }()
	}

	// Wait for interrupt signal
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Shutting down cronjob scheduler...")
	cronScheduler.Stop()
	if err := <-poolDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Settlement workers stopped with error", "error", err)
	}
	logger.Info("Cronjob scheduler stopped. Goodbye!")
}

func serveMetrics(addr, path string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	logger.Info("Metrics listener started", "address", addr, "path", path)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics listener failed", "error", err)
	}
}

// runJobOnce runs a specific job once and returns the process exit code
func runJobOnce(jobRunner *jobs.JobRunner, jobName, ownerType string, ownerID int64, fix bool) int {
	var err error
	switch jobName {
	case "reconcile":
		var owner domain.WalletOwnerRef
		owner, err = domain.NewOwnerRef(ownerType, ownerID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile needs -owner-type and -owner-id: %v\n", err)
			return 1
		}
		var report *domain.ReconciliationReport
		report, err = jobRunner.Reconcile(owner, fix)
		if report != nil {
			printJSON(report)
		}
	case "audit-wallets":
		var flagged []domain.ReconciliationReport
		flagged, err = jobRunner.AuditWallets(fix)
		printJSON(flagged)
	case "poll-inflight-payouts":
		err = jobRunner.PollInFlightPayouts()
	case "release-expired-leases":
		err = jobRunner.ReleaseExpiredLeases()
	case "report-dead-letters":
		err = jobRunner.ReportDeadLetters()
	case "all-maintenance":
		err = jobRunner.RunAllMaintenanceJobs()
	default:
		logger.Error("Unknown job name", "job", jobName)
		fmt.Printf("Available jobs:\n")
		fmt.Printf("  - reconcile (-owner-type, -owner-id, -fix)\n")
		fmt.Printf("  - audit-wallets (-fix)\n")
		fmt.Printf("  - poll-inflight-payouts\n")
		fmt.Printf("  - release-expired-leases\n")
		fmt.Printf("  - report-dead-letters\n")
		fmt.Printf("  - all-maintenance\n")
		return 1
	}

	if err != nil {
		var mismatch *domain.CalculationMismatchError
		if errors.As(err, &mismatch) {
			logger.Error("Balance recomputation disagrees, manual investigation required", "job", jobName, "error", err)
			return 2
		}
		logger.Error("Job execution failed", "job", jobName, "error", err)
		return 1
	}
	logger.Info("Job execution completed", "job", jobName)
	return 0
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("Failed to print result", "error", err)
	}
}
