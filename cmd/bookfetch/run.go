package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"bookfetch/internal/transfer"
	"bookfetch/internal/worker"
	"bookfetch/pkg/account"
	"bookfetch/pkg/config"
	"bookfetch/pkg/creds"
	"bookfetch/pkg/engine"
	"bookfetch/pkg/logger"
	"bookfetch/pkg/queue"
	"bookfetch/pkg/ratelimit"
	"bookfetch/pkg/retry"
	"bookfetch/pkg/rotation"
	"bookfetch/pkg/session"
	"bookfetch/pkg/storage"
)

// exitIncomplete is the exit code for a run that ended with items still
// pending because every account's quota is spent
const exitIncomplete = 3

var (
	runItem        string
	runConcurrent  int
	runOutputDir   string
	runRateLimit   int
	runMaxAttempts int
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Download all pending items in the queue",
	Long: `Drain the download queue against the configured remote source.

The run processes items oldest first, rotating through the account pool
as quotas fill up. It ends when the queue is empty, every account is
spent for the day, or it is interrupted. Interrupted and quota-blocked
items stay pending and are picked up by the next run.

Exit codes:
  0  the queue was drained
  3  items remain but every account's daily quota is spent
  1  anything else went wrong`,
	Example: `  # Download everything pending
  bookfetch run

  # Retry one specific item
  bookfetch run --item 12345

  # One worker per account instead of the sequential loop
  bookfetch run --concurrent 4`,
	Run: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runItem, "item", "", "process a single item by id")
	runCmd.Flags().IntVar(&runConcurrent, "concurrent", 0, "run up to N per-account workers instead of the sequential loop")
	runCmd.Flags().StringVarP(&runOutputDir, "output", "o", "", "output directory for downloads")
	runCmd.Flags().IntVar(&runRateLimit, "rate-limit", 0, "requests per minute")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 0, "attempt budget per item")
}

func runRun(cmd *cobra.Command, args []string) {
	flags := globalFlags()
	if runOutputDir != "" {
		flags["output"] = runOutputDir
	}
	if runRateLimit > 0 {
		flags["rate-limit"] = runRateLimit
	}
	if runMaxAttempts > 0 {
		flags["max-attempts"] = runMaxAttempts
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(1)
	}
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accounts, err := account.NewStore(cfg.Accounts, cfg.Paths.AccountState, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load account state")
	}

	q, err := queue.Open(ctx, cfg.Paths.QueueDB)
	if err != nil {
		log.WithError(err).Fatal("Failed to open queue")
	}
	defer q.Close()

	store, err := storage.NewManager(cfg.Download.OutputDirectory)
	if err != nil {
		log.WithError(err).Fatal("Failed to prepare output directory")
	}

	credentials, err := creds.NewManager()
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize credential manager")
	}

	provider := session.NewFormLoginProvider(
		cfg.Source.BaseURL,
		cfg.Source.LoginPath,
		cfg.Source.UserAgent,
		cfg.Source.RequestTimeout,
		credentials,
		log,
	)

	transferrer := transfer.New(cfg.Source.BaseURL, cfg.Source.UserAgent, store, log)
	limiter := ratelimit.PerMinute(cfg.Download.RequestsPerMinute)
	policy := retry.NewPolicy(cfg.Retry.MaxAttempts, &retry.ExponentialBackoff{
		BaseDelay:    cfg.Retry.BackoffBase,
		MaxDelay:     cfg.Retry.BackoffCap,
		Multiplier:   cfg.Retry.BackoffMultiplier,
		JitterFactor: cfg.Retry.JitterFactor,
	})

	if runConcurrent > 0 && runItem == "" {
		runPool(ctx, cfg, accounts, q, provider, policy, store, limiter, transferrer, log)
		return
	}

	bar := newProgressBar(ctx, q)

	eng, err := engine.New(engine.Options{
		Accounts:    accounts,
		Queue:       q,
		Sessions:    provider,
		Rotation:    rotation.NewPolicy(cfg.Rotation.Threshold, cfg.Rotation.FailureThreshold, log),
		Retry:       policy,
		Storage:     store,
		Limiter:     limiter,
		Transfer:    transferrer.Transfer,
		FileName:    transfer.FileNameFor,
		MinFileSize: cfg.Download.MinFileSize,
		MaxFileSize: cfg.Download.MaxFileSize,
		OnItem: func(r engine.ItemResult) {
			if bar != nil {
				bar.Add(1)
			}
		},
		Logger: log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to build engine")
	}

	var summary *engine.Summary
	if runItem != "" {
		summary, err = eng.RunOne(ctx, runItem)
	} else {
		summary, err = eng.Run(ctx)
	}
	if bar != nil {
		bar.Finish()
		fmt.Println()
	}

	if err != nil {
		log.WithError(err).Error("Run did not finish")
		os.Exit(1)
	}

	printSummary(summary)
	if summary.QuotaExhausted && summary.Pending > 0 {
		os.Exit(exitIncomplete)
	}
}

func runPool(
	ctx context.Context,
	cfg *config.Config,
	accounts *account.Store,
	q *queue.Queue,
	provider session.Provider,
	policy *retry.Policy,
	store *storage.Manager,
	limiter ratelimit.Limiter,
	transferrer *transfer.Transferrer,
	log logger.Logger,
) {
	pool, err := worker.NewPool(worker.Options{
		Accounts:    accounts,
		Queue:       q,
		Sessions:    provider,
		Retry:       policy,
		Storage:     store,
		Limiter:     limiter,
		Transfer:    transferrer.Transfer,
		FileName:    transfer.FileNameFor,
		MinFileSize: cfg.Download.MinFileSize,
		MaxFileSize: cfg.Download.MaxFileSize,
		Logger:      log,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to build worker pool")
	}

	result, err := pool.Run(ctx, runConcurrent)
	if err != nil {
		log.WithError(err).Error("Pool run did not finish")
		os.Exit(1)
	}

	fmt.Printf("Done: %d  Failed: %d  Skipped: %d  Requeued: %d\n",
		result.Done, result.Failed, result.Skipped, result.Requeued)

	stats, serr := q.Stats(context.Background())
	if serr == nil && stats[queue.StatusPending] > 0 {
		os.Exit(exitIncomplete)
	}
}

// newProgressBar sizes a bar to the pending backlog, or returns nil when
// there is nothing to show
func newProgressBar(ctx context.Context, q *queue.Queue) *progressbar.ProgressBar {
	if quiet {
		return nil
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return nil
	}
	total := stats[queue.StatusPending]
	if total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func printSummary(s *engine.Summary) {
	fmt.Printf("Run %s finished\n", s.RunID)
	fmt.Printf("  Done:    %d\n", s.Done)
	fmt.Printf("  Failed:  %d\n", s.Failed)
	fmt.Printf("  Skipped: %d\n", s.Skipped)
	fmt.Printf("  Pending: %d\n", s.Pending)
	if s.QuotaExhausted {
		fmt.Println("  Every account's daily quota is spent; run again tomorrow.")
	}
}
