package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bookfetch/pkg/account"
	"bookfetch/pkg/config"
	"bookfetch/pkg/logger"
	"bookfetch/pkg/queue"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and account quota status",
	Run:   runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configFile, globalFlags())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	q, err := queue.Open(ctx, cfg.Paths.QueueDB)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to open queue:", err)
		os.Exit(1)
	}
	defer q.Close()

	stats, err := q.Stats(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to read queue stats:", err)
		os.Exit(1)
	}

	fmt.Println("Queue:")
	total := 0
	for _, st := range []queue.Status{
		queue.StatusPending, queue.StatusInProgress, queue.StatusDone,
		queue.StatusFailed, queue.StatusSkipped,
	} {
		fmt.Printf("  %-12s %d\n", st, stats[st])
		total += stats[st]
	}
	fmt.Printf("  %-12s %d\n", "TOTAL", total)

	accounts, err := account.NewStore(cfg.Accounts, cfg.Paths.AccountState, logger.Nop())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load account state:", err)
		os.Exit(1)
	}

	fmt.Println("\nAccounts:")
	for _, a := range accounts.Snapshot(time.Now()) {
		fmt.Printf("  %-32s %d/%d used today", a.Email, a.DailyDownloads, a.MaxDailyDownloads)
		if !a.Usable() {
			fmt.Print("  (exhausted)")
		}
		fmt.Println()
	}
}
