package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bookfetch/pkg/config"
	"bookfetch/pkg/queue"
)

var (
	addTitle   string
	addAuthor  string
	addLocator string
	listStatus string
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the download queue",
}

// addCmd represents the queue add command
var addCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add one item to the queue",
	Long: `Add one item to the download queue. Adding an id that is already
queued, downloaded or failed is a no-op; the existing item wins.`,
	Example: `  bookfetch queue add 12345 --title "Dune" --author "Frank Herbert" --locator /dl/12345.epub`,
	Args:    cobra.ExactArgs(1),
	Run:     runQueueAdd,
}

// importCmd represents the queue import command
var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import items from a JSON manifest",
	Long: `Import items from a JSON manifest: an array of objects with id,
title, author and locator fields. Already-known ids are left untouched,
so a manifest can be re-imported safely.`,
	Args: cobra.ExactArgs(1),
	Run:  runQueueImport,
}

// listQueueCmd represents the queue list command
var listQueueCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	Run:   runQueueList,
}

// retryCmd represents the queue retry command
var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Put a failed item back in line",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueRetry,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(addCmd)
	queueCmd.AddCommand(importCmd)
	queueCmd.AddCommand(listQueueCmd)
	queueCmd.AddCommand(retryCmd)

	addCmd.Flags().StringVar(&addTitle, "title", "", "book title")
	addCmd.Flags().StringVar(&addAuthor, "author", "", "book author")
	addCmd.Flags().StringVar(&addLocator, "locator", "", "download locator (path or URL)")
	addCmd.MarkFlagRequired("title")
	addCmd.MarkFlagRequired("locator")

	listQueueCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (PENDING, IN_PROGRESS, DONE, FAILED, SKIPPED)")
}

// openQueue loads the config and opens the queue database
func openQueue(ctx context.Context) (*queue.Queue, error) {
	cfg, err := config.Load(configFile, globalFlags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return queue.Open(ctx, cfg.Paths.QueueDB)
}

func runQueueAdd(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	q, err := openQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer q.Close()

	added, err := q.Add(ctx, args[0], addTitle, addAuthor, addLocator)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to add item:", err)
		os.Exit(1)
	}
	if added {
		fmt.Printf("Queued %s: %s\n", args[0], addTitle)
	} else {
		fmt.Printf("Item %s already known, left untouched\n", args[0])
	}
}

// manifestEntry is one row of an import file
type manifestEntry struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Author  string `json:"author"`
	Locator string `json:"locator"`
}

func runQueueImport(cmd *cobra.Command, args []string) {
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to read manifest:", err)
		os.Exit(1)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to parse manifest:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	q, err := openQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer q.Close()

	var added, skipped, invalid int
	for _, e := range entries {
		if e.ID == "" || e.Title == "" || e.Locator == "" {
			invalid++
			continue
		}
		ok, err := q.Add(ctx, e.ID, e.Title, e.Author, e.Locator)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to add item:", err)
			os.Exit(1)
		}
		if ok {
			added++
		} else {
			skipped++
		}
	}

	fmt.Printf("Imported %d items (%d already known, %d invalid)\n", added, skipped, invalid)
}

func runQueueList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	q, err := openQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer q.Close()

	items, err := q.List(ctx, queue.Status(listStatus))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to list items:", err)
		os.Exit(1)
	}

	if len(items) == 0 {
		fmt.Println("Queue is empty")
		return
	}

	for _, it := range items {
		line := fmt.Sprintf("%-12s %-11s attempts=%d  %s", it.ID, it.Status, it.Attempts, it.Title)
		if it.Author != "" {
			line += " - " + it.Author
		}
		if it.LastError != "" {
			line += fmt.Sprintf("  (%s)", it.LastError)
		}
		fmt.Println(line)
	}
}

func runQueueRetry(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	q, err := openQueue(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer q.Close()

	item, err := q.Get(ctx, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Item not found:", args[0])
		os.Exit(1)
	}
	if item.Status != queue.StatusFailed {
		fmt.Fprintf(os.Stderr, "Item %s is %s, only failed items can be retried\n", item.ID, item.Status)
		os.Exit(1)
	}

	if err := q.Requeue(ctx, item.ID); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to requeue item:", err)
		os.Exit(1)
	}
	fmt.Printf("Item %s is pending again (attempts so far: %d)\n", item.ID, item.Attempts)
}
