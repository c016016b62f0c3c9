package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"coachsync/internal/backfill"
	"coachsync/internal/config"
	"coachsync/internal/database"
	"coachsync/internal/dedup"
	"coachsync/internal/ingest"
	"coachsync/internal/provider"
	"coachsync/internal/tokens"
)

func main() {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	if command == "help" {
		printUsage()
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Open database
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize database: %v\n", err)
		os.Exit(1)
	}

	app := newApp(cfg, db)

	switch command {
	case "sync":
		app.handleSync()
	case "backfill":
		app.handleBackfill()
	case "duplicates":
		app.handleDuplicates()
	case "merge":
		app.handleMerge()
	case "events":
		app.handleEvents()
	case "reprocess":
		app.handleReprocess()
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

type app struct {
	db           *database.DB
	engine       *ingest.Engine
	orchestrator *backfill.Orchestrator
	dedup        *dedup.Deduplicator
}

func newApp(cfg *config.Config, db *database.DB) *app {
	logger := slog.Default()

	ingestClients := make(map[string]ingest.ProviderAPI, len(cfg.Providers))
	refreshClients := make(map[string]tokens.RefreshClient, len(cfg.Providers))
	backfillClients := make(map[string]backfill.Requester, len(cfg.Providers))
	tiers := make(map[string]int, len(cfg.Providers))

	for name, pc := range cfg.Providers {
		client := provider.NewClient(pc, logger)
		ingestClients[name] = client
		refreshClients[name] = client
		backfillClients[name] = client
		tiers[name] = pc.Tier
	}

	tokenManager := tokens.NewManager(db, refreshClients, logger)

	return &app{
		db:           db,
		engine:       ingest.NewEngine(db, ingestClients, tokenManager, logger),
		orchestrator: backfill.NewOrchestrator(db, backfillClients, tokenManager, logger),
		dedup:        dedup.New(db, tiers, logger),
	}
}

// userIDArg parses the user ID positional argument
func userIDArg() int64 {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Error: Missing user ID")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(os.Args[2], 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: Invalid user ID: %s\n", os.Args[2])
		os.Exit(1)
	}
	return id
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to encode output: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) handleSync() {
	userID := userIDArg()

	outcome, err := a.engine.SyncUser(context.Background(), userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Sync failed: %v\n", err)
		os.Exit(1)
	}

	printJSON(outcome)
}

func (a *app) handleBackfill() {
	userID := userIDArg()

	days := 0
	if len(os.Args) > 3 {
		var err error
		days, err = strconv.Atoi(os.Args[3])
		if err != nil || days < 0 {
			fmt.Fprintf(os.Stderr, "Error: Invalid days: %s\n", os.Args[3])
			os.Exit(1)
		}
	}

	outcomes, err := a.orchestrator.RequestForUser(context.Background(), userID, days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Backfill failed: %v\n", err)
		os.Exit(1)
	}

	printJSON(outcomes)
}

func (a *app) handleDuplicates() {
	userID := userIDArg()

	groups, err := a.dedup.FindDuplicates(userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Duplicate scan failed: %v\n", err)
		os.Exit(1)
	}

	if len(groups) == 0 {
		fmt.Println("No duplicate groups found.")
		return
	}

	printJSON(groups)
}

func (a *app) handleMerge() {
	userID := userIDArg()

	dryRun := len(os.Args) > 3 && os.Args[3] == "--dry-run"

	groups, err := a.dedup.FindDuplicates(userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Duplicate scan failed: %v\n", err)
		os.Exit(1)
	}
	if len(groups) == 0 {
		fmt.Println("No duplicate groups found.")
		return
	}

	outcome, err := a.dedup.Merge(groups, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Merge failed: %v\n", err)
		os.Exit(1)
	}

	printJSON(outcome)
}

func (a *app) handleEvents() {
	count, err := a.db.CountUnprocessedEvents()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to count events: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d unprocessed events.\n", count)

	events, err := a.db.ListReprocessableEvents(0, 1<<30, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to list events: %v\n", err)
		os.Exit(1)
	}

	for _, event := range events {
		activityID := ""
		if event.ProviderActivityID != nil {
			activityID = *event.ProviderActivityID
		}
		fmt.Printf("Event %d: %s/%s activity=%s attempts=%d", event.ID, event.Provider, event.EventType, activityID, event.Attempts)
		if event.ErrorKind != nil {
			fmt.Printf(" error_kind=%s", *event.ErrorKind)
		}
		if event.ProcessError != nil {
			fmt.Printf(" error=%q", *event.ProcessError)
		}
		fmt.Println()
	}
}

func (a *app) handleReprocess() {
	events, err := a.db.ListReprocessableEvents(0, 5, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to list events: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No reprocessable events.")
		return
	}

	recovered := 0
	for _, event := range events {
		result := a.engine.Reprocess(context.Background(), event)
		fmt.Printf("Event %d: %s", event.ID, result.Outcome)
		if result.Error != "" {
			fmt.Printf(" (%s)", result.Error)
		}
		fmt.Println()
		if result.Outcome != ingest.OutcomeFailed {
			recovered++
		}
	}

	fmt.Printf("\nReprocessed %d/%d events successfully.\n", recovered, len(events))
}

func printUsage() {
	fmt.Println(`coachsync CLI - Activity Sync Operations

Usage:
  cli <command> [options]

Commands:
  sync <userID>              Work through the user's pending webhook events
  backfill <userID> [days]   Request historical activities from every linked provider
  duplicates <userID>        List duplicate activity groups
  merge <userID> [--dry-run] Merge duplicate groups into their best record
  events                     List unprocessed webhook events
  reprocess                  Retry failed webhook events across all users
  help                       Show this help message

Examples:
  cli sync 42
  cli backfill 42 30
  cli duplicates 42
  cli merge 42 --dry-run
  cli events
  cli reprocess`)
}
