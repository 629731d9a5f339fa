package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"livesession-backend/internal/client"
	"livesession-backend/internal/config"
	"livesession-backend/internal/monitor"
	"livesession-backend/internal/reconciler"
)

func main() {
	cfg := config.LoadMonitor()

	// The terminal belongs to the UI; logs go to a file.
	logFile, err := tea.LogToFile("monitor.log", "monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	sessionID, err := uuid.Parse(cfg.SessionID)
	if err != nil {
		log.Fatalf("✗ MONITOR_SESSION_ID is not a uuid: %v", err)
	}
	activityID := uuid.Nil
	if cfg.ActivityID != "" {
		if activityID, err = uuid.Parse(cfg.ActivityID); err != nil {
			log.Fatalf("✗ MONITOR_ACTIVITY_ID is not a uuid: %v", err)
		}
	}
	userID, err := client.TokenSubject(cfg.Token)
	if err != nil {
		log.Fatalf("✗ %v", err)
	}

	api := client.New(cfg.BaseURL, cfg.Token)
	dial := func(ctx context.Context, id uuid.UUID) (reconciler.Stream, error) {
		s, err := api.Dial(ctx, id)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	rec := reconciler.New(api, dial, sessionID, userID, reconciler.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = rec.Attach(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
	defer rec.Close()
	log.Printf("✓ Attached to session %s as %s", sessionID, userID)

	p := tea.NewProgram(monitor.New(rec, api, sessionID, activityID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "✗ monitor: %v\n", err)
		os.Exit(1)
	}
}
