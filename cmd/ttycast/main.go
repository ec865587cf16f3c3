package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/ttycast/internal/api"
	"github.com/user/ttycast/internal/config"
	"github.com/user/ttycast/internal/db"
	"github.com/user/ttycast/internal/eventloop"
	"github.com/user/ttycast/internal/hub"
	"github.com/user/ttycast/internal/server"
	"github.com/user/ttycast/internal/session"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	// The loop outlives the signal context so that recorders can still
	// reap children terminated during shutdown.
	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(loopCtx); err != nil {
			slog.Error("event loop stopped", "error", err)
		}
	}()

	h := hub.New(cfg.Token, hub.Callbacks{})

	mgr, err := session.NewManager(session.ManagerConfig{
		Loop:         loop,
		Hub:          h,
		DB:           database,
		Logger:       slog.Default(),
		RecordingDir: cfg.RecordingDir,
		DefaultRows:  cfg.Rows,
		DefaultCols:  cfg.Cols,
	})
	if err != nil {
		return fmt.Errorf("create session manager: %w", err)
	}
	h.SetCallbacks(mgr.HubCallbacks())
	go h.Run(ctx)

	if cfg.PrintToken {
		fmt.Printf("\nttycast running at http://localhost:%d?token=%s\n\n", cfg.Port, cfg.Token)
	}

	srv := server.New(cfg, h, api.NewRouter(mgr, cfg.Token))
	err = srv.Start(ctx)

	mgr.Shutdown()
	drainDeadline := time.Now().Add(5 * time.Second)
	for mgr.ActiveCount() > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(50 * time.Millisecond)
	}

	stopLoop()
	<-loopDone
	_ = loop.Close()
	return err
}
