package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ent0n29/traitscout/internal/app"
	"github.com/ent0n29/traitscout/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := applyFlags(&cfg, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("config error: %v", err)
	}

	logger := log.New(os.Stdout, "traitscout ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	logger.Printf("oracle: %s", built.Oracle.Detail)
	logger.Printf("store: %s", cfg.StoreDriver)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	built.Coordinator.StartSweeper(ctx, cfg.SweepInterval)
	// Transcripts left at the threshold by a previous run are handed off now.
	if n := built.Coordinator.Sweep(); n > 0 {
		logger.Printf("recovered %d pending analysis run(s)", n)
	}

	if built.Bot != nil {
		if err := built.Bot.Start(ctx); err != nil {
			logger.Fatalf("discord bot start failed: %v", err)
		}
	} else {
		logger.Printf("discord bot disabled (DISCORD_BOT_TOKEN not set)")
	}

	go func() {
		logger.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := built.Coordinator.Close(shutdownCtx); err != nil {
		logger.Printf("analysis runs interrupted: %v", err)
	}
	if err := built.Cleanup(); err != nil {
		logger.Printf("cleanup failed: %v", err)
	}

	logger.Printf("shutdown complete")
}

// applyFlags lets command-line flags override environment settings.
func applyFlags(cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("traitscout", pflag.ContinueOnError)
	fs.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "HTTP listen address")
	fs.IntVar(&cfg.TurnThreshold, "threshold", cfg.TurnThreshold, "turns per participant cycle")
	fs.IntVar(&cfg.MaxActiveParticipants, "max-active", cfg.MaxActiveParticipants, "concurrent active participants (0 = unlimited)")
	fs.IntVar(&cfg.AnalysisConcurrency, "analysis-concurrency", cfg.AnalysisConcurrency, "analysis runs in flight")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "period of the pending-transcript sweep")
	fs.StringSliceVar(&cfg.TraitLabels, "labels", cfg.TraitLabels, "trait taxonomy, comma separated")
	fs.StringVar(&cfg.TraitPolicy, "policy", cfg.TraitPolicy, "reclassification policy: replace or accumulate")
	fs.StringVar(&cfg.TraitDefinitionsFile, "definitions", cfg.TraitDefinitionsFile, "YAML or JSON file of label definitions")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "document store: file, memory, sqlite, postgres, gorm-postgres")
	fs.StringVar(&cfg.StoreDSN, "store-dsn", cfg.StoreDSN, "document store location")
	fs.StringVar(&cfg.OracleMode, "oracle", cfg.OracleMode, "oracle mode: auto, ollama, http, mock")
	fs.StringVar(&cfg.OracleURL, "oracle-url", cfg.OracleURL, "oracle base URL")
	fs.DurationVar(&cfg.OracleTimeout, "oracle-timeout", cfg.OracleTimeout, "classification call timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return cfg.Validate()
}
