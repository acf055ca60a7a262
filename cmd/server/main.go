// Package main is the entry point for the allocator service. It wires the
// run store, the rolling VaR monitor and the HTTP API, then waits for a
// shutdown signal.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/perivale/allocator/internal/config"
	"github.com/perivale/allocator/internal/database"
	"github.com/perivale/allocator/internal/modules/risk"
	"github.com/perivale/allocator/internal/modules/runs"
	"github.com/perivale/allocator/internal/scheduler"
	"github.com/perivale/allocator/internal/server"
	"github.com/perivale/allocator/pkg/logger"
)

// monitorSource adapts the run store to the VaR monitor: an empty store is a
// warm-up condition, not a failure.
type monitorSource struct {
	repo *runs.Repository
}

func (s monitorSource) LatestPortfolioReturns() ([]float64, error) {
	series, err := s.repo.LatestPortfolioReturns()
	if errors.Is(err, runs.ErrNotFound) {
		return []float64{}, nil
	}
	return series, err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting allocator")

	runsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "runs.db"),
		Profile: database.ProfileStandard,
		Name:    "runs",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open run store database")
	}
	defer runsDB.Close()

	repo, err := runs.NewRepository(runsDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize run store")
	}

	sched := scheduler.New(log)
	if cfg.MonitorEnabled {
		monitor := risk.NewMonitor(risk.MonitorConfig{
			Confidence: cfg.VaRConfidence,
			VaRLimit:   cfg.VaRLimit,
		}, monitorSource{repo: repo}, log)
		if err := sched.AddJob(cfg.MonitorSchedule, monitor); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.MonitorSchedule).Msg("Failed to register VaR monitor")
		}
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:    log,
		Config: cfg,
		RunsDB: runsDB,
		Repo:   repo,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}

	if err := runsDB.WALCheckpoint(""); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}

	log.Info().Msg("Allocator stopped")
}
