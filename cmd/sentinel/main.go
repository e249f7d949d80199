package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sentinel-ids/internal/cfg"
	"sentinel-ids/internal/metrics"
	"sentinel-ids/internal/ml"
	"sentinel-ids/internal/secure"
	"sentinel-ids/internal/server"
	"sentinel-ids/internal/storage"
	"sentinel-ids/internal/trust"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if level, err := zerolog.ParseLevel(c.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	registry, err := trust.LoadRegistry(c.TrustedKeys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load trusted keys")
	}
	if len(registry.Identities()) == 0 {
		log.Warn().Msg("no trusted identities configured, every record will be rejected")
	}
	gate := trust.NewGate(registry)

	artifacts, err := ml.LoadArtifacts(c.ArtifactsDir, c.RawWidth, c.Models...)
	if err != nil {
		log.Fatal().Err(err).Str("dir", c.ArtifactsDir).Msg("failed to load model artifacts")
	}
	dispatcher := ml.NewDispatcher(artifacts, mw, c.BatchWorkers)
	dispatcher.EnableDrift(c.DriftWindow, c.DriftThreshold)
	manager := ml.NewArtifactManager(dispatcher, c.ArtifactsDir, c.RawWidth, c.Models...)

	opts := []secure.Option{
		secure.WithMetrics(mw),
		secure.WithDefaultModel(c.DefaultModel),
		secure.WithWorkers(c.BatchWorkers),
	}
	srvOpts := []server.Option{
		server.WithMetrics(mw),
		server.WithTimeout(c.RequestTimeout),
		server.WithModelManager(manager),
	}
	if store != nil {
		opts = append(opts, secure.WithAudit(store))
		srvOpts = append(srvOpts, server.WithStore(store))
	}
	svc := secure.New(gate, dispatcher, opts...)
	api := server.New(svc, srvOpts...)

	startAdminServer(ctx, c, api)

	go func() {
		if err := api.Start(c.ListenPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	log.Info().
		Int("port", c.ListenPort).
		Str("version", artifacts.Scaler.Version).
		Strs("models", dispatcher.Models()).
		Strs("identities", registry.Identities()).
		Msg("sentinel gate ready")

	waitForShutdown(ctx, cancel, api, manager)
}

// initializeStorage opens the audit store if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without audit trail")
		return nil
	}
	return store
}

// startAdminServer serves Prometheus metrics and artifact management on
// the dedicated operator port
func startAdminServer(ctx context.Context, c cfg.Settings, api *server.Server) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           api.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown admin server")
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()
}

// waitForShutdown reloads artifacts on SIGHUP and blocks until a
// termination signal arrives or ctx ends, then drains the API
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, api *server.Server, manager *ml.ArtifactManager) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if _, err := manager.Reload(); err != nil {
					log.Error().Err(err).Msg("reload on SIGHUP failed")
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API shutdown incomplete")
	}
	log.Info().Msg("Shutdown complete")
}
