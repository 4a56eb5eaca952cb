package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mini-rodalies-3d/tracker/internal/api"
	"github.com/mini-rodalies-3d/tracker/internal/config"
	"github.com/mini-rodalies-3d/tracker/internal/db"
	"github.com/mini-rodalies-3d/tracker/internal/network"
	"github.com/mini-rodalies-3d/tracker/internal/parking"
	"github.com/mini-rodalies-3d/tracker/internal/pipeline"
	"github.com/mini-rodalies-3d/tracker/internal/predictive"
	"github.com/mini-rodalies-3d/tracker/internal/realtime/rodalies"
	"github.com/mini-rodalies-3d/tracker/internal/static"
	"github.com/mini-rodalies-3d/tracker/internal/static/gtfs"
)

var errZoomQueueFull = errors.New("zoom queue full")

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.Info("Starting tracker",
		"network", cfg.Network,
		"poll_interval", cfg.PollInterval,
		"tick_interval", cfg.TickInterval,
		"addr", cfg.HTTPAddr)

	if err := run(cfg, logger); err != nil {
		logger.Error("Tracker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Goodbye!")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Static data and tuning
	nt, err := network.ParseNetworkType(cfg.Network)
	if err != nil {
		return err
	}
	adapters, err := config.LoadNetworkAdapters(cfg.NetworkConfigPath)
	if err != nil {
		return err
	}
	adapter := adapters[nt]

	var refreshed *gtfs.Feed
	if cfg.GTFSStaticURL != "" {
		refreshed, err = static.RefreshIfStale(ctx, static.RefreshOptions{
			GTFSURL:     cfg.GTFSStaticURL,
			CacheDir:    cfg.CacheDir,
			DataDir:     cfg.DataDir,
			LinePattern: regexp.MustCompile(adapter.LinePattern),
			Logger:      logger,
		}, cfg.StaticMaxAge())
		if err != nil {
			logger.Warn("Static refresh failed, using existing data", "error", err)
		}
	}

	dataset, err := static.LoadDataset(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to load static data: %w", err)
	}
	if dataset.Stale(cfg.StaticMaxAge(), time.Now()) {
		logger.Warn("Static data is stale", "updated_at", dataset.UpdatedAt)
	}

	// Storage
	database, err := db.Connect(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		return err
	}
	if refreshed != nil {
		stats, err := database.ImportFeed(ctx, string(nt), refreshed)
		if err != nil {
			logger.Warn("Failed to import refreshed schedule", "error", err)
		} else {
			logger.Info("Schedule imported", "trips", stats.Trips, "stop_times", stats.StopTimes)
		}
	}

	var trips db.TripStore = database
	if cfg.DatabaseURL != "" {
		pg, err := db.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		trips = pg
		logger.Info("Serving stop times from Postgres")
	}

	// Pipeline
	var calc *predictive.Calculator
	if adapter.Predictive.Enabled {
		calc = predictive.NewCalculator(adapter.Predictive, trips, predictive.WithLogger(logger))
	}

	p := pipeline.New(pipeline.Options{
		Lines:      dataset.Lines,
		Stations:   network.NewStationIndex(dataset.Stations),
		Adapter:    adapter,
		Parking:    parking.NewAllocator(),
		Predictive: calc,
		Logger:     logger,
		Zoom:       cfg.InitialZoom,
	}).WithContext(ctx)

	source := rodalies.NewSource(rodalies.Config{
		VehiclePositionsURL: cfg.GTFSVehiclePositionsURL,
		TripUpdatesURL:      cfg.GTFSTripUpdatesURL,
		Timeout:             cfg.FetchTimeout,
	}, rodalies.WithLogger(logger))

	// Shared with the API
	frames := &api.FrameStore{}
	var (
		lastResult atomic.Pointer[pipeline.Result]
		batchCount atomic.Int64
	)

	batches := make(chan pipeline.Batch, 1)
	applied := make(chan appliedBatch, 4)
	zooms := make(chan float64, 8)

	server := api.NewServer(api.Deps{
		Frames: frames,
		Lines:  dataset.Lines,
		Stats: func() api.Stats {
			s := api.Stats{
				Parking:    p.Parking().Stats(),
				Speeds:     p.Speeds().Summaries(),
				Overall:    p.Speeds().OverallSummary(),
				LastResult: lastResult.Load(),
				Batches:    batchCount.Load(),
			}
			if calc != nil {
				tc := calc.CacheStats()
				s.TripCache = &tc
			}
			return s
		},
		SetZoom: func(zoom float64) error {
			select {
			case zooms <- zoom:
				return nil
			default:
				return errZoomQueueFull
			}
		},
		Ping:           database.Ping,
		DelayStats:     database.DelayStats,
		MaxFrameAge:    4 * cfg.PollInterval,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Feed polling
	g.Go(func() error {
		pollOnce(gctx, source, batches, logger)
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pollOnce(gctx, source, batches, logger)
			case <-gctx.Done():
				logger.Info("Polling loop stopped")
				return nil
			}
		}
	})

	// The pipeline is only touched from this goroutine.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case batch := <-batches:
				res, err := p.Update(batch)
				switch {
				case errors.Is(err, pipeline.ErrStaleBatch):
					continue
				case err != nil:
					logger.Error("Pipeline: update failed", "batch", batch.ID, "error", err)
					continue
				}
				lastResult.Store(&res)
				batchCount.Add(1)
				frames.Store(p.Frame(time.Now()))
				select {
				case applied <- appliedBatch{
					batch:  batch,
					result: res,
					delays: db.ObservationsFromVehicles(p.Vehicles(), batch.PolledAt),
				}:
				default:
					logger.Warn("History writer behind, dropping batch record", "batch", batch.ID)
				}
			case zoom := <-zooms:
				now := time.Now()
				p.SetZoom(zoom, now)
				frames.Store(p.Frame(now))
			case now := <-ticker.C:
				p.Tick(now)
				frames.Store(p.Frame(now))
			case <-gctx.Done():
				logger.Info("Pipeline loop stopped")
				return nil
			}
		}
	})

	// Batch history and retention
	g.Go(func() error {
		cleanup := time.NewTicker(time.Hour)
		defer cleanup.Stop()
		for {
			select {
			case a := <-applied:
				wctx, cancel := context.WithTimeout(gctx, 5*time.Second)
				if _, err := database.RecordBatch(wctx, a.batch, a.result); err != nil {
					logger.Warn("Failed to record batch", "batch", a.batch.ID, "error", err)
				}
				if err := database.UpdateDelayStats(wctx, a.delays, a.batch.PolledAt); err != nil {
					logger.Warn("Failed to update delay stats", "batch", a.batch.ID, "error", err)
				}
				cancel()
			case now := <-cleanup.C:
				if _, err := database.Cleanup(gctx, cfg.RetentionDuration, now); err != nil {
					logger.Warn("Cleanup error", "error", err)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	// HTTP
	g.Go(func() error {
		logger.Info("API listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type appliedBatch struct {
	batch  pipeline.Batch
	result pipeline.Result
	delays []db.DelayObservation
}

// pollOnce fetches one batch and hands it to the pipeline goroutine. A batch
// still waiting in the channel is replaced by the newer one.
func pollOnce(ctx context.Context, source *rodalies.Source, out chan pipeline.Batch, logger *slog.Logger) {
	batch, err := source.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Rodalies poll error", "error", err)
		}
		return
	}

	for {
		select {
		case out <- batch:
			return
		case <-ctx.Done():
			return
		default:
			select {
			case old := <-out:
				logger.Debug("Replacing unconsumed batch", "dropped", old.ID, "batch", batch.ID)
			default:
			}
		}
	}
}
