package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mini-rodalies-3d/tracker/internal/config"
	"github.com/mini-rodalies-3d/tracker/internal/db"
	"github.com/mini-rodalies-3d/tracker/internal/network"
	"github.com/mini-rodalies-3d/tracker/internal/static"
	"github.com/mini-rodalies-3d/tracker/internal/static/gtfs"
)

func main() {
	cfg := config.Load()

	dbPath := flag.String("db", cfg.DatabasePath, "Path to SQLite database")
	gtfsDir := flag.String("gtfs-dir", "data/gtfs", "Directory containing GTFS zip files")
	dataDir := flag.String("data-dir", "", "If set, regenerate the static dataset of -network into this directory")
	networkName := flag.String("network", cfg.Network, "Network whose dataset -data-dir receives")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := run(logger, cfg, *dbPath, *gtfsDir, *dataDir, *networkName); err != nil {
		logger.Error("Import failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Import complete!")
}

func run(logger *slog.Logger, cfg *config.Config, dbPath, gtfsDir, dataDir, networkName string) error {
	ctx := context.Background()

	nt, err := network.ParseNetworkType(networkName)
	if err != nil {
		return err
	}
	adapters, err := config.LoadNetworkAdapters(cfg.NetworkConfigPath)
	if err != nil {
		return err
	}
	pattern, err := regexp.Compile(adapters[nt].LinePattern)
	if err != nil {
		return err
	}

	database, err := db.Connect(dbPath, logger)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("Connected to database", "path", dbPath)

	entries, err := os.ReadDir(gtfsDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}

		zipPath := filepath.Join(gtfsDir, entry.Name())
		name := deriveNetworkName(entry.Name())
		logger.Info("Processing feed", "file", entry.Name(), "network", name)

		feed, err := gtfs.ParseFile(zipPath, logger)
		if err != nil {
			logger.Error("Failed to parse feed", "file", entry.Name(), "error", err)
			continue
		}

		stats, err := database.ImportFeed(ctx, name, feed)
		if err != nil {
			logger.Error("Failed to import feed", "file", entry.Name(), "error", err)
			continue
		}
		logger.Info("Feed imported",
			"network", name,
			"stops", stats.Stops,
			"trips", stats.Trips,
			"stop_times", stats.StopTimes)

		if dataDir == "" || name != string(nt) {
			continue
		}
		stations, lines := static.FromGTFS(feed, pattern)
		if len(lines) == 0 {
			logger.Warn("No lines matched, dataset not written", "network", name, "pattern", pattern.String())
			continue
		}
		if err := static.WriteDataset(dataDir, stations, lines, time.Now()); err != nil {
			return err
		}
		logger.Info("Dataset written", "dir", dataDir, "stations", len(stations), "lines", len(lines))
	}

	return nil
}

// deriveNetworkName maps a feed file name onto a network identifier.
func deriveNetworkName(filename string) string {
	name := strings.ToLower(strings.TrimSuffix(filename, ".zip"))
	name = strings.TrimSuffix(name, "_gtfs")

	switch {
	case strings.Contains(name, "fomento") || strings.Contains(name, "rodalies") || strings.Contains(name, "renfe"):
		return string(network.NetworkRodalies)
	case strings.Contains(name, "fgc"):
		return string(network.NetworkFGC)
	case strings.Contains(name, "tram") || strings.Contains(name, "tbx") || strings.Contains(name, "tbs"):
		return string(network.NetworkTram)
	case strings.Contains(name, "bus"):
		return string(network.NetworkBus)
	case strings.Contains(name, "tmb") || strings.Contains(name, "metro"):
		return string(network.NetworkMetro)
	default:
		return name
	}
}
