package static

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/network"
	"github.com/mini-rodalies-3d/tracker/internal/static/gtfs"
)

// RefreshOptions controls a rebuild of a dataset directory from a GTFS feed.
type RefreshOptions struct {
	// GTFSURL is downloaded into CacheDir. When empty, ZipPath must point at
	// an existing archive.
	GTFSURL  string
	ZipPath  string
	CacheDir string

	// DataDir receives Station.geojson, LineGeometry.geojson and manifest.json.
	DataDir string
	// LinePattern keeps only the routes of one network.
	LinePattern *regexp.Regexp

	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// RefreshIfStale rebuilds the dataset in opts.DataDir when its manifest is
// missing or older than maxAge. It returns the GTFS feed that was parsed, or
// nil when the dataset was fresh.
func RefreshIfStale(ctx context.Context, opts RefreshOptions, maxAge time.Duration) (*gtfs.Feed, error) {
	opts.setDefaults()
	if !isStaleOrMissing(filepath.Join(opts.DataDir, ManifestName), maxAge, opts.Now()) {
		opts.Logger.Info("Static data is fresh, skipping refresh", "dir", opts.DataDir)
		return nil, nil
	}
	return Refresh(ctx, opts)
}

// Refresh downloads (if configured) and parses a GTFS archive, then writes a
// dataset for the lines matching opts.LinePattern.
func Refresh(ctx context.Context, opts RefreshOptions) (*gtfs.Feed, error) {
	opts.setDefaults()

	zipPath := opts.ZipPath
	if opts.GTFSURL != "" {
		if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
		if zipPath == "" {
			zipPath = filepath.Join(opts.CacheDir, "gtfs.zip")
		}
		if err := Download(ctx, opts.HTTPClient, opts.GTFSURL, zipPath); err != nil {
			return nil, err
		}
		opts.Logger.Info("Static: GTFS downloaded", "url", opts.GTFSURL, "path", zipPath)
	}
	if zipPath == "" {
		return nil, fmt.Errorf("no GTFS source configured")
	}

	feed, err := gtfs.ParseFile(zipPath, opts.Logger)
	if err != nil {
		return nil, err
	}

	stations, lines := FromGTFS(feed, opts.LinePattern)
	if len(lines) == 0 {
		return nil, fmt.Errorf("no lines in %s match %s", zipPath, opts.LinePattern)
	}
	if err := WriteDataset(opts.DataDir, stations, lines, opts.Now()); err != nil {
		return nil, err
	}

	opts.Logger.Info("Static: dataset regenerated",
		"dir", opts.DataDir,
		"stations", len(stations),
		"lines", len(lines))
	return feed, nil
}

func (o *RefreshOptions) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.CacheDir == "" {
		o.CacheDir = os.TempDir()
	}
	if o.LinePattern == nil {
		o.LinePattern = regexp.MustCompile(`.*`)
	}
}

// Download fetches url into dest, replacing it only once the body is fully
// written.
func Download(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// WriteDataset writes stations, line geometries and a manifest into dir in
// the layout LoadDataset reads.
func WriteDataset(dir string, stations []network.Station, lines []*geometry.Line, now time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dataset dir: %w", err)
	}

	stationData, err := EncodeStations(stations)
	if err != nil {
		return fmt.Errorf("failed to encode stations: %w", err)
	}
	lineData, err := EncodeLines(lines)
	if err != nil {
		return fmt.Errorf("failed to encode lines: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, DefaultStationsFile), stationData, 0o644); err != nil {
		return fmt.Errorf("failed to write stations: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DefaultLinesFile), lineData, 0o644); err != nil {
		return fmt.Errorf("failed to write lines: %w", err)
	}

	sum := sha256.Sum256(stationData)
	manifest := Manifest{
		Stations:           ManifestFile{Path: DefaultStationsFile, Checksum: hex.EncodeToString(sum[:])},
		LineGeometriesPath: DefaultLinesFile,
		UpdatedAt:          now.UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func isStaleOrMissing(manifestPath string, maxAge time.Duration, now time.Time) bool {
	m, err := readManifest(manifestPath)
	if err != nil {
		return true
	}
	updatedAt, err := time.Parse(time.RFC3339, m.UpdatedAt)
	if err != nil {
		return true
	}
	return now.Sub(updatedAt) > maxAge
}
