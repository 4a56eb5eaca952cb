package static

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mini-rodalies-3d/tracker/internal/geometry"
	"github.com/mini-rodalies-3d/tracker/internal/network"
)

// Default file names inside a dataset directory when no manifest is present.
const (
	DefaultStationsFile  = "Station.geojson"
	DefaultLinesFile     = "LineGeometry.geojson"
	DefaultPolylinesFile = "polylines.json"
	ManifestName         = "manifest.json"
)

// Manifest describes a dataset directory.
type Manifest struct {
	Stations           ManifestFile `json:"stations"`
	LineGeometriesPath string       `json:"line_geometries_path"`
	PolylinesPath      string       `json:"polylines_path,omitempty"`
	UpdatedAt          string       `json:"updated_at"`
}

// ManifestFile points at one file of the dataset.
type ManifestFile struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum,omitempty"`
}

// Dataset is the static reference data the pipeline runs against.
type Dataset struct {
	Stations  []network.Station
	Lines     []*geometry.Line
	UpdatedAt time.Time
}

// LineCodes returns the codes of all loaded lines.
func (d *Dataset) LineCodes() []string {
	codes := make([]string, len(d.Lines))
	for i, l := range d.Lines {
		codes[i] = l.ID
	}
	return codes
}

// Stale reports whether the dataset is older than maxAge or has no known
// generation time.
func (d *Dataset) Stale(maxAge time.Duration, now time.Time) bool {
	if d.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(d.UpdatedAt) > maxAge
}

// LoadDataset reads stations and line geometries from dir. manifest.json is
// optional; without it the default file names are used. Lines from the
// GeoJSON file take precedence over encoded polylines with the same code.
func LoadDataset(dir string, logger *slog.Logger) (*Dataset, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := readManifest(filepath.Join(dir, ManifestName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("Static: no manifest, using default file names", "dir", dir)
		m = &Manifest{
			Stations:           ManifestFile{Path: DefaultStationsFile},
			LineGeometriesPath: DefaultLinesFile,
			PolylinesPath:      DefaultPolylinesFile,
		}
	case err != nil:
		return nil, err
	}

	ds := &Dataset{}
	if m.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
			ds.UpdatedAt = t
		} else {
			logger.Warn("Static: unparseable manifest timestamp", "updated_at", m.UpdatedAt)
		}
	}

	ds.Stations, err = LoadStations(filepath.Join(dir, m.Stations.Path))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	add := func(lines []*geometry.Line, source string) {
		for _, l := range lines {
			if seen[l.ID] {
				logger.Debug("Static: duplicate line ignored", "line", l.ID, "source", source)
				continue
			}
			seen[l.ID] = true
			ds.Lines = append(ds.Lines, l)
		}
	}

	if m.LineGeometriesPath != "" {
		lines, err := LoadLines(filepath.Join(dir, m.LineGeometriesPath))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		add(lines, m.LineGeometriesPath)
	}
	if m.PolylinesPath != "" {
		lines, err := LoadPolylines(filepath.Join(dir, m.PolylinesPath))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		add(lines, m.PolylinesPath)
	}

	if len(ds.Lines) == 0 {
		return nil, fmt.Errorf("no line geometry found in %s", dir)
	}

	logger.Info("Static: dataset loaded",
		"dir", dir,
		"stations", len(ds.Stations),
		"lines", len(ds.Lines),
		"updated_at", m.UpdatedAt)

	return ds, nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Stations.Path == "" {
		m.Stations.Path = DefaultStationsFile
	}
	return &m, nil
}
