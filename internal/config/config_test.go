package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-rodalies-3d/tracker/internal/network"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"NETWORK", "POLL_INTERVAL", "TICK_INTERVAL", "MAP_ZOOM", "PORT", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "DATABASE_URL"} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	assert.Equal(t, "rodalies", cfg.Network)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 14.0, cfg.InitialZoom)
	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 7*24*time.Hour, cfg.StaticMaxAge())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("NETWORK", "metro")
	t.Setenv("POLL_INTERVAL", "15")
	t.Setenv("TICK_INTERVAL", "250ms")
	t.Setenv("FETCH_TIMEOUT", "5000")
	t.Setenv("MAP_ZOOM", "16.5")
	t.Setenv("PORT", "9000")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RETENTION_HOURS", "not-a-number")

	cfg := FromEnv()
	assert.Equal(t, "metro", cfg.Network)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 16.5, cfg.InitialZoom)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.RetentionDuration, "bad value falls back to default")
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadNetworkAdaptersDefaults(t *testing.T) {
	adapters, err := LoadNetworkAdapters("")
	require.NoError(t, err)
	assert.Len(t, adapters, len(network.AllNetworks()))
	assert.Equal(t, network.DefaultAdapter(network.NetworkMetro), adapters[network.NetworkMetro])
}

func TestLoadNetworkAdaptersOverrides(t *testing.T) {
	path := writeYAML(t, `
rodalies:
  max_parking_slots: 7
  vehicle_length_meters: 100
  predictive:
    gps_stale_threshold: 90s
    predicted_weight: 0.4
    gps_weight: 0.6
Metro:
  group_by_line: false
`)

	adapters, err := LoadNetworkAdapters(path)
	require.NoError(t, err)

	rod := adapters[network.NetworkRodalies]
	def := network.DefaultAdapter(network.NetworkRodalies)
	assert.Equal(t, 7, rod.MaxParkingSlots)
	assert.Equal(t, 100.0, rod.VehicleLengthMeters)
	assert.Equal(t, 90*time.Second, rod.Predictive.GPSStaleThreshold)
	assert.Equal(t, 0.4, rod.Predictive.PredictedWeight)
	assert.Equal(t, def.BaseSlotSpacingMeters, rod.BaseSlotSpacingMeters, "unset fields keep defaults")
	assert.Equal(t, def.Predictive.TripCacheTTL, rod.Predictive.TripCacheTTL)
	assert.Equal(t, def.LinePattern, rod.LinePattern)
	assert.Equal(t, network.NetworkRodalies, rod.Network)

	assert.False(t, adapters[network.NetworkMetro].GroupByLine)
}

func TestLoadNetworkAdaptersErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown network", "monorail:\n  max_parking_slots: 2\n", "unknown network type"},
		{"weights do not sum to one", "rodalies:\n  predictive:\n    predicted_weight: 0.5\n", "must equal 1"},
		{"zero slots", "tram:\n  max_parking_slots: 0\n", "MaxParkingSlots"},
		{"bad pattern", "bus:\n  line_pattern: '('\n", "invalid line_pattern"},
		{"not yaml", "rodalies: [unclosed", "failed to parse network config"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadNetworkAdapters(writeYAML(t, tc.body))
			assert.ErrorContains(t, err, tc.want)
		})
	}

	_, err := LoadNetworkAdapters(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read network config")
}
