package network

import (
	"regexp"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestExtractLineCode(t *testing.T) {
	pattern := regexp.MustCompile(DefaultAdapter(NetworkRodalies).LinePattern)

	tests := []struct {
		routeID  string
		expected string
	}{
		// Standard Rodalies lines
		{"R4-77626-PLATF.(1)", "R4"},
		{"R1-12345-PLATF.(2)", "R1"},
		{"R2-54321-SOMETHING", "R2"},
		{"R7-98765", "R7"},
		{"R11-22222", "R11"},
		{"R17-66666", "R17"},

		// North/South variants
		{"R2N-77777-PLATF.(1)", "R2N"},
		{"R2S-88888-SOMETHING", "R2S"},

		// Regional lines
		{"RG1-99999", "RG1"},
		{"RL3-11111", "RL3"},
		{"RT2-33333", "RT2"},

		// Lowercase should work too
		{"r4-77626-platf.(1)", "R4"},
		{"r2n-12345", "R2N"},

		// Edge cases
		{"", ""},
		{"UNKNOWN", ""},
		{"C1-12345", ""},
		{"S1-12345", ""},
	}

	for _, tc := range tests {
		t.Run(tc.routeID, func(t *testing.T) {
			got, ok := ExtractLineCode(tc.routeID, pattern)
			assert.Equal(t, tc.expected, got)
			assert.Equal(t, tc.expected != "", ok)
		})
	}
}

func TestExtractLineCodeMetro(t *testing.T) {
	pattern := regexp.MustCompile(DefaultAdapter(NetworkMetro).LinePattern)

	got, ok := ExtractLineCode("L5-2-123", pattern)
	require.True(t, ok)
	assert.Equal(t, "L5", got)

	_, ok = ExtractLineCode("R4-1", pattern)
	assert.False(t, ok)

	_, ok = ExtractLineCode("L1", nil)
	assert.False(t, ok)
}

func testStations() *StationIndex {
	return NewStationIndex([]Station{
		{ID: "71801", Name: "Barcelona-Passeig de Gràcia", Point: orb.Point{2.1650, 41.3920}, Lines: []string{"R2", "R2N", "R2S"}},
		{ID: "79300", Name: "Sant Andreu Comtal", Point: orb.Point{2.1900, 41.4360}, Lines: []string{"R3", "R4", "R7"}},
		{ID: "72400", Name: "Aeroport", Point: orb.Point{2.0760, 41.3040}, Lines: []string{"R2N"}},
		{ID: "00000", Name: "Nowhere"},
	})
}

func TestInferLineFromStation(t *testing.T) {
	stations := testStations()

	tests := []struct {
		name     string
		stops    VehicleStops
		expected string
	}{
		{"current stop first", VehicleStops{CurrentStopID: strPtr("72400"), NextStopID: strPtr("79300")}, "R2N"},
		{"next stop when current unknown", VehicleStops{CurrentStopID: strPtr("missing"), NextStopID: strPtr("79300")}, "R3"},
		{"previous stop last", VehicleStops{PreviousStopID: strPtr("71801")}, "R2"},
		{"station without lines is skipped", VehicleStops{CurrentStopID: strPtr("00000"), PreviousStopID: strPtr("72400")}, "R2N"},
		{"nothing matches", VehicleStops{CurrentStopID: strPtr("nope")}, ""},
		{"no stops", VehicleStops{}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := InferLineFromStation(tc.stops, stations)
			assert.Equal(t, tc.expected, got)
			assert.Equal(t, tc.expected != "", ok)
		})
	}
}

func TestResolver(t *testing.T) {
	stations := testStations()
	adapter := DefaultAdapter(NetworkRodalies)

	t.Run("route id wins", func(t *testing.T) {
		r := NewResolver(adapter, stations, nil)
		code, ok := r.Resolve(strPtr("R4-77626-PLATF.(1)"), VehicleStops{CurrentStopID: strPtr("72400")})
		require.True(t, ok)
		assert.Equal(t, "R4", code)
	})

	t.Run("station fallback", func(t *testing.T) {
		r := NewResolver(adapter, stations, nil)
		code, ok := r.Resolve(nil, VehicleStops{NextStopID: strPtr("79300")})
		require.True(t, ok)
		assert.Equal(t, "R3", code)
	})

	t.Run("known lines filter", func(t *testing.T) {
		r := NewResolver(adapter, stations, []string{"R2N"})
		_, ok := r.Resolve(strPtr("R4-1"), VehicleStops{})
		assert.False(t, ok)

		code, ok := r.Resolve(strPtr("R4-1"), VehicleStops{CurrentStopID: strPtr("72400")})
		require.True(t, ok)
		assert.Equal(t, "R2N", code)
	})

	t.Run("unresolvable", func(t *testing.T) {
		r := NewResolver(adapter, stations, nil)
		_, ok := r.Resolve(strPtr("X-1"), VehicleStops{})
		assert.False(t, ok)
	})
}

func TestStationIndex(t *testing.T) {
	idx := testStations()
	assert.Equal(t, 4, idx.Len())

	s, ok := idx.Get("79300")
	require.True(t, ok)
	assert.Equal(t, "Sant Andreu Comtal", s.Name)

	_, ok = idx.Get("")
	assert.False(t, ok)

	var empty *StationIndex
	_, ok = empty.Get("79300")
	assert.False(t, ok)
	assert.Equal(t, 0, empty.Len())
}

func TestAdapterValidate(t *testing.T) {
	for _, n := range AllNetworks() {
		a := DefaultAdapter(n)
		assert.NoError(t, a.Validate(), n)
	}

	a := DefaultAdapter(NetworkRodalies)
	a.Predictive.GPSWeight = 0.9
	assert.Error(t, a.Validate())

	a = DefaultAdapter(NetworkRodalies)
	a.MaxParkingSlots = 0
	assert.Error(t, a.Validate())

	a = DefaultAdapter(NetworkRodalies)
	a.LinePattern = "("
	assert.Error(t, a.Validate())
}

func TestParseNetworkType(t *testing.T) {
	n, err := ParseNetworkType(" Metro ")
	require.NoError(t, err)
	assert.Equal(t, NetworkMetro, n)

	_, err = ParseNetworkType("ferry")
	assert.Error(t, err)
}

func TestAdapterParking(t *testing.T) {
	a := DefaultAdapter(NetworkRodalies)
	cfg := a.Parking()
	assert.Equal(t, 5, cfg.MaxSlots)
	assert.Equal(t, 30.0, cfg.ClearanceMeters)
	assert.Equal(t, 14.0, cfg.ReferenceZoom)
	assert.Equal(t, 2*time.Second, a.ParkingTransition)
	assert.Equal(t, 10*time.Minute, a.Predictive.TripCacheTTL)
	assert.Equal(t, 200, a.Predictive.TripCacheCapacity)
	assert.False(t, cfg.GroupByLine)

	metro := DefaultAdapter(NetworkMetro)
	assert.True(t, metro.Parking().GroupByLine)
}
