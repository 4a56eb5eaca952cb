package rodalies

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/mini-rodalies-3d/tracker/internal/network"
	"github.com/mini-rodalies-3d/tracker/internal/pipeline"
)

func header() *gtfs.FeedHeader {
	return &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String("2.0"),
		Timestamp:           proto.Uint64(1740823200),
	}
}

func vehicleEntity(id, vehicleID, label, tripID, stopID string, status gtfs.VehiclePosition_VehicleStopStatus) *gtfs.FeedEntity {
	vp := &gtfs.VehiclePosition{
		Trip:          &gtfs.TripDescriptor{TripId: proto.String(tripID)},
		Position:      &gtfs.Position{Latitude: proto.Float32(41.379), Longitude: proto.Float32(2.140)},
		StopId:        proto.String(stopID),
		CurrentStatus: status.Enum(),
		Timestamp:     proto.Uint64(1740823190),
	}
	desc := &gtfs.VehicleDescriptor{Label: proto.String(label)}
	if vehicleID != "" {
		desc.Id = proto.String(vehicleID)
	}
	vp.Vehicle = desc
	return &gtfs.FeedEntity{Id: proto.String(id), Vehicle: vp}
}

func positionsFeed() *gtfs.FeedMessage {
	return &gtfs.FeedMessage{
		Header: header(),
		Entity: []*gtfs.FeedEntity{
			vehicleEntity("e1", "v1", "R4-77626-PLATF.(1)", "t1", "S2", gtfs.VehiclePosition_STOPPED_AT),
			vehicleEntity("e2", "", "R2N-12345", "t2", "S5", gtfs.VehiclePosition_IN_TRANSIT_TO),
			vehicleEntity("e3", "v3", "C1-12345", "t3", "S9", gtfs.VehiclePosition_IN_TRANSIT_TO),
			vehicleEntity("e4", "v4", "", "t4", "S9", gtfs.VehiclePosition_IN_TRANSIT_TO),
			{Id: proto.String("alert"), Alert: &gtfs.Alert{}},
		},
	}
}

func stopUpdate(stopID string, seq uint32, delay int32) *gtfs.TripUpdate_StopTimeUpdate {
	return &gtfs.TripUpdate_StopTimeUpdate{
		StopId:       proto.String(stopID),
		StopSequence: proto.Uint32(seq),
		Arrival:      &gtfs.TripUpdate_StopTimeEvent{Delay: proto.Int32(delay)},
		Departure:    &gtfs.TripUpdate_StopTimeEvent{Delay: proto.Int32(delay + 30)},
	}
}

func tripUpdatesFeed() *gtfs.FeedMessage {
	return &gtfs.FeedMessage{
		Header: header(),
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("tu1"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{TripId: proto.String("t1")},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						stopUpdate("S3", 3, 150),
						stopUpdate("S1", 1, 60),
						stopUpdate("S2", 2, 120),
					},
				},
			},
			{
				Id: proto.String("tu2"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{TripId: proto.String("t2")},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						stopUpdate("S4", 4, 0),
						stopUpdate("S5", 5, 0),
					},
				},
			},
		},
	}
}

func TestBuildBatch(t *testing.T) {
	polledAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	batch := BuildBatch(positionsFeed(), ParseTripUpdates(tripUpdatesFeed()), polledAt)

	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, polledAt, batch.PolledAt)
	require.Len(t, batch.Vehicles, 2, "non-Rodalies and unlabelled vehicles are dropped")

	stopped := batch.Vehicles[0]
	assert.Equal(t, "v1", stopped.VehicleKey)
	assert.Equal(t, "R4-77626-PLATF.(1)", *stopped.RouteID)
	assert.Equal(t, "t1", stopped.TripID)
	assert.Equal(t, pipeline.StatusStoppedAt, stopped.Status)
	assert.Equal(t, "S2", *stopped.CurrentStopID)
	assert.Equal(t, "S1", *stopped.PreviousStopID)
	assert.Equal(t, "S3", *stopped.NextStopID)
	assert.Equal(t, 120, *stopped.ArrivalDelaySeconds)
	assert.Equal(t, 150, *stopped.DepartureDelaySeconds)
	assert.InDelta(t, 41.379, *stopped.Latitude, 1e-5)
	assert.InDelta(t, 2.140, *stopped.Longitude, 1e-5)
	assert.Equal(t, time.Unix(1740823190, 0).UTC(), *stopped.Timestamp)

	moving := batch.Vehicles[1]
	assert.Equal(t, "entity:e2", moving.VehicleKey)
	assert.Equal(t, pipeline.StatusInTransitTo, moving.Status)
	assert.Nil(t, moving.CurrentStopID)
	assert.Equal(t, "S5", *moving.NextStopID)
	assert.Equal(t, "S4", *moving.PreviousStopID)
	assert.Equal(t, 0, *moving.ArrivalDelaySeconds)
}

func TestBuildBatchWithoutDelays(t *testing.T) {
	batch := BuildBatch(positionsFeed(), nil, time.Now())
	require.Len(t, batch.Vehicles, 2)
	assert.Nil(t, batch.Vehicles[0].ArrivalDelaySeconds)
	assert.Nil(t, batch.Vehicles[0].PreviousStopID)

	empty := BuildBatch(nil, nil, time.Now())
	assert.Empty(t, empty.Vehicles)
}

// The label-derived route id must resolve to a line with the default adapter.
func TestBuildBatchRouteResolves(t *testing.T) {
	batch := BuildBatch(positionsFeed(), nil, time.Now())
	r := network.NewResolver(network.DefaultAdapter(network.NetworkRodalies), nil, nil)

	code, ok := r.Resolve(batch.Vehicles[1].RouteID, network.VehicleStops{})
	require.True(t, ok)
	assert.Equal(t, "R2N", code)
}

func TestDelaysNeighbours(t *testing.T) {
	d := ParseTripUpdates(tripUpdatesFeed())
	assert.Equal(t, 5, d.Len())

	prev, next := d.Neighbours("t1", "S1")
	assert.Equal(t, "", prev)
	assert.Equal(t, "S2", next)

	prev, next = d.Neighbours("t1", "S3")
	assert.Equal(t, "S2", prev)
	assert.Equal(t, "", next)

	prev, next = d.Neighbours("unknown", "S1")
	assert.Empty(t, prev)
	assert.Empty(t, next)

	var nilDelays *Delays
	_, ok := nilDelays.Lookup("t1", "S1")
	assert.False(t, ok)
}

func feedServer(t *testing.T, tripStatus int) *httptest.Server {
	t.Helper()
	positions, err := proto.Marshal(positionsFeed())
	require.NoError(t, err)
	updates, err := proto.Marshal(tripUpdatesFeed())
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/vehicle_positions.pb", func(w http.ResponseWriter, _ *http.Request) {
		w.Write(positions)
	})
	mux.HandleFunc("/trip_updates.pb", func(w http.ResponseWriter, _ *http.Request) {
		if tripStatus != http.StatusOK {
			w.WriteHeader(tripStatus)
			return
		}
		w.Write(updates)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSourceFetch(t *testing.T) {
	srv := feedServer(t, http.StatusOK)

	clock := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	src := NewSource(Config{
		VehiclePositionsURL: srv.URL + "/vehicle_positions.pb",
		TripUpdatesURL:      srv.URL + "/trip_updates.pb",
	}, WithClock(func() time.Time { return clock }))

	first, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Vehicles, 2)
	assert.Nil(t, first.PreviousPolledAt)
	assert.Equal(t, 120, *first.Vehicles[0].ArrivalDelaySeconds)

	clock = clock.Add(30 * time.Second)
	second, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second.PreviousPolledAt)
	assert.Equal(t, first.PolledAt, *second.PreviousPolledAt)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSourceFetchTripUpdatesDown(t *testing.T) {
	srv := feedServer(t, http.StatusServiceUnavailable)
	src := NewSource(Config{
		VehiclePositionsURL: srv.URL + "/vehicle_positions.pb",
		TripUpdatesURL:      srv.URL + "/trip_updates.pb",
	})

	batch, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Vehicles, 2)
	assert.Nil(t, batch.Vehicles[0].ArrivalDelaySeconds)
}

func TestSourceFetchPositionsDown(t *testing.T) {
	srv := feedServer(t, http.StatusOK)
	src := NewSource(Config{VehiclePositionsURL: srv.URL + "/missing.pb"})

	_, err := src.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}
