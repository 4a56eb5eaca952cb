package rodalies

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	"github.com/mini-rodalies-3d/tracker/internal/pipeline"
)

// ErrUnexpectedStatus is returned when a feed endpoint answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected feed status")

// Config points the source at the GTFS-RT endpoints.
type Config struct {
	VehiclePositionsURL string
	TripUpdatesURL      string
	Timeout             time.Duration
}

// Source polls the Rodalies GTFS-RT feeds and turns each poll into a
// pipeline batch. It is not safe for concurrent Fetch calls.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastPolledAt *time.Time
}

// Option customizes a Source.
type Option func(*Source)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// WithClock overrides the poll timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// NewSource creates a Rodalies feed source.
func NewSource(cfg Config, opts ...Option) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	s := &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch polls both feeds and builds a batch. A failing trip updates feed is
// logged and the batch is built without delays.
func (s *Source) Fetch(ctx context.Context) (pipeline.Batch, error) {
	polledAt := s.now().UTC()

	var (
		positions *gtfs.FeedMessage
		delays    *Delays
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		feed, err := s.fetchFeed(gctx, s.cfg.VehiclePositionsURL)
		if err != nil {
			return fmt.Errorf("failed to fetch vehicle positions: %w", err)
		}
		positions = feed
		return nil
	})
	if s.cfg.TripUpdatesURL != "" {
		g.Go(func() error {
			feed, err := s.fetchFeed(gctx, s.cfg.TripUpdatesURL)
			if err != nil {
				s.logger.Warn("Rodalies: failed to fetch trip updates, continuing without delays", "error", err)
				return nil
			}
			delays = ParseTripUpdates(feed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pipeline.Batch{}, err
	}

	batch := BuildBatch(positions, delays, polledAt)

	s.mu.Lock()
	batch.PreviousPolledAt = s.lastPolledAt
	s.lastPolledAt = &polledAt
	s.mu.Unlock()

	if len(batch.Vehicles) == 0 {
		s.logger.Info("Rodalies: no vehicle positions found")
	} else {
		s.logger.Debug("Rodalies: polled", "vehicles", len(batch.Vehicles), "delays", delays.Len(), "batch", batch.ID)
	}
	return batch, nil
}

// BuildBatch converts a vehicle positions feed into a pipeline batch. Only
// vehicles labelled with a Rodalies line ("R4-77626-PLATF.(1)") are kept; the
// label is used as the route identifier because the feed's route_id is not
// reliable. delays may be nil.
func BuildBatch(feed *gtfs.FeedMessage, delays *Delays, polledAt time.Time) pipeline.Batch {
	batch := pipeline.Batch{
		ID:       uuid.NewString(),
		PolledAt: polledAt,
	}
	if feed == nil {
		return batch
	}

	for _, entity := range feed.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil {
			continue
		}

		label := vehicle.GetVehicle().GetLabel()
		if label == "" || !strings.HasPrefix(strings.ToUpper(label), "R") {
			continue
		}

		snap := pipeline.Snapshot{
			VehicleKey: vehicle.GetVehicle().GetId(),
			RouteID:    &label,
			TripID:     vehicle.GetTrip().GetTripId(),
		}
		if snap.VehicleKey == "" {
			snap.VehicleKey = "entity:" + entity.GetId()
		}

		if pos := vehicle.GetPosition(); pos != nil {
			lat := float64(pos.GetLatitude())
			lng := float64(pos.GetLongitude())
			snap.Latitude = &lat
			snap.Longitude = &lng
		}

		if vehicle.CurrentStatus != nil {
			snap.Status = statusMap[vehicle.GetCurrentStatus()]
		}

		if stopID := vehicle.GetStopId(); stopID != "" {
			id := stopID
			if snap.Status == pipeline.StatusStoppedAt {
				snap.CurrentStopID = &id
			} else {
				snap.NextStopID = &id
			}

			prev, next := delays.Neighbours(snap.TripID, stopID)
			if prev != "" {
				snap.PreviousStopID = &prev
			}
			if next != "" && snap.NextStopID == nil {
				snap.NextStopID = &next
			}

			if td, ok := delays.Lookup(snap.TripID, stopID); ok {
				snap.ArrivalDelaySeconds = td.ArrivalDelay
				snap.DepartureDelaySeconds = td.DepartureDelay
			}
		}

		if vehicle.Timestamp != nil {
			ts := time.Unix(int64(vehicle.GetTimestamp()), 0).UTC()
			snap.Timestamp = &ts
		}

		batch.Vehicles = append(batch.Vehicles, snap)
	}

	return batch
}

// ParseTripUpdates indexes the stop time updates of a trip updates feed.
func ParseTripUpdates(feed *gtfs.FeedMessage) *Delays {
	var updates []TripDelay
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		tripID := tu.GetTrip().GetTripId()
		if tripID == "" {
			continue
		}

		for _, stu := range tu.GetStopTimeUpdate() {
			if stu.GetStopId() == "" {
				continue
			}
			td := TripDelay{
				TripID:       tripID,
				StopID:       stu.GetStopId(),
				StopSequence: int(stu.GetStopSequence()),
			}
			if arr := stu.GetArrival(); arr != nil && arr.Delay != nil {
				d := int(arr.GetDelay())
				td.ArrivalDelay = &d
			}
			if dep := stu.GetDeparture(); dep != nil && dep.Delay != nil {
				d := int(dep.GetDelay())
				td.DepartureDelay = &d
			}
			updates = append(updates, td)
		}
	}
	return NewDelays(updates)
}

// fetchFeed fetches a GTFS-RT feed from the given URL
func (s *Source) fetchFeed(ctx context.Context, url string) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}

	return feed, nil
}
