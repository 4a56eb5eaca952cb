package db

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/predictive"
	"github.com/mini-rodalies-3d/tracker/internal/static/gtfs"
)

// TripStore serves a trip's scheduled stop times, ordered by stop sequence.
// Both the SQLite DB and PostgresStore implement it.
type TripStore interface {
	StopTimes(ctx context.Context, tripID string) ([]predictive.StopTime, error)
	Close() error
}

// ImportStats counts the rows written by ImportFeed.
type ImportStats struct {
	Stops     int
	Trips     int
	StopTimes int
}

// StopTimes returns the stop times of a trip joined with stop coordinates.
// Stops missing from dim_stops are left out. An unknown trip yields no rows
// and no error.
func (db *DB) StopTimes(ctx context.Context, tripID string) ([]predictive.StopTime, error) {
	query := `
		SELECT
			st.trip_id,
			st.stop_id,
			s.stop_name,
			s.stop_lat,
			s.stop_lon,
			st.stop_sequence,
			st.arrival_seconds,
			st.departure_seconds
		FROM dim_stop_times st
		JOIN dim_stops s ON s.network = st.network AND s.stop_id = st.stop_id
		WHERE st.trip_id = ?
		ORDER BY st.stop_sequence
	`

	rows, err := db.conn.QueryContext(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stop times: %w", err)
	}
	defer rows.Close()

	var stopTimes []predictive.StopTime
	for rows.Next() {
		var (
			st       predictive.StopTime
			lat, lon float64
		)
		if err := rows.Scan(
			&st.TripID,
			&st.StopID,
			&st.StopName,
			&lat,
			&lon,
			&st.Sequence,
			&st.ArrivalSeconds,
			&st.DepartureSeconds,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stop time: %w", err)
		}
		st.Point = orb.Point{lon, lat}
		stopTimes = append(stopTimes, st)
	}

	return stopTimes, rows.Err()
}

// ImportFeed replaces the schedule dimensions of one network with the
// contents of a parsed static feed, in a single transaction.
func (db *DB) ImportFeed(ctx context.Context, network string, feed *gtfs.Feed) (ImportStats, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	var stats ImportStats

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"dim_stop_times", "dim_trips", "dim_stops"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE network = ?", network); err != nil {
			return stats, fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	stopStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO dim_stops (network, stop_id, stop_name, stop_lat, stop_lon)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return stats, fmt.Errorf("failed to prepare stop statement: %w", err)
	}
	defer stopStmt.Close()

	for _, s := range feed.Stops {
		if s.StopID == "" {
			continue
		}
		if _, err := stopStmt.ExecContext(ctx, network, s.StopID, s.StopName, s.StopLat, s.StopLon); err != nil {
			return stats, fmt.Errorf("failed to insert stop %s: %w", s.StopID, err)
		}
		stats.Stops++
	}

	tripStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO dim_trips (network, trip_id, route_id, service_id, headsign, direction_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return stats, fmt.Errorf("failed to prepare trip statement: %w", err)
	}
	defer tripStmt.Close()

	for _, t := range feed.Trips {
		if t.TripID == "" {
			continue
		}
		if _, err := tripStmt.ExecContext(ctx, network, t.TripID, t.RouteID, t.ServiceID, t.Headsign, t.DirectionID); err != nil {
			return stats, fmt.Errorf("failed to insert trip %s: %w", t.TripID, err)
		}
		stats.Trips++
	}

	stStmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO dim_stop_times (network, trip_id, stop_sequence, stop_id, arrival_seconds, departure_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return stats, fmt.Errorf("failed to prepare stop time statement: %w", err)
	}
	defer stStmt.Close()

	for _, st := range feed.StopTimes {
		if st.TripID == "" || st.StopID == "" {
			continue
		}
		if _, err := stStmt.ExecContext(ctx, network, st.TripID, st.StopSequence, st.StopID, st.ArrivalSeconds, st.DepartureSeconds); err != nil {
			return stats, fmt.Errorf("failed to insert stop time %s/%d: %w", st.TripID, st.StopSequence, err)
		}
		stats.StopTimes++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit import: %w", err)
	}

	db.logger.Info("DB: imported schedule",
		"network", network,
		"stops", stats.Stops,
		"trips", stats.Trips,
		"stop_times", stats.StopTimes)
	return stats, nil
}
