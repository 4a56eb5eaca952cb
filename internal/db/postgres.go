package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"github.com/mini-rodalies-3d/tracker/internal/predictive"
)

// PostgresStore serves stop times from a Postgres database carrying the same
// dim_stops / dim_stop_times tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and checks connectivity.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// StopTimes returns the stop times of a trip ordered by sequence.
func (s *PostgresStore) StopTimes(ctx context.Context, tripID string) ([]predictive.StopTime, error) {
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
		WHERE st.trip_id = $1
		ORDER BY st.stop_sequence
	`

	rows, err := s.pool.Query(ctx, query, tripID)
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
