package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mini-rodalies-3d/tracker/internal/pipeline"
)

// DelayThresholdSeconds is the delay above which a vehicle counts as delayed (5 minutes).
const DelayThresholdSeconds = 300

// DelayObservation is one delay reading for a line.
type DelayObservation struct {
	Line         string
	DelaySeconds int
}

// LineDelayStats is one hourly aggregate row.
type LineDelayStats struct {
	Line         string    `json:"line"`
	HourBucket   time.Time `json:"hourBucket"`
	Observations int       `json:"observations"`
	MeanSeconds  float64   `json:"meanSeconds"`
	StdDev       float64   `json:"stdDevSeconds"`
	Delayed      int       `json:"delayed"`
	OnTime       int       `json:"onTime"`
	MaxSeconds   int       `json:"maxSeconds"`
}

// ObservationsFromVehicles collects delay readings of vehicles with a
// resolved line that were reported at polledAt.
func ObservationsFromVehicles(vehicles []pipeline.VehicleState, polledAt time.Time) []DelayObservation {
	out := make([]DelayObservation, 0, len(vehicles))
	for _, v := range vehicles {
		if v.Line == "" || !v.LastSeen.Equal(polledAt) {
			continue
		}
		out = append(out, DelayObservation{Line: v.Line, DelaySeconds: v.DelaySeconds})
	}
	return out
}

// UpdateDelayStats folds observations into the hour bucket containing now.
func (db *DB) UpdateDelayStats(ctx context.Context, observations []DelayObservation, now time.Time) error {
	byLine := make(map[string][]int)
	for _, obs := range observations {
		if obs.Line == "" {
			continue
		}
		byLine[obs.Line] = append(byLine[obs.Line], obs.DelaySeconds)
	}
	if len(byLine) == 0 {
		return nil
	}

	hourBucket := now.UTC().Truncate(time.Hour).Format(time.RFC3339)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for line, delays := range byLine {
		var (
			count, delayedCount, onTimeCount, maxDelay int
			mean, m2                                   float64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT observation_count, delay_mean_seconds, delay_m2,
				delayed_count, on_time_count, max_delay_seconds
			FROM stats_delay_hourly
			WHERE line = ? AND hour_bucket = ?
		`, line, hourBucket).Scan(&count, &mean, &m2, &delayedCount, &onTimeCount, &maxDelay)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read delay stats for %s: %w", line, err)
		}

		for _, d := range delays {
			count++
			delta := float64(d) - mean
			mean += delta / float64(count)
			m2 += delta * (float64(d) - mean)

			abs := int(math.Abs(float64(d)))
			if abs > DelayThresholdSeconds {
				delayedCount++
			} else {
				onTimeCount++
			}
			if abs > maxDelay {
				maxDelay = abs
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stats_delay_hourly (line, hour_bucket, observation_count,
				delay_mean_seconds, delay_m2, delayed_count, on_time_count, max_delay_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (line, hour_bucket) DO UPDATE SET
				observation_count = excluded.observation_count,
				delay_mean_seconds = excluded.delay_mean_seconds,
				delay_m2 = excluded.delay_m2,
				delayed_count = excluded.delayed_count,
				on_time_count = excluded.on_time_count,
				max_delay_seconds = excluded.max_delay_seconds
		`, line, hourBucket, count, mean, m2, delayedCount, onTimeCount, maxDelay)
		if err != nil {
			return fmt.Errorf("failed to upsert delay stats for %s: %w", line, err)
		}
	}

	return tx.Commit()
}

// DelayStats returns hourly aggregates at or after since, ordered by line then hour.
func (db *DB) DelayStats(ctx context.Context, since time.Time) ([]LineDelayStats, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT line, hour_bucket, observation_count, delay_mean_seconds, delay_m2,
			delayed_count, on_time_count, max_delay_seconds
		FROM stats_delay_hourly
		WHERE hour_bucket >= ?
		ORDER BY line, hour_bucket
	`, since.UTC().Truncate(time.Hour).Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query delay stats: %w", err)
	}
	defer rows.Close()

	var out []LineDelayStats
	for rows.Next() {
		var (
			s      LineDelayStats
			bucket string
			m2     float64
		)
		if err := rows.Scan(&s.Line, &bucket, &s.Observations, &s.MeanSeconds, &m2,
			&s.Delayed, &s.OnTime, &s.MaxSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan delay stats: %w", err)
		}
		if s.HourBucket, err = time.Parse(time.RFC3339, bucket); err != nil {
			return nil, fmt.Errorf("failed to parse hour bucket %q: %w", bucket, err)
		}
		if s.Observations > 1 {
			s.StdDev = math.Sqrt(m2 / float64(s.Observations-1))
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
