package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mini-rodalies-3d/tracker/internal/pipeline"
)

// BatchRecord is one row of the batch history.
type BatchRecord struct {
	BatchID  string
	PolledAt time.Time
	Vehicles int
	Result   pipeline.Result
}

// RecordBatch stores the outcome of an applied batch. A batch without an id
// gets a fresh one. Returns the id used.
func (db *DB) RecordBatch(ctx context.Context, batch pipeline.Batch, res pipeline.Result) (string, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	id := batch.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO rt_batches (
			batch_id, polled_at_utc, vehicles, created, updated, held, skipped, removed, anomalies, parked
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, batch.PolledAt.UTC().Format(time.RFC3339), len(batch.Vehicles),
		res.Created, res.Updated, res.Held, res.Skipped, res.Removed, res.Anomalies, res.Parked,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record batch: %w", err)
	}
	return id, nil
}

// RecentBatches returns up to limit batches, newest first.
func (db *DB) RecentBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT batch_id, polled_at_utc, vehicles, created, updated, held, skipped, removed, anomalies, parked
		FROM rt_batches
		ORDER BY polled_at_utc DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var records []BatchRecord
	for rows.Next() {
		var (
			r        BatchRecord
			polledAt string
		)
		if err := rows.Scan(
			&r.BatchID, &polledAt, &r.Vehicles,
			&r.Result.Created, &r.Result.Updated, &r.Result.Held, &r.Result.Skipped,
			&r.Result.Removed, &r.Result.Anomalies, &r.Result.Parked,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		r.PolledAt, err = time.Parse(time.RFC3339, polledAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse polled_at %q: %w", polledAt, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup deletes batch history older than retention, counted back from now.
// Retention is rounded up to at least one hour.
func (db *DB) Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if retention < time.Hour {
		retention = time.Hour
	}
	cutoff := now.Add(-retention).UTC().Format(time.RFC3339)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	result, err := db.conn.ExecContext(ctx, "DELETE FROM rt_batches WHERE polled_at_utc < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup batches: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		db.logger.Info("Cleanup: deleted old batch records", "deleted", deleted, "retention", retention)
	}
	return deleted, nil
}
