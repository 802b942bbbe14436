package db

import (
	"context"
	"database/sql"
	"time"
)

const (
	sqlSelectSeen = `SELECT COUNT(*) FROM seen_activities WHERE activity_uri = ?`
	sqlInsertSeen = `INSERT INTO seen_activities(activity_uri, seen_at) VALUES (?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlPruneSeen  = `DELETE FROM seen_activities WHERE seen_at < ?`
)

func (db *DB) HasSeenActivity(ctx context.Context, id string) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlSelectSeen, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) RecordSeenActivity(ctx context.Context, id string) error {
	return db.exec(ctx, sqlInsertSeen, id, toNanos(time.Now()))
}

// PruneSeen forgets activity ids recorded before cutoff.
func (db *DB) PruneSeen(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPruneSeen, toNanos(cutoff))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
