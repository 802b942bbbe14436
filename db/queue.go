package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/agora/domain"
)

const (
	jobColumns = `seq, id, activity_uri, actor_uri, inbox_uri, activity_json, attempts, next_retry_at, status,
		last_error, created_at, finished_at`
	sqlInsertJob = `INSERT INTO delivery_queue(id, activity_uri, actor_uri, inbox_uri, activity_json, attempts,
		next_retry_at, status, last_error, created_at) VALUES (?, ?, ?, ?, ?, 0, ?, 'pending', '', ?)`
	// the oldest pending job of every inbox, when it is due
	sqlSelectDueJobs = `SELECT ` + jobColumns + ` FROM delivery_queue
		WHERE seq IN (SELECT MIN(seq) FROM delivery_queue WHERE status = 'pending' GROUP BY inbox_uri)
		AND next_retry_at <= ?
		ORDER BY seq LIMIT ?`
	sqlSelectHeadOfInbox = `SELECT ` + jobColumns + ` FROM delivery_queue
		WHERE inbox_uri = ? AND status = 'pending' ORDER BY seq LIMIT 1`
	sqlSelectJobsByStatus = `SELECT ` + jobColumns + ` FROM delivery_queue WHERE status = ? ORDER BY seq LIMIT ?`
	sqlSelectJobByID      = `SELECT ` + jobColumns + ` FROM delivery_queue WHERE id = ?`
	sqlMarkDelivered      = `UPDATE delivery_queue SET status = 'delivered', attempts = attempts + 1, last_error = '',
		finished_at = ? WHERE id = ?`
	sqlMarkRetry  = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ? AND status = 'pending'`
	sqlMarkFailed = `UPDATE delivery_queue SET status = 'failed', attempts = ?, last_error = ?, finished_at = ? WHERE id = ?`
	sqlRequeue    = `UPDATE delivery_queue SET status = 'pending', attempts = 0, next_retry_at = ?, last_error = '',
		finished_at = NULL WHERE id = ? AND status = 'failed'`
	sqlPruneDelivered = `DELETE FROM delivery_queue WHERE status = 'delivered' AND finished_at < ?`
)

// EnqueueDeliveries stores jobs as pending and due now, assigning their
// sequence numbers in slice order.
func (db *DB) EnqueueDeliveries(ctx context.Context, jobs []*domain.DeliveryJob) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, job := range jobs {
			next := job.NextRetryAt
			if next.IsZero() {
				next = time.Now()
			}
			res, err := tx.ExecContext(ctx, sqlInsertJob,
				newID(job.Id), job.ActivityURI, job.ActorURI, job.InboxURI, job.ActivityJSON,
				toNanos(next), toNanos(createdAt(job.CreatedAt)))
			if err != nil {
				return err
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return err
			}
			job.Seq = seq
			job.Status = domain.DeliveryPending
		}
		return nil
	})
}

// NextDue returns, for each inbox, its oldest pending job when that job is
// due at now.
func (db *DB) NextDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryJob, error) {
	return db.queryJobs(ctx, sqlSelectDueJobs, toNanos(now), limit)
}

// NextForInbox returns the oldest pending job of inbox, or nil when there is
// none or it is not due yet.
func (db *DB) NextForInbox(ctx context.Context, inbox string, now time.Time) (*domain.DeliveryJob, error) {
	job, err := scanJob(db.db.QueryRowContext(ctx, sqlSelectHeadOfInbox, inbox))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.NextRetryAt.After(now) {
		return nil, nil
	}
	return job, nil
}

func (db *DB) MarkDelivered(ctx context.Context, id string) error {
	return db.exec(ctx, sqlMarkDelivered, toNanos(time.Now()), id)
}

func (db *DB) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return db.exec(ctx, sqlMarkRetry, attempts, toNanos(next), lastErr, id)
}

func (db *DB) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return db.exec(ctx, sqlMarkFailed, attempts, lastErr, toNanos(time.Now()), id)
}

// Requeue puts a failed job back in the queue with a fresh attempt budget.
func (db *DB) Requeue(ctx context.Context, id string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlRequeue, toNanos(time.Now()), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Errorf(domain.CodeNotFound, id, "no failed delivery")
		}
		return nil
	})
}

// ListDeliveries lists jobs in a status, oldest first.
func (db *DB) ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryJob, error) {
	return db.queryJobs(ctx, sqlSelectJobsByStatus, string(status), limit)
}

// Delivery returns a single job.
func (db *DB) Delivery(ctx context.Context, id string) (*domain.DeliveryJob, error) {
	job, err := scanJob(db.db.QueryRowContext(ctx, sqlSelectJobByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeNotFound, id, "no such delivery")
	}
	return job, err
}

// PruneDelivered removes delivered jobs finished before cutoff.
func (db *DB) PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPruneDelivered, toNanos(cutoff))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (db *DB) exec(ctx context.Context, query string, args ...interface{}) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*domain.DeliveryJob, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*domain.DeliveryJob, error) {
	var (
		job                domain.DeliveryJob
		status             string
		nextRetry, created int64
		finished           sql.NullInt64
	)
	err := row.Scan(&job.Seq, &job.Id, &job.ActivityURI, &job.ActorURI, &job.InboxURI, &job.ActivityJSON,
		&job.Attempts, &nextRetry, &status, &job.LastError, &created, &finished)
	if err != nil {
		return nil, err
	}
	job.Status = domain.DeliveryStatus(status)
	job.NextRetryAt = fromNanos(nextRetry)
	job.CreatedAt = fromNanos(created)
	job.FinishedAt = fromNullNanos(finished)
	return &job, nil
}
