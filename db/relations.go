package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/agora/domain"
)

// Follows
const (
	followColumns           = `id, follower_uri, target_uri, uri, accepted, created_at`
	sqlSelectFollowByURI    = `SELECT ` + followColumns + ` FROM follows WHERE uri = ?`
	sqlSelectFollowBetween  = `SELECT ` + followColumns + ` FROM follows WHERE follower_uri = ? AND target_uri = ?`
	sqlSelectFollowersOf    = `SELECT follower_uri FROM follows WHERE target_uri = ? AND accepted = 1 ORDER BY created_at`
	sqlSelectFollowingOf    = `SELECT ` + followColumns + ` FROM follows WHERE follower_uri = ? ORDER BY created_at`
	sqlCountFollower        = `SELECT COUNT(*) FROM follows WHERE follower_uri = ? AND target_uri = ? AND accepted = 1`
	sqlUpdateFollowAccepted = `UPDATE follows SET accepted = ? WHERE follower_uri = ? AND target_uri = ?`
	sqlDeleteFollow         = `DELETE FROM follows WHERE follower_uri = ? AND target_uri = ?`
	sqlDeleteFollowsOf      = `DELETE FROM follows WHERE follower_uri = ? OR target_uri = ?`
	sqlUpsertFollow         = `INSERT INTO follows(` + followColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_uri, target_uri) DO UPDATE SET uri = excluded.uri, accepted = excluded.accepted`
)

// Votes
const (
	voteColumns        = `id, uri, actor_uri, object_uri, score, created_at`
	sqlSelectVoteByURI = `SELECT ` + voteColumns + ` FROM votes WHERE uri = ?`
	sqlSelectScore     = `SELECT COALESCE(SUM(score), 0) FROM votes WHERE object_uri = ?`
	sqlDeleteVote      = `DELETE FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlUpsertVote      = `INSERT INTO votes(` + voteColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, object_uri) DO UPDATE SET uri = excluded.uri, score = excluded.score, created_at = excluded.created_at`
)

// Activities
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at, local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectRecentActivities = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, created_at, local
		FROM activities ORDER BY created_at DESC LIMIT ?`
)

func (db *DB) UpsertFollow(ctx context.Context, f *domain.Follow) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollow,
			newID(f.Id), f.FollowerURI, f.TargetURI, f.URI, f.Accepted, toNanos(createdAt(f.CreatedAt)))
		return err
	})
}

func (db *DB) FollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	f, err := scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeNotFound, uri, "no such follow")
	}
	return f, err
}

func (db *DB) FollowBetween(ctx context.Context, followerURI, targetURI string) (*domain.Follow, error) {
	f, err := scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowBetween, followerURI, targetURI))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeNotFound, targetURI, "%s does not follow", followerURI)
	}
	return f, err
}

// SetFollowAccepted settles a pending follow. It fails with NotFound when
// no such follow exists.
func (db *DB) SetFollowAccepted(ctx context.Context, followerURI, targetURI string, accepted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateFollowAccepted, accepted, followerURI, targetURI)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Errorf(domain.CodeNotFound, targetURI, "%s has no follow to settle", followerURI)
		}
		return nil
	})
}

func (db *DB) DeleteFollow(ctx context.Context, followerURI, targetURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollow, followerURI, targetURI)
		return err
	})
}

// DeleteFollowsOf removes every follow the actor takes part in.
func (db *DB) DeleteFollowsOf(ctx context.Context, actorURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollowsOf, actorURI, actorURI)
		return err
	})
}

// FollowersOf lists the accepted followers of an actor.
func (db *DB) FollowersOf(ctx context.Context, actorURI string) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowersOf, actorURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		followers = append(followers, uri)
	}
	return followers, rows.Err()
}

// FollowingOf lists the follows an actor has sent, pending ones included.
func (db *DB) FollowingOf(ctx context.Context, actorURI string) ([]*domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowingOf, actorURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []*domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

func (db *DB) IsFollower(ctx context.Context, followerURI, targetURI string) (bool, error) {
	var n int
	if err := db.db.QueryRowContext(ctx, sqlCountFollower, followerURI, targetURI).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertVote records a vote, replacing an earlier vote of the same actor on
// the same object.
func (db *DB) UpsertVote(ctx context.Context, v *domain.Vote) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertVote,
			newID(v.Id), v.URI, v.ActorURI, v.ObjectURI, v.Score, toNanos(createdAt(v.CreatedAt)))
		return err
	})
}

func (db *DB) VoteByURI(ctx context.Context, uri string) (*domain.Vote, error) {
	var (
		v       domain.Vote
		created int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectVoteByURI, uri).
		Scan(&v.Id, &v.URI, &v.ActorURI, &v.ObjectURI, &v.Score, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeNotFound, uri, "no such vote")
	}
	if err != nil {
		return nil, err
	}
	v.CreatedAt = fromNanos(created)
	return &v, nil
}

func (db *DB) DeleteVote(ctx context.Context, actorURI, objectURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteVote, actorURI, objectURI)
		return err
	})
}

// Score sums the votes on an object.
func (db *DB) Score(ctx context.Context, objectURI string) (int, error) {
	var score int
	err := db.db.QueryRowContext(ctx, sqlSelectScore, objectURI).Scan(&score)
	return score, err
}

// LogActivity appends to the activity log. An activity already logged is
// left untouched.
func (db *DB) LogActivity(ctx context.Context, a *domain.Activity) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActivity,
			newID(a.Id), a.ActivityURI, a.ActivityType, a.ActorURI, a.ObjectURI, a.RawJSON,
			a.Processed, toNanos(createdAt(a.CreatedAt)), a.Local)
		return err
	})
}

// RecentActivities lists the newest logged activities.
func (db *DB) RecentActivities(ctx context.Context, limit int) ([]*domain.Activity, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectRecentActivities, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*domain.Activity
	for rows.Next() {
		var (
			a       domain.Activity
			created int64
		)
		err := rows.Scan(&a.Id, &a.ActivityURI, &a.ActivityType, &a.ActorURI, &a.ObjectURI, &a.RawJSON,
			&a.Processed, &created, &a.Local)
		if err != nil {
			return nil, err
		}
		a.CreatedAt = fromNanos(created)
		activities = append(activities, &a)
	}
	return activities, rows.Err()
}

func scanFollow(row scanner) (*domain.Follow, error) {
	var (
		f       domain.Follow
		created int64
	)
	if err := row.Scan(&f.Id, &f.FollowerURI, &f.TargetURI, &f.URI, &f.Accepted, &created); err != nil {
		return nil, err
	}
	f.CreatedAt = fromNanos(created)
	return &f, nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
