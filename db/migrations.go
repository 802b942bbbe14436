package db

import (
	"context"
	"database/sql"

	"github.com/charmbracelet/log"
)

// Times are stored as unix nanoseconds so range queries compare integers.
const (
	// Registry of every stored identifier and its kind
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS ap_objects (
		uri TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL
	)`

	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		actor_uri TEXT UNIQUE NOT NULL,
		actor_type TEXT NOT NULL,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		last_fetched_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_actors_local_username ON actors(username) WHERE local = 1;
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		author_uri TEXT NOT NULL,
		community_uri TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		sensitive INTEGER NOT NULL DEFAULT 0,
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL,
		updated INTEGER
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_author_uri ON posts(author_uri);
		CREATE INDEX IF NOT EXISTS idx_posts_community_uri ON posts(community_uri);
		CREATE INDEX IF NOT EXISTS idx_posts_published ON posts(published DESC);
	`

	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS comments (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		author_uri TEXT NOT NULL,
		post_uri TEXT NOT NULL DEFAULT '',
		parent_uri TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL,
		updated INTEGER
	)`

	sqlCreateCommentsIndices = `
		CREATE INDEX IF NOT EXISTS idx_comments_post_uri ON comments(post_uri);
		CREATE INDEX IF NOT EXISTS idx_comments_author_uri ON comments(author_uri);
	`

	sqlCreatePrivateMessagesTable = `CREATE TABLE IF NOT EXISTS private_messages (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		author_uri TEXT NOT NULL,
		recipient_uri TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		published INTEGER NOT NULL,
		updated INTEGER
	)`

	sqlCreatePrivateMessagesIndices = `
		CREATE INDEX IF NOT EXISTS idx_private_messages_recipient ON private_messages(recipient_uri);
	`

	// Follow relationships table
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(follower_uri, target_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_uri ON follows(target_uri);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		score INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(actor_uri, object_uri)
	)`

	sqlCreateVotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_votes_object_uri ON votes(object_uri);
		CREATE INDEX IF NOT EXISTS idx_votes_uri ON votes(uri);
	`

	// Activities log table (for auditing)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		local INTEGER NOT NULL DEFAULT 0
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateSeenTable = `CREATE TABLE IF NOT EXISTS seen_activities (
		activity_uri TEXT NOT NULL PRIMARY KEY,
		seen_at INTEGER NOT NULL
	)`

	sqlCreateSeenIndices = `
		CREATE INDEX IF NOT EXISTS idx_seen_activities_seen_at ON seen_activities(seen_at);
	`

	// Delivery queue table, seq keeps creation order per inbox
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		activity_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_inbox ON delivery_queue(inbox_uri, status, seq);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_status ON delivery_queue(status, next_retry_at);
	`
)

type migration struct {
	table   string
	create  string
	indices string
}

var migrations = []migration{
	{"ap_objects", sqlCreateObjectsTable, ""},
	{"actors", sqlCreateActorsTable, sqlCreateActorsIndices},
	{"posts", sqlCreatePostsTable, sqlCreatePostsIndices},
	{"comments", sqlCreateCommentsTable, sqlCreateCommentsIndices},
	{"private_messages", sqlCreatePrivateMessagesTable, sqlCreatePrivateMessagesIndices},
	{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
	{"votes", sqlCreateVotesTable, sqlCreateVotesIndices},
	{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
	{"seen_activities", sqlCreateSeenTable, sqlCreateSeenIndices},
	{"delivery_queue", sqlCreateDeliveryQueueTable, sqlCreateDeliveryQueueIndices},
}

// RunMigrations creates every table and index that does not exist yet.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if err := createTableIfNotExists(ctx, tx, m.create, m.table); err != nil {
				return err
			}
			if m.indices == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, m.indices); err != nil {
				log.Warn("DB: failed to create indices", "table", m.table, "err", err)
			}
		}
		return nil
	})
}

func createTableIfNotExists(ctx context.Context, tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.ExecContext(ctx, createSQL)
	if err != nil {
		log.Error("DB: error creating table", "table", tableName, "err", err)
		return err
	}
	log.Debug("DB: table ready", "table", tableName)
	return nil
}
