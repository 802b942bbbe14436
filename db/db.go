package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the sqlite backed store.
type DB struct {
	db *sql.DB
}

const busyRetries = 5

// Open opens (or creates) the database at path and runs the migrations.
// The path ":memory:" yields a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	memory := path == ":memory:"
	if !memory {
		dsn = "file:" + path +
			"?_pragma=busy_timeout(5000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=temp_store(MEMORY)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if memory {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Info("DB: opened", "path", path)
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f within a transaction, retrying while sqlite reports
// the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		err = db.runTransaction(ctx, f)
		if !isBusy(err) {
			return err
		}
		log.Debug("DB: database busy, retrying transaction", "attempt", i+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 20 * time.Millisecond):
		}
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY
}

// Times are persisted as unix nanoseconds, zero meaning unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// mergeSet builds an upsert SET clause where an empty incoming value keeps
// the stored one.
func mergeSet(table string, columns ...string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s = COALESCE(NULLIF(excluded.%s, ''), %s.%s)", c, c, table, c)
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// Identifier registry
const (
	sqlSelectKind = `SELECT kind FROM ap_objects WHERE uri = ?`
	sqlInsertKind = `INSERT INTO ap_objects(uri, kind) VALUES (?, ?) ON CONFLICT(uri) DO NOTHING`
)

// Actors
const (
	actorColumns = `id, actor_uri, actor_type, username, domain, display_name, summary, inbox_uri,
		shared_inbox_uri, outbox_uri, followers_uri, avatar_url, public_key_pem, private_key_pem,
		local, deleted, last_fetched_at, created_at`
	sqlSelectActorByURI           = `SELECT ` + actorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectLocalActorByUsername = `SELECT ` + actorColumns + ` FROM actors WHERE username = ? AND local = 1`
	sqlSelectLocalActors          = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 AND deleted = 0 ORDER BY username`
	sqlDeleteActor                = `UPDATE actors SET deleted = ? WHERE actor_uri = ?`
)

var sqlUpsertActor = `INSERT INTO actors(` + actorColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(actor_uri) DO UPDATE SET
		actor_type = excluded.actor_type, ` +
	mergeSet("actors", "username", "domain", "display_name", "summary", "inbox_uri", "shared_inbox_uri",
		"outbox_uri", "followers_uri", "avatar_url", "public_key_pem", "private_key_pem") + `,
		last_fetched_at = MAX(excluded.last_fetched_at, actors.last_fetched_at)`

// Posts
const (
	postColumns               = `id, object_uri, author_uri, community_uri, title, body, url, sensitive, local, deleted, published, updated`
	sqlSelectPostByURI        = `SELECT ` + postColumns + ` FROM posts WHERE object_uri = ?`
	sqlSelectPostsByAuthor    = `SELECT ` + postColumns + ` FROM posts WHERE author_uri = ? AND deleted = 0 ORDER BY published DESC LIMIT ?`
	sqlSelectPostsInCommunity = `SELECT ` + postColumns + ` FROM posts WHERE community_uri = ? AND deleted = 0 ORDER BY published DESC LIMIT ?`
	sqlDeletePost             = `UPDATE posts SET deleted = ? WHERE object_uri = ?`
)

var sqlUpsertPost = `INSERT INTO posts(` + postColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(object_uri) DO UPDATE SET ` +
	mergeSet("posts", "community_uri", "title", "body", "url") + `,
		sensitive = excluded.sensitive,
		updated = COALESCE(excluded.updated, posts.updated)`

// Comments
const (
	commentColumns          = `id, object_uri, author_uri, post_uri, parent_uri, content, local, deleted, published, updated`
	sqlSelectCommentByURI   = `SELECT ` + commentColumns + ` FROM comments WHERE object_uri = ?`
	sqlSelectCommentsOnPost = `SELECT ` + commentColumns + ` FROM comments WHERE post_uri = ? AND deleted = 0 ORDER BY published`
	sqlDeleteComment        = `UPDATE comments SET deleted = ? WHERE object_uri = ?`
)

var sqlUpsertComment = `INSERT INTO comments(` + commentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(object_uri) DO UPDATE SET ` +
	mergeSet("comments", "post_uri", "parent_uri", "content") + `,
		updated = COALESCE(excluded.updated, comments.updated)`

// Private messages
const (
	messageColumns        = `id, object_uri, author_uri, recipient_uri, content, local, deleted, published, updated`
	sqlSelectMessageByURI = `SELECT ` + messageColumns + ` FROM private_messages WHERE object_uri = ?`
	sqlDeleteMessage      = `UPDATE private_messages SET deleted = ? WHERE object_uri = ?`
)

var sqlUpsertMessage = `INSERT INTO private_messages(` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(object_uri) DO UPDATE SET ` +
	mergeSet("private_messages", "content") + `,
		updated = COALESCE(excluded.updated, private_messages.updated)`

// GetByIdentifier loads the entity stored under id, which must be of kind.
func (db *DB) GetByIdentifier(ctx context.Context, id string, kind domain.Kind) (domain.Entity, error) {
	stored, err := db.kindOf(ctx, db.db, id)
	if err != nil {
		return nil, err
	}
	if stored != kind {
		return nil, domain.Errorf(domain.CodeKindMismatch, id, "stored as %s, wanted %s", stored, kind)
	}
	return db.load(ctx, id, kind)
}

// GetAny loads the entity stored under id whatever its kind.
func (db *DB) GetAny(ctx context.Context, id string) (domain.Entity, error) {
	kind, err := db.kindOf(ctx, db.db, id)
	if err != nil {
		return nil, err
	}
	return db.load(ctx, id, kind)
}

// Upsert inserts e or merges it into the stored row. Identity, publication
// time and the local and deleted flags of a stored row never change.
func (db *DB) Upsert(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if err := db.register(ctx, tx, e.APID(), e.Kind()); err != nil {
			return err
		}
		switch v := e.(type) {
		case *domain.Actor:
			return upsertActor(ctx, tx, v)
		case *domain.Post:
			return upsertPost(ctx, tx, v)
		case *domain.Comment:
			return upsertComment(ctx, tx, v)
		case *domain.PrivateMessage:
			return upsertMessage(ctx, tx, v)
		}
		return fmt.Errorf("cannot store %T", e)
	})
	if err != nil {
		return nil, err
	}
	return db.load(ctx, e.APID(), e.Kind())
}

// MarkDeleted sets or clears the deleted flag of the entity stored under id.
func (db *DB) MarkDeleted(ctx context.Context, id string, deleted bool) error {
	kind, err := db.kindOf(ctx, db.db, id)
	if err != nil {
		return err
	}
	query := map[domain.Kind]string{
		domain.KindActor:          sqlDeleteActor,
		domain.KindPost:           sqlDeletePost,
		domain.KindComment:        sqlDeleteComment,
		domain.KindPrivateMessage: sqlDeleteMessage,
	}[kind]
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, deleted, id)
		return err
	})
}

// LocalActorByUsername returns the local actor with the given username.
func (db *DB) LocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	a, err := scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByUsername, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeNotFound, username, "no local actor")
	}
	return a, err
}

// LocalActors lists local actors that are not deleted.
func (db *DB) LocalActors(ctx context.Context) ([]*domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalActors)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []*domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// PostsByAuthor lists the newest posts of an author.
func (db *DB) PostsByAuthor(ctx context.Context, authorURI string, limit int) ([]*domain.Post, error) {
	return db.queryPosts(ctx, sqlSelectPostsByAuthor, authorURI, limit)
}

// PostsInCommunity lists the newest posts submitted to a community.
func (db *DB) PostsInCommunity(ctx context.Context, communityURI string, limit int) ([]*domain.Post, error) {
	return db.queryPosts(ctx, sqlSelectPostsInCommunity, communityURI, limit)
}

// CommentsOnPost lists the comments of a post in publication order.
func (db *DB) CommentsOnPost(ctx context.Context, postURI string) ([]*domain.Comment, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectCommentsOnPost, postURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*domain.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (db *DB) queryPosts(ctx context.Context, query string, arg string, limit int) ([]*domain.Post, error) {
	rows, err := db.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (db *DB) kindOf(ctx context.Context, q queryer, id string) (domain.Kind, error) {
	var kind string
	err := q.QueryRowContext(ctx, sqlSelectKind, id).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.Errorf(domain.CodeNotFound, id, "not stored")
	}
	if err != nil {
		return "", err
	}
	return domain.Kind(kind), nil
}

// register records the kind of id, refusing to change it.
func (db *DB) register(ctx context.Context, tx *sql.Tx, id string, kind domain.Kind) error {
	stored, err := db.kindOf(ctx, tx, id)
	switch {
	case err == nil && stored != kind:
		return domain.Errorf(domain.CodeKindMismatch, id, "stored as %s, cannot store as %s", stored, kind)
	case err == nil:
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}
	_, err = tx.ExecContext(ctx, sqlInsertKind, id, string(kind))
	return err
}

func (db *DB) load(ctx context.Context, id string, kind domain.Kind) (domain.Entity, error) {
	var (
		e   domain.Entity
		err error
	)
	switch kind {
	case domain.KindActor:
		e, err = scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, id))
	case domain.KindPost:
		e, err = scanPost(db.db.QueryRowContext(ctx, sqlSelectPostByURI, id))
	case domain.KindComment:
		e, err = scanComment(db.db.QueryRowContext(ctx, sqlSelectCommentByURI, id))
	case domain.KindPrivateMessage:
		e, err = scanMessage(db.db.QueryRowContext(ctx, sqlSelectMessageByURI, id))
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.CodeNotFound, id, "not stored")
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func newID(id uuid.UUID) string {
	if id == uuid.Nil {
		return uuid.NewString()
	}
	return id.String()
}

func upsertActor(ctx context.Context, tx *sql.Tx, a *domain.Actor) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := tx.ExecContext(ctx, sqlUpsertActor,
		newID(a.Id), a.ActorURI, string(a.Type), a.Username, a.Domain, a.DisplayName, a.Summary, a.InboxURI,
		a.SharedInboxURI, a.OutboxURI, a.FollowersURI, a.AvatarURL, a.PublicKeyPem, a.PrivateKeyPem,
		a.Local, a.Deleted, toNanos(a.LastFetchedAt), toNanos(created))
	return err
}

func upsertPost(ctx context.Context, tx *sql.Tx, p *domain.Post) error {
	_, err := tx.ExecContext(ctx, sqlUpsertPost,
		newID(p.Id), p.ObjectURI, p.AuthorURI, p.CommunityURI, p.Title, p.Body, p.URL, p.Sensitive,
		p.Local, p.Deleted, toNanos(createdAt(p.Published)), toNullNanos(p.Updated))
	return err
}

func upsertComment(ctx context.Context, tx *sql.Tx, c *domain.Comment) error {
	_, err := tx.ExecContext(ctx, sqlUpsertComment,
		newID(c.Id), c.ObjectURI, c.AuthorURI, c.PostURI, c.ParentURI, c.Content,
		c.Local, c.Deleted, toNanos(createdAt(c.Published)), toNullNanos(c.Updated))
	return err
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m *domain.PrivateMessage) error {
	_, err := tx.ExecContext(ctx, sqlUpsertMessage,
		newID(m.Id), m.ObjectURI, m.AuthorURI, m.RecipientURI, m.Content,
		m.Local, m.Deleted, toNanos(createdAt(m.Published)), toNullNanos(m.Updated))
	return err
}

func scanActor(row scanner) (*domain.Actor, error) {
	var (
		a                domain.Actor
		actorType        string
		fetched, created int64
	)
	err := row.Scan(&a.Id, &a.ActorURI, &actorType, &a.Username, &a.Domain, &a.DisplayName, &a.Summary, &a.InboxURI,
		&a.SharedInboxURI, &a.OutboxURI, &a.FollowersURI, &a.AvatarURL, &a.PublicKeyPem, &a.PrivateKeyPem,
		&a.Local, &a.Deleted, &fetched, &created)
	if err != nil {
		return nil, err
	}
	a.Type = domain.ActorType(actorType)
	a.LastFetchedAt = fromNanos(fetched)
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func scanPost(row scanner) (*domain.Post, error) {
	var (
		p         domain.Post
		published int64
		updated   sql.NullInt64
	)
	err := row.Scan(&p.Id, &p.ObjectURI, &p.AuthorURI, &p.CommunityURI, &p.Title, &p.Body, &p.URL, &p.Sensitive,
		&p.Local, &p.Deleted, &published, &updated)
	if err != nil {
		return nil, err
	}
	p.Published = fromNanos(published)
	p.Updated = fromNullNanos(updated)
	return &p, nil
}

func scanComment(row scanner) (*domain.Comment, error) {
	var (
		c         domain.Comment
		published int64
		updated   sql.NullInt64
	)
	err := row.Scan(&c.Id, &c.ObjectURI, &c.AuthorURI, &c.PostURI, &c.ParentURI, &c.Content,
		&c.Local, &c.Deleted, &published, &updated)
	if err != nil {
		return nil, err
	}
	c.Published = fromNanos(published)
	c.Updated = fromNullNanos(updated)
	return &c, nil
}

func scanMessage(row scanner) (*domain.PrivateMessage, error) {
	var (
		m         domain.PrivateMessage
		published int64
		updated   sql.NullInt64
	)
	err := row.Scan(&m.Id, &m.ObjectURI, &m.AuthorURI, &m.RecipientURI, &m.Content,
		&m.Local, &m.Deleted, &published, &updated)
	if err != nil {
		return nil, err
	}
	m.Published = fromNanos(published)
	m.Updated = fromNullNanos(updated)
	return &m, nil
}
