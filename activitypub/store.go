package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/agora/domain"
)

// EntityStore persists actors and content keyed by identifier.
type EntityStore interface {
	// GetByIdentifier returns domain.ErrNotFound when nothing is stored and
	// domain.ErrKindMismatch when the identifier belongs to another kind.
	GetByIdentifier(ctx context.Context, id string, kind domain.Kind) (domain.Entity, error)
	// GetAny returns whatever entity the identifier is stored as.
	GetAny(ctx context.Context, id string) (domain.Entity, error)
	// Upsert inserts or field-merges by identifier and returns the stored row.
	Upsert(ctx context.Context, e domain.Entity) (domain.Entity, error)
	MarkDeleted(ctx context.Context, id string, deleted bool) error
}

// SeenStore is the persisted set of applied inbound activity ids.
type SeenStore interface {
	HasSeenActivity(ctx context.Context, id string) (bool, error)
	RecordSeenActivity(ctx context.Context, id string) error
}

// RelationStore holds follows and votes.
type RelationStore interface {
	UpsertFollow(ctx context.Context, f *domain.Follow) error
	FollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	FollowBetween(ctx context.Context, followerURI, targetURI string) (*domain.Follow, error)
	SetFollowAccepted(ctx context.Context, followerURI, targetURI string, accepted bool) error
	DeleteFollow(ctx context.Context, followerURI, targetURI string) error
	DeleteFollowsOf(ctx context.Context, actorURI string) error
	FollowersOf(ctx context.Context, actorURI string) ([]string, error)
	IsFollower(ctx context.Context, followerURI, targetURI string) (bool, error)

	UpsertVote(ctx context.Context, v *domain.Vote) error
	VoteByURI(ctx context.Context, uri string) (*domain.Vote, error)
	DeleteVote(ctx context.Context, actorURI, objectURI string) error
}

// ActivityLog records applied and sent activities.
type ActivityLog interface {
	LogActivity(ctx context.Context, a *domain.Activity) error
}

// DeliveryQueue persists outbound delivery jobs.
type DeliveryQueue interface {
	EnqueueDeliveries(ctx context.Context, jobs []*domain.DeliveryJob) error
	// NextDue returns, for each inbox, its oldest pending job when that job
	// is due at now.
	NextDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryJob, error)
	// NextForInbox returns the oldest pending job for inbox if due, else nil.
	NextForInbox(ctx context.Context, inbox string, now time.Time) (*domain.DeliveryJob, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	Requeue(ctx context.Context, id string) error
	ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryJob, error)
}

// Store is everything the federation core needs from persistence.
type Store interface {
	EntityStore
	RelationStore
	ActivityLog
	DeliveryQueue
}
