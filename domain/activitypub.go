package domain

import (
	"crypto/rsa"
	"time"

	"github.com/google/uuid"
)

// Follow represents a follow relationship between two actors
type Follow struct {
	Id          uuid.UUID
	FollowerURI string // the actor following
	TargetURI   string // the actor being followed
	URI         string // ActivityPub Follow activity URI
	Accepted    bool
	CreatedAt   time.Time
}

// Vote is a Like (+1) or Dislike (-1) on a post or comment
type Vote struct {
	Id        uuid.UUID
	URI       string // ActivityPub Like/Dislike activity URI
	ActorURI  string
	ObjectURI string
	Score     int
	CreatedAt time.Time
}

// Activity represents an ActivityPub activity (for logging/auditing)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string // Follow, Create, Like, Announce, Undo, etc.
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryStatus is the lifecycle state of a delivery job.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryJob delivers one activity to one inbox.
type DeliveryJob struct {
	Id           uuid.UUID
	Seq          int64 // creation order, assigned by the queue
	ActivityURI  string
	ActorURI     string // local actor whose key signs the request
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	Status       DeliveryStatus
	LastError    string
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// Terminal reports whether the job will never be attempted again.
func (j *DeliveryJob) Terminal() bool {
	return j.Status == DeliveryDelivered || j.Status == DeliveryFailed
}

// KeyCacheEntry memoizes an actor's public key.
type KeyCacheEntry struct {
	ActorURI  string
	KeyID     string
	PublicKey *rsa.PublicKey
	FetchedAt time.Time
}

// Stale reports whether the entry is older than ttl at now.
func (e *KeyCacheEntry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) > ttl
}
