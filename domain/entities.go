package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the entity kind an identifier is expected to resolve to.
type Kind string

const (
	KindActor          Kind = "actor"
	KindPost           Kind = "post"
	KindComment        Kind = "comment"
	KindPrivateMessage Kind = "private_message"
)

// ParseKind maps a textual kind to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindActor, KindPost, KindComment, KindPrivateMessage:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// Entity is anything addressable by an ActivityPub identifier.
type Entity interface {
	APID() string
	Kind() Kind
}

// ActorType distinguishes people from communities.
type ActorType string

const (
	ActorPerson      ActorType = "Person"
	ActorGroup       ActorType = "Group"
	ActorService     ActorType = "Service"
	ActorApplication ActorType = "Application"
)

// Actor is a local or remote identity with an inbox and a signing key.
type Actor struct {
	Id             uuid.UUID
	ActorURI       string
	Type           ActorType
	Username       string
	Domain         string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	AvatarURL      string
	PublicKeyPem   string
	PrivateKeyPem  string // local actors only
	Local          bool
	Deleted        bool
	LastFetchedAt  time.Time
	CreatedAt      time.Time
}

func (a *Actor) APID() string { return a.ActorURI }
func (a *Actor) Kind() Kind   { return KindActor }

// DeliveryInbox returns the shared inbox when the actor advertises one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// IsCommunity reports whether the actor is a Group.
func (a *Actor) IsCommunity() bool {
	return a.Type == ActorGroup
}

// KeyID is the identifier of the actor's main key.
func (a *Actor) KeyID() string {
	return a.ActorURI + "#main-key"
}

// Post is a top level submission, optionally inside a community.
type Post struct {
	Id           uuid.UUID
	ObjectURI    string
	AuthorURI    string
	CommunityURI string
	Title        string
	Body         string
	URL          string
	Sensitive    bool
	Local        bool
	Deleted      bool
	Published    time.Time
	Updated      *time.Time
}

func (p *Post) APID() string { return p.ObjectURI }
func (p *Post) Kind() Kind   { return KindPost }

// Comment is a reply to a post or to another comment.
type Comment struct {
	Id        uuid.UUID
	ObjectURI string
	AuthorURI string
	PostURI   string
	ParentURI string // empty for top level comments
	Content   string
	Local     bool
	Deleted   bool
	Published time.Time
	Updated   *time.Time
}

func (c *Comment) APID() string { return c.ObjectURI }
func (c *Comment) Kind() Kind   { return KindComment }

// PrivateMessage is a direct message with exactly one recipient.
type PrivateMessage struct {
	Id           uuid.UUID
	ObjectURI    string
	AuthorURI    string
	RecipientURI string
	Content      string
	Local        bool
	Deleted      bool
	Published    time.Time
	Updated      *time.Time
}

func (m *PrivateMessage) APID() string { return m.ObjectURI }
func (m *PrivateMessage) Kind() Kind   { return KindPrivateMessage }

// AuthorOf returns the attributed author of content entities.
func AuthorOf(e Entity) string {
	switch v := e.(type) {
	case *Post:
		return v.AuthorURI
	case *Comment:
		return v.AuthorURI
	case *PrivateMessage:
		return v.AuthorURI
	case *Actor:
		return v.ActorURI
	}
	return ""
}
