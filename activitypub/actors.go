package activitypub

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/agora/domain"
)

// ActorObject is the JSON structure of an ActivityPub actor
type ActorObject struct {
	Context           interface{}     `json:"@context,omitempty"`
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Inbox             string          `json:"inbox"`
	Outbox            string          `json:"outbox,omitempty"`
	Followers         string          `json:"followers,omitempty"`
	Endpoints         *Endpoints      `json:"endpoints,omitempty"`
	Icon              *Image          `json:"icon,omitempty"`
	PublicKey         PublicKeyObject `json:"publicKey"`
	Published         *time.Time      `json:"published,omitempty"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type Image struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type PublicKeyObject struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

func actorTypeOf(t string) (domain.ActorType, bool) {
	switch t {
	case typePerson:
		return domain.ActorPerson, true
	case typeGroup:
		return domain.ActorGroup, true
	case typeService:
		return domain.ActorService, true
	case typeApplication:
		return domain.ActorApplication, true
	}
	return "", false
}

// parseActor maps a fetched actor document into the local shape.
func parseActor(raw []byte) (*domain.Actor, error) {
	var obj ActorObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.Wrap(domain.CodeMalformed, "", err)
	}
	actorType, ok := actorTypeOf(obj.Type)
	if !ok {
		return nil, domain.Errorf(domain.CodeKindMismatch, obj.ID, "type %s is not an actor", obj.Type)
	}
	if obj.ID == "" || obj.Inbox == "" || obj.PublicKey.PublicKeyPem == "" {
		return nil, domain.Errorf(domain.CodeMalformed, obj.ID, "actor missing required fields")
	}
	if obj.PublicKey.Owner != "" && obj.PublicKey.Owner != obj.ID {
		return nil, domain.Errorf(domain.CodeMalformed, obj.ID, "public key owned by %s", obj.PublicKey.Owner)
	}
	if _, err := ParsePublicKey(obj.PublicKey.PublicKeyPem); err != nil {
		return nil, domain.Wrap(domain.CodeMalformed, obj.ID, err)
	}

	username := obj.PreferredUsername
	if username == "" {
		username = extractUsername(obj.ID)
	}
	actor := &domain.Actor{
		ActorURI:      obj.ID,
		Type:          actorType,
		Username:      username,
		Domain:        hostOf(obj.ID),
		DisplayName:   obj.Name,
		Summary:       obj.Summary,
		InboxURI:      obj.Inbox,
		OutboxURI:     obj.Outbox,
		FollowersURI:  obj.Followers,
		PublicKeyPem:  obj.PublicKey.PublicKeyPem,
		LastFetchedAt: time.Now(),
	}
	if obj.Endpoints != nil {
		actor.SharedInboxURI = obj.Endpoints.SharedInbox
	}
	if obj.Icon != nil {
		actor.AvatarURL = obj.Icon.URL
	}
	return actor, nil
}

// ActorToObject renders a local actor for serving.
func ActorToObject(a *domain.Actor, iris IRIs) ActorObject {
	obj := ActorObject{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                a.ActorURI,
		Type:              string(a.Type),
		PreferredUsername: a.Username,
		Name:              a.DisplayName,
		Summary:           a.Summary,
		Inbox:             a.InboxURI,
		Outbox:            a.OutboxURI,
		Followers:         a.FollowersURI,
		Endpoints:         &Endpoints{SharedInbox: iris.SharedInbox()},
		PublicKey: PublicKeyObject{
			ID:           a.KeyID(),
			Owner:        a.ActorURI,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
	if a.AvatarURL != "" {
		obj.Icon = &Image{Type: "Image", URL: a.AvatarURL}
	}
	if !a.CreatedAt.IsZero() {
		published := a.CreatedAt.UTC()
		obj.Published = &published
	}
	return obj
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/u/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}
