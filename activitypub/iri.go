package activitypub

import (
	"strings"

	"github.com/google/uuid"
)

// IRIs builds identifiers for objects owned by this node.
type IRIs struct {
	Base string // scheme and host, no trailing slash
}

func NewIRIs(domainName string) IRIs {
	return IRIs{Base: "https://" + domainName}
}

func (i IRIs) Domain() string {
	return hostOf(i.Base)
}

func (i IRIs) Actor(name string) string {
	return i.Base + "/u/" + name
}

func (i IRIs) Community(name string) string {
	return i.Base + "/c/" + name
}

func (i IRIs) InstanceActor() string {
	return i.Base + "/actor"
}

func (i IRIs) SharedInbox() string {
	return i.Base + "/inbox"
}

func (i IRIs) Inbox(actorURI string) string {
	return actorURI + "/inbox"
}

func (i IRIs) Outbox(actorURI string) string {
	return actorURI + "/outbox"
}

func (i IRIs) Followers(actorURI string) string {
	return actorURI + "/followers"
}

func (i IRIs) Post(id uuid.UUID) string {
	return i.Base + "/post/" + id.String()
}

func (i IRIs) Comment(id uuid.UUID) string {
	return i.Base + "/comment/" + id.String()
}

func (i IRIs) PrivateMessage(id uuid.UUID) string {
	return i.Base + "/private_message/" + id.String()
}

// Activity returns a fresh activity identifier for verb.
func (i IRIs) Activity(verb VerbKind) string {
	return i.Base + "/activities/" + strings.ToLower(string(verb)) + "/" + uuid.New().String()
}

// IsLocal reports whether iri lives on this node.
func (i IRIs) IsLocal(iri string) bool {
	return sameHost(i.Base, iri)
}
