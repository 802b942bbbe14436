package activitypub

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/deemkeen/agora/domain"
)

// IRI is an identifier that may arrive as a string, an object with an id,
// or a list whose first element is one of those.
type IRI string

func (i *IRI) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			*i = ""
			return nil
		}
		data = list[0]
	}
	*i = IRI(idOf(data))
	return nil
}

// Link is a url member given as a string or as a Link object.
type Link string

func (l *Link) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Link(s)
		return nil
	}
	var obj struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	*l = Link(obj.Href)
	return nil
}

// ContentObject is the wire shape of posts, comments and private messages.
type ContentObject struct {
	Context      interface{} `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AttributedTo IRI         `json:"attributedTo"`
	Name         string      `json:"name,omitempty"`
	Content      string      `json:"content,omitempty"`
	MediaType    string      `json:"mediaType,omitempty"`
	URL          Link        `json:"url,omitempty"`
	InReplyTo    IRI         `json:"inReplyTo,omitempty"`
	Audience     IRI         `json:"audience,omitempty"`
	To           Addresses   `json:"to,omitempty"`
	Cc           Addresses   `json:"cc,omitempty"`
	Sensitive    bool        `json:"sensitive,omitempty"`
	Published    *time.Time  `json:"published,omitempty"`
	Updated      *time.Time  `json:"updated,omitempty"`
}

// kindOfType maps a wire type onto an entity kind. A Note is a comment when
// it replies to something and a post otherwise.
func kindOfType(t string, inReplyTo bool) (domain.Kind, bool) {
	switch t {
	case typePerson, typeGroup, typeService, typeApplication:
		return domain.KindActor, true
	case typePage, typeArticle, typeVideo:
		return domain.KindPost, true
	case typeNote:
		if inReplyTo {
			return domain.KindComment, true
		}
		return domain.KindPost, true
	case typeChatMessage:
		return domain.KindPrivateMessage, true
	}
	return "", false
}

// KindOf inspects a raw object and reports the entity kind it maps to.
func KindOf(raw []byte) (domain.Kind, error) {
	var head struct {
		ID        string          `json:"id"`
		Type      json.RawMessage `json:"type"`
		InReplyTo IRI             `json:"inReplyTo"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", domain.Wrap(domain.CodeMalformed, "", err)
	}
	t := firstString(head.Type)
	if t == "" {
		return "", domain.Errorf(domain.CodeMalformed, head.ID, "object has no type")
	}
	if t == typeTombstone {
		return "", domain.Errorf(domain.CodeNotFound, head.ID, "object was deleted")
	}
	kind, ok := kindOfType(t, head.InReplyTo != "")
	if !ok {
		return "", domain.Errorf(domain.CodeUnsupportedKind, head.ID, "unsupported object type %s", t)
	}
	return kind, nil
}

// ParseObject maps a raw object onto the expected entity kind. A payload of a
// different kind is a KindMismatch, never a coercion.
func ParseObject(raw []byte, expected domain.Kind) (domain.Entity, error) {
	kind, err := KindOf(raw)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeUnsupportedKind {
			return nil, domain.Wrap(domain.CodeKindMismatch, "", err)
		}
		return nil, err
	}
	if kind != expected {
		return nil, domain.Errorf(domain.CodeKindMismatch, "", "expected %s, got %s", expected, kind)
	}
	if kind == domain.KindActor {
		return parseActor(raw)
	}
	return parseContent(raw, kind)
}

func parseContent(raw []byte, kind domain.Kind) (domain.Entity, error) {
	var obj ContentObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.Wrap(domain.CodeMalformed, "", err)
	}
	if obj.ID == "" {
		return nil, domain.Errorf(domain.CodeMalformed, "", "object has no id")
	}
	if obj.AttributedTo == "" {
		return nil, domain.Errorf(domain.CodeMalformed, obj.ID, "object has no author")
	}

	published := time.Now().UTC()
	if obj.Published != nil {
		published = obj.Published.UTC()
	}

	switch kind {
	case domain.KindPost:
		if obj.Name == "" && obj.Content == "" {
			return nil, domain.Errorf(domain.CodeMalformed, obj.ID, "post has neither title nor content")
		}
		return &domain.Post{
			ObjectURI:    obj.ID,
			AuthorURI:    string(obj.AttributedTo),
			CommunityURI: string(obj.Audience),
			Title:        obj.Name,
			Body:         obj.Content,
			URL:          string(obj.URL),
			Sensitive:    obj.Sensitive,
			Published:    published,
			Updated:      obj.Updated,
		}, nil
	case domain.KindComment:
		// PostURI is filled in once the parent has been resolved
		return &domain.Comment{
			ObjectURI: obj.ID,
			AuthorURI: string(obj.AttributedTo),
			ParentURI: string(obj.InReplyTo),
			Content:   obj.Content,
			Published: published,
			Updated:   obj.Updated,
		}, nil
	case domain.KindPrivateMessage:
		var recipients []string
		for _, r := range obj.To {
			if r != Public {
				recipients = append(recipients, r)
			}
		}
		if len(recipients) != 1 {
			return nil, domain.Errorf(domain.CodeMalformed, obj.ID, "private message needs exactly one recipient, got %d", len(recipients))
		}
		return &domain.PrivateMessage{
			ObjectURI:    obj.ID,
			AuthorURI:    string(obj.AttributedTo),
			RecipientURI: recipients[0],
			Content:      obj.Content,
			Published:    published,
			Updated:      obj.Updated,
		}, nil
	}
	return nil, domain.Errorf(domain.CodeKindMismatch, obj.ID, "not a content kind: %s", kind)
}

// ContentToObject renders a local post, comment or private message.
func ContentToObject(e domain.Entity) ContentObject {
	obj := ContentObject{
		Context:   ActivityStreamsContext,
		ID:        e.APID(),
		MediaType: "text/html",
	}
	switch v := e.(type) {
	case *domain.Post:
		obj.Type = typePage
		obj.AttributedTo = IRI(v.AuthorURI)
		obj.Name = v.Title
		obj.Content = v.Body
		obj.URL = Link(v.URL)
		obj.Audience = IRI(v.CommunityURI)
		obj.Sensitive = v.Sensitive
		obj.To = Addresses{Public}
		if v.CommunityURI != "" {
			obj.To = Addresses{v.CommunityURI, Public}
		}
		obj.Published = timePtr(v.Published)
		obj.Updated = v.Updated
	case *domain.Comment:
		obj.Type = typeNote
		obj.AttributedTo = IRI(v.AuthorURI)
		obj.Content = v.Content
		obj.InReplyTo = IRI(v.PostURI)
		if v.ParentURI != "" {
			obj.InReplyTo = IRI(v.ParentURI)
		}
		obj.To = Addresses{Public}
		obj.Published = timePtr(v.Published)
		obj.Updated = v.Updated
	case *domain.PrivateMessage:
		obj.Type = typeChatMessage
		obj.AttributedTo = IRI(v.AuthorURI)
		obj.Content = v.Content
		obj.To = Addresses{v.RecipientURI}
		obj.Published = timePtr(v.Published)
		obj.Updated = v.Updated
	}
	return obj
}

// Tombstone is served in place of deleted objects.
type Tombstone struct {
	Context string `json:"@context"`
	ID      string `json:"id"`
	Type    string `json:"type"`
}

func NewTombstone(id string) Tombstone {
	return Tombstone{Context: ActivityStreamsContext, ID: id, Type: typeTombstone}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
