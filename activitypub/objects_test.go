package activitypub

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/deemkeen/agora/domain"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.Kind
	}{
		{`{"id":"x","type":"Person"}`, domain.KindActor},
		{`{"id":"x","type":"Group"}`, domain.KindActor},
		{`{"id":"x","type":"Page"}`, domain.KindPost},
		{`{"id":"x","type":"Article"}`, domain.KindPost},
		{`{"id":"x","type":"Note"}`, domain.KindPost},
		{`{"id":"x","type":"Note","inReplyTo":"https://a.example/post/1"}`, domain.KindComment},
		{`{"id":"x","type":"Note","inReplyTo":["https://a.example/post/1"]}`, domain.KindComment},
		{`{"id":"x","type":"ChatMessage"}`, domain.KindPrivateMessage},
	}
	for _, tt := range tests {
		got, err := KindOf([]byte(tt.raw))
		if err != nil {
			t.Errorf("KindOf(%s) failed: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("KindOf(%s): expected %s, got %s", tt.raw, tt.want, got)
		}
	}
}

func TestKindOfErrors(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{`{"id":"x","type":"Tombstone"}`, domain.ErrNotFound},
		{`{"id":"x","type":"Question"}`, domain.ErrUnsupportedKind},
		{`{"id":"x"}`, domain.ErrMalformed},
		{`not json`, domain.ErrMalformed},
	}
	for _, tt := range tests {
		if _, err := KindOf([]byte(tt.raw)); !errors.Is(err, tt.want) {
			t.Errorf("KindOf(%s): expected %v, got %v", tt.raw, tt.want, err)
		}
	}
}

func TestParseObjectNeverCoerces(t *testing.T) {
	raw := mustJSON(t, pageObject("https://a.example/post/1", "https://a.example/u/alice", "Title", ""))

	if _, err := ParseObject(raw, domain.KindComment); !errors.Is(err, domain.ErrKindMismatch) {
		t.Errorf("Expected KindMismatch for a post read as comment, got %v", err)
	}
	if _, err := ParseObject(raw, domain.KindActor); !errors.Is(err, domain.ErrKindMismatch) {
		t.Errorf("Expected KindMismatch for a post read as actor, got %v", err)
	}
	if _, err := ParseObject([]byte(`{"id":"x","type":"Question"}`), domain.KindPost); !errors.Is(err, domain.ErrKindMismatch) {
		t.Errorf("Expected KindMismatch for an unsupported type, got %v", err)
	}

	e, err := ParseObject(raw, domain.KindPost)
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	post := e.(*domain.Post)
	if post.Title != "Title" || post.AuthorURI != "https://a.example/u/alice" {
		t.Errorf("Unexpected post: %+v", post)
	}
}

func TestParseContentValidation(t *testing.T) {
	alice := "https://a.example/u/alice"
	tests := []struct {
		name string
		obj  map[string]interface{}
		kind domain.Kind
	}{
		{"post without id", map[string]interface{}{"type": "Page", "attributedTo": alice, "name": "t"}, domain.KindPost},
		{"post without author", map[string]interface{}{"id": "https://a.example/p", "type": "Page", "name": "t"}, domain.KindPost},
		{"empty post", pageObject("https://a.example/p", alice, "", ""), domain.KindPost},
		{"message to two", map[string]interface{}{
			"id": "https://a.example/m", "type": "ChatMessage", "attributedTo": alice, "content": "hi",
			"to": []string{"https://b.example/u/bob", "https://c.example/u/carol"},
		}, domain.KindPrivateMessage},
		{"message to nobody", map[string]interface{}{
			"id": "https://a.example/m", "type": "ChatMessage", "attributedTo": alice, "content": "hi",
			"to": []string{Public},
		}, domain.KindPrivateMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseObject(mustJSON(t, tt.obj), tt.kind); !errors.Is(err, domain.ErrMalformed) {
				t.Errorf("Expected Malformed, got %v", err)
			}
		})
	}
}

func TestParsePrivateMessage(t *testing.T) {
	raw := mustJSON(t, map[string]interface{}{
		"id": "https://a.example/m/1", "type": "ChatMessage", "attributedTo": "https://a.example/u/alice",
		"content": "hi", "to": "https://b.example/u/bob",
	})
	e, err := ParseObject(raw, domain.KindPrivateMessage)
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	if pm := e.(*domain.PrivateMessage); pm.RecipientURI != "https://b.example/u/bob" {
		t.Errorf("Expected recipient bob, got '%s'", pm.RecipientURI)
	}
}

func TestParseActor(t *testing.T) {
	key := testKey(t, 0)
	obj := ActorObject{
		ID:                "https://a.example/u/alice",
		Type:              "Person",
		PreferredUsername: "alice",
		Inbox:             "https://a.example/u/alice/inbox",
		Endpoints:         &Endpoints{SharedInbox: "https://a.example/inbox"},
		PublicKey: PublicKeyObject{
			ID:           "https://a.example/u/alice#main-key",
			Owner:        "https://a.example/u/alice",
			PublicKeyPem: publicKeyToPEM(&key.PublicKey),
		},
	}
	e, err := ParseObject(mustJSON(t, obj), domain.KindActor)
	if err != nil {
		t.Fatalf("ParseObject failed: %v", err)
	}
	actor := e.(*domain.Actor)
	if actor.Domain != "a.example" || actor.Username != "alice" {
		t.Errorf("Unexpected actor identity: %s@%s", actor.Username, actor.Domain)
	}
	if actor.DeliveryInbox() != "https://a.example/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", actor.DeliveryInbox())
	}

	obj.PublicKey.Owner = "https://a.example/u/mallory"
	if _, err := ParseObject(mustJSON(t, obj), domain.KindActor); !errors.Is(err, domain.ErrMalformed) {
		t.Errorf("Expected Malformed for a foreign key owner, got %v", err)
	}

	obj.PublicKey.Owner = ""
	obj.PublicKey.PublicKeyPem = "garbage"
	if _, err := ParseObject(mustJSON(t, obj), domain.KindActor); !errors.Is(err, domain.ErrMalformed) {
		t.Errorf("Expected Malformed for an unreadable key, got %v", err)
	}
}

func TestContentToObjectComment(t *testing.T) {
	c := &domain.Comment{
		ObjectURI: "https://node.example/comment/1",
		AuthorURI: "https://node.example/u/bob",
		PostURI:   "https://a.example/post/1",
		ParentURI: "https://a.example/comment/9",
		Content:   "reply",
	}
	obj := ContentToObject(c)
	if obj.Type != "Note" || obj.InReplyTo != "https://a.example/comment/9" {
		t.Errorf("Expected Note replying to the parent comment, got %s to %s", obj.Type, obj.InReplyTo)
	}

	raw, _ := json.Marshal(obj)
	kind, err := KindOf(raw)
	if err != nil || kind != domain.KindComment {
		t.Errorf("Expected rendered comment to read back as comment, got %s (%v)", kind, err)
	}
}

func TestIRIAcceptsObjectAndList(t *testing.T) {
	var v struct {
		A IRI  `json:"a"`
		B IRI  `json:"b"`
		C IRI  `json:"c"`
		L Link `json:"l"`
	}
	err := json.Unmarshal([]byte(`{"a":"x","b":{"id":"y"},"c":[{"id":"z"}],"l":{"type":"Link","href":"https://e.example"}}`), &v)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if v.A != "x" || v.B != "y" || v.C != "z" {
		t.Errorf("Expected x y z, got %s %s %s", v.A, v.B, v.C)
	}
	if v.L != "https://e.example" {
		t.Errorf("Expected link href, got %s", v.L)
	}
}
