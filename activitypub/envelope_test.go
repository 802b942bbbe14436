package activitypub

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/deemkeen/agora/domain"
)

func TestParseEnvelopeKeepsExtensions(t *testing.T) {
	raw := `{"@context":"https://www.w3.org/ns/activitystreams","id":"https://a.example/activities/1","type":"Create",` +
		`"actor":"https://a.example/u/alice","object":"https://a.example/post/1",` +
		`"z:last":[1,2],"published":"2025-01-01T00:00:00Z","a:first":{"k":"v"}}`

	env, err := ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Type != VerbCreate {
		t.Errorf("Expected Create, got %s", env.Type)
	}
	if len(env.Extra) != 3 {
		t.Fatalf("Expected 3 extension members, got %d", len(env.Extra))
	}
	names := []string{env.Extra[0].Name, env.Extra[1].Name, env.Extra[2].Name}
	if strings.Join(names, ",") != "z:last,published,a:first" {
		t.Errorf("Expected wire order to be kept, got %v", names)
	}

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"z:last":[1,2],"published":"2025-01-01T00:00:00Z","a:first":{"k":"v"}`) {
		t.Errorf("Expected extension members verbatim and in order, got %s", out)
	}

	v, ok := env.Field("a:first")
	if !ok || string(v) != `{"k":"v"}` {
		t.Errorf("Expected a:first to be retrievable, got %s", v)
	}
}

func TestParseEnvelopeRequiresFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not an object", `["Create"]`},
		{"no id", `{"type":"Like","actor":"https://a.example/u/alice","object":"https://a.example/post/1"}`},
		{"no type", `{"id":"https://a.example/a/1","actor":"https://a.example/u/alice","object":"https://a.example/post/1"}`},
		{"no actor", `{"id":"https://a.example/a/1","type":"Like","object":"https://a.example/post/1"}`},
		{"no object", `{"id":"https://a.example/a/1","type":"Like","actor":"https://a.example/u/alice"}`},
		{"object is a number", `{"id":"https://a.example/a/1","type":"Like","actor":"https://a.example/u/alice","object":7}`},
		{"id on another host", `{"id":"https://b.example/a/1","type":"Like","actor":"https://a.example/u/alice","object":"https://a.example/post/1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.raw))
			if !errors.Is(err, domain.ErrMalformed) {
				t.Errorf("Expected Malformed, got %v", err)
			}
		})
	}
}

func TestParseEnvelopeUnknownTypeIsUnsupported(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"id":"https://a.example/a/1","type":"Move","actor":"https://a.example/u/alice","object":"https://a.example/u/alice2"}`))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Type != VerbUnsupported || env.RawType != "Move" {
		t.Errorf("Expected unsupported Move, got %s (%s)", env.Type, env.RawType)
	}
}

func TestEnvelopeActorAndAddressForms(t *testing.T) {
	raw := `{"id":"https://a.example/a/1","type":["Like"],"actor":{"id":"https://a.example/u/alice","type":"Person"},` +
		`"object":{"id":"https://a.example/post/1","type":"Page"},"to":"https://b.example/u/bob","cc":["x","y"]}`
	env, err := ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.Actor != "https://a.example/u/alice" {
		t.Errorf("Expected actor id from object form, got '%s'", env.Actor)
	}
	if env.Type != VerbLike {
		t.Errorf("Expected Like from type list, got %s", env.Type)
	}
	if len(env.To) != 1 || env.To[0] != "https://b.example/u/bob" {
		t.Errorf("Expected single string to address, got %v", env.To)
	}
	if !env.Addressed("y") || env.Addressed("z") {
		t.Error("Addressed does not reflect cc")
	}
	if got := env.Recipients(); len(got) != 3 {
		t.Errorf("Expected 3 recipients, got %v", got)
	}

	if !env.Object.Inline() {
		t.Fatal("Expected inline object")
	}
	if env.Object.ID() != "https://a.example/post/1" || env.Object.Type() != "Page" {
		t.Errorf("Expected inline Page post/1, got %s %s", env.Object.Type(), env.Object.ID())
	}
}

func TestEnvelopeKeepsActorObjectAndTypeList(t *testing.T) {
	actor := `{"id":"https://a.example/u/alice","type":"Person","name":"Alice"}`
	raw := `{"id":"https://a.example/a/1","type":["Like","Vote"],"actor":` + actor + `,"object":"https://a.example/post/1"}`
	env, err := ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}

	out, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"type":["Like","Vote"],"actor":`+actor) {
		t.Errorf("Expected type list and actor object verbatim, got %s", out)
	}

	env.Actor = "https://a.example/u/carol"
	out, _ = json.Marshal(env)
	if !strings.Contains(string(out), `"actor":"https://a.example/u/carol"`) {
		t.Errorf("Expected a changed actor to be written as an identifier, got %s", out)
	}
}

func TestObjectRefByIdentifier(t *testing.T) {
	ref := ObjectRef{IRI: "https://a.example/post/1"}
	if ref.Inline() || ref.Type() != "" {
		t.Error("Expected a bare identifier")
	}
	out, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != `"https://a.example/post/1"` {
		t.Errorf("Expected identifier string, got %s", out)
	}
}

func TestSameHost(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://a.example/u/alice", "https://A.example/post/1", true},
		{"https://a.example/u/alice", "https://b.example/u/alice", false},
		{"https://a.example:8443/x", "https://a.example/x", false},
		{"ftp://a.example/x", "ftp://a.example/y", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := sameHost(tt.a, tt.b); got != tt.want {
			t.Errorf("sameHost(%q, %q): expected %v, got %v", tt.a, tt.b, tt.want, got)
		}
	}
}
