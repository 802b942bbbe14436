package web

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/agora/domain"
)

func TestOutboxListsNewestPosts(t *testing.T) {
	s := newTestServer(t)
	bob := s.addActor(t, "bob", domain.ActorPerson)
	now := time.Now()
	older := s.addPost(t, bob, "", "Older", now.Add(-time.Hour))
	newer := s.addPost(t, bob, "", "Newer", now)
	gone := s.addPost(t, bob, "", "Gone", now.Add(-time.Minute))
	if err := s.store.MarkDeleted(context.Background(), gone.ObjectURI, true); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}

	w := s.get("/u/bob/outbox")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	m := decode(t, w)
	if m["id"] != bob.OutboxURI || m["totalItems"] != float64(2) {
		t.Errorf("Unexpected collection: %v %v", m["id"], m["totalItems"])
	}

	items, _ := m["orderedItems"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	first := items[0].(map[string]interface{})
	if first["type"] != "Create" || first["actor"] != bob.ActorURI {
		t.Errorf("Expected a Create by bob, got %v", first)
	}
	obj := first["object"].(map[string]interface{})
	if obj["id"] != newer.ObjectURI {
		t.Errorf("Expected newest post %s first, got %v", newer.ObjectURI, obj["id"])
	}
	if _, ok := obj["@context"]; ok {
		t.Error("Expected embedded objects without @context")
	}
	if items[1].(map[string]interface{})["object"].(map[string]interface{})["id"] != older.ObjectURI {
		t.Error("Expected the older post second")
	}
}

func TestCommunityOutbox(t *testing.T) {
	s := newTestServer(t)
	bob := s.addActor(t, "bob", domain.ActorPerson)
	news := s.addActor(t, "news", domain.ActorGroup)
	s.addPost(t, bob, news.ActorURI, "Submitted", time.Now())
	s.addPost(t, bob, "", "Elsewhere", time.Now())

	m := decode(t, s.get("/c/news/outbox"))
	if m["totalItems"] != float64(1) {
		t.Errorf("Expected 1 community post, got %v", m["totalItems"])
	}
}
