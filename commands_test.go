package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/google/uuid"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	if cmd.Use != util.Name {
		t.Errorf("Expected use %s, got %s", util.Name, cmd.Use)
	}

	for _, name := range []string{"serve", "actor", "post", "comment", "dm", "follow", "vote", "delete", "resolve", "thread", "following", "activities", "deliveries"} {
		sub, _, err := cmd.Find([]string{name})
		if err != nil || sub.Name() != name {
			t.Errorf("Expected command %s, got %v", name, err)
		}
	}

	if sub, _, err := cmd.Find([]string{"deliveries", "requeue"}); err != nil || sub.Name() != "requeue" {
		t.Errorf("Expected deliveries requeue, got %v", err)
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	verbose := cmd.PersistentFlags().Lookup("verbose")
	if verbose == nil || verbose.Shorthand != "v" || verbose.DefValue != "false" {
		t.Errorf("Expected -v/--verbose defaulting to false, got %+v", verbose)
	}

	deliveries, _, _ := cmd.Find([]string{"deliveries"})
	if f := deliveries.Flags().Lookup("status"); f == nil || f.DefValue != "pending" {
		t.Errorf("Expected --status defaulting to pending, got %+v", f)
	}
}

func TestVoteRejectsBadScore(t *testing.T) {
	cmd := NewVoteCommand(&RootOptions{})
	cmd.SetArgs([]string{"alice", "https://remote.example/post/1", "2"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "score") {
		t.Errorf("Expected a score error, got %v", err)
	}
}

func TestWriteJobs(t *testing.T) {
	next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := []*domain.DeliveryJob{
		{Id: uuid.New(), InboxURI: "https://a.example/inbox", Attempts: 2, NextRetryAt: next, Status: domain.DeliveryPending, LastError: "Unreachable"},
		{Id: uuid.New(), InboxURI: "https://b.example/inbox", Attempts: 10, Status: domain.DeliveryFailed},
	}

	var buf bytes.Buffer
	writeJobs(&buf, jobs)
	out := buf.String()

	if !strings.Contains(out, "2026-03-01 12:00:00") {
		t.Errorf("Expected the retry time for the pending job, got:\n%s", out)
	}
	if !strings.Contains(out, "https://b.example/inbox") || !strings.Contains(out, "Unreachable") {
		t.Errorf("Expected both jobs listed, got:\n%s", out)
	}
	if !strings.Contains(out, "LAST ERROR") {
		t.Errorf("Expected a header row, got:\n%s", out)
	}
}

func TestBlockHostAppendsAndReloads(t *testing.T) {
	conf := &util.AppConfig{}
	conf.Federation.BlockedHosts = []string{"static.example"}
	conf.Federation.BlocklistFile = filepath.Join(t.TempDir(), "blocklist.txt")
	n := &node{conf: conf, blocklist: activitypub.NewBlocklist(conf.Federation.BlockedHosts)}

	if err := n.BlockHost(context.Background(), "spam.example"); err != nil {
		t.Fatalf("BlockHost failed: %v", err)
	}

	data, err := os.ReadFile(conf.Federation.BlocklistFile)
	if err != nil || string(data) != "spam.example\n" {
		t.Errorf("Expected the host appended to the file, got %q (%v)", data, err)
	}
	if !n.blocklist.Blocked("https://spam.example/u/x") {
		t.Error("Expected spam.example to be blocked after reload")
	}
	if !n.blocklist.Blocked("https://static.example/u/x") {
		t.Error("Expected configured hosts to stay blocked")
	}
	if got := n.BlockedHosts(); len(got) != 2 {
		t.Errorf("Expected 2 blocked hosts, got %v", got)
	}
}

func TestBlockHostWithoutFile(t *testing.T) {
	n := &node{conf: &util.AppConfig{}, blocklist: activitypub.NewBlocklist(nil)}
	if err := n.BlockHost(context.Background(), "spam.example"); err == nil {
		t.Error("Expected an error without a deny-list file")
	}
}

func TestWriteThreadNestsReplies(t *testing.T) {
	post := &domain.Post{ObjectURI: "https://remote.example/post/1", AuthorURI: "https://remote.example/users/alice", Title: "Hello"}
	comments := []*domain.Comment{
		{ObjectURI: "https://remote.example/comment/1", AuthorURI: "bob", Content: "first"},
		{ObjectURI: "https://remote.example/comment/2", AuthorURI: "carol", ParentURI: "https://remote.example/comment/1", Content: "reply"},
		{ObjectURI: "https://remote.example/comment/3", AuthorURI: "dave", ParentURI: post.ObjectURI, Content: "second"},
	}

	var buf bytes.Buffer
	writeThread(&buf, post, comments)
	want := "Hello\n" +
		"  by https://remote.example/users/alice\n" +
		"  - bob: first\n" +
		"    - carol: reply\n" +
		"  - dave: second\n"
	if buf.String() != want {
		t.Errorf("Expected:\n%s\ngot:\n%s", want, buf.String())
	}
}
