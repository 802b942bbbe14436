package activitypub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/agora/domain"
)

func TestRetryPolicyDoubles(t *testing.T) {
	p := RetryPolicy{Base: time.Minute, Cap: time.Hour, MaxAttempts: 5, Jitter: noJitter}

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d): expected %v, got %v", i+1, w, got)
		}
	}
	if got := p.Delay(12); got != time.Hour {
		t.Errorf("Expected delay to be capped at 1h, got %v", got)
	}
}

func TestRetryPolicyJitterIsMonotonicAndCapped(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Cap: 5 * time.Minute, MaxAttempts: 20}

	for run := 0; run < 50; run++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 15; attempt++ {
			d := p.Delay(attempt)
			if d < prev {
				t.Fatalf("Delay(%d) = %v is below the previous %v", attempt, d, prev)
			}
			if d > p.Cap {
				t.Fatalf("Delay(%d) = %v exceeds cap %v", attempt, d, p.Cap)
			}
			base := time.Second << (attempt - 1)
			if base < p.Cap && d < base {
				t.Fatalf("Delay(%d) = %v is below the unjittered %v", attempt, d, base)
			}
			prev = d
		}
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Error("Expected attempt 2 of 3 to leave room")
	}
	if !p.Exhausted(3) {
		t.Error("Expected attempt 3 of 3 to exhaust the policy")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("120", now); got != 2*time.Minute {
		t.Errorf("Expected 2m, got %v", got)
	}
	if got := parseRetryAfter(now.Add(time.Hour).Format(http.TimeFormat), now); got != time.Hour {
		t.Errorf("Expected 1h, got %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Errorf("Expected 0 for garbage, got %v", got)
	}
}

// announce builds an activity from sender addressed to the given recipients.
func announce(node *testNode, sender *domain.Actor, to ...string) *Envelope {
	return &Envelope{
		ID:      node.iris.Activity(VerbAnnounce),
		Type:    VerbAnnounce,
		RawType: string(VerbAnnounce),
		Actor:   sender.ActorURI,
		Object:  ObjectRef{IRI: node.iris.Base + "/post/1"},
		To:      to,
	}
}

func TestDeliverSharedInboxOnce(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)
	for _, name := range []string{"alice", "carol", "dave"} {
		node.follow(t, remote.addActor(name, "Person", testKey(t, 0), true), bob.ActorURI)
	}

	env := announce(node, bob, bob.FollowersURI)
	receipt, err := node.engine.Deliver(ctx, env, env.Recipients())
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(receipt.Inboxes) != 1 || receipt.Inboxes[0] != remote.url("/inbox") {
		t.Fatalf("Expected one shared inbox, got %v", receipt.Inboxes)
	}

	node.engine.Flush(ctx)
	if n := len(remote.received("/inbox")); n != 1 {
		t.Errorf("Expected 1 POST to the shared inbox, got %d", n)
	}
	jobs := node.store.allJobs()
	if len(jobs) != 1 || jobs[0].Status != domain.DeliveryDelivered || jobs[0].Attempts != 1 {
		t.Errorf("Expected a single delivered job, got %+v", jobs)
	}
}

func TestDeliverRejectedInboxFailsImmediately(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)
	remote.setStatus("/users/alice/inbox", http.StatusGone)

	env := announce(node, bob, alice)
	if _, err := node.engine.Deliver(ctx, env, env.Recipients()); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	node.engine.Flush(ctx)
	node.clock.Advance(time.Hour)
	node.engine.Flush(ctx)

	if n := remote.hitCount("/users/alice/inbox"); n != 1 {
		t.Errorf("Expected a single attempt, got %d", n)
	}
	job := node.store.allJobs()[0]
	if job.Status != domain.DeliveryFailed {
		t.Errorf("Expected failed job, got %s", job.Status)
	}
	if !strings.Contains(job.LastError, string(domain.CodeDeliveryRejected)) {
		t.Errorf("Expected DeliveryRejected, got '%s'", job.LastError)
	}
}

func TestDeliverRetriesThenGivesUp(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)
	remote.setStatus("/users/alice/inbox", http.StatusServiceUnavailable)

	env := announce(node, bob, alice)
	if _, err := node.engine.Deliver(ctx, env, env.Recipients()); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	node.engine.Flush(ctx)
	job := node.store.allJobs()[0]
	if job.Status != domain.DeliveryPending || job.Attempts != 1 {
		t.Fatalf("Expected pending job after 1 attempt, got %s after %d", job.Status, job.Attempts)
	}
	if want := node.clock.Now().Add(time.Minute); !job.NextRetryAt.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, job.NextRetryAt)
	}

	// not due yet
	node.engine.Flush(ctx)
	if n := remote.hitCount("/users/alice/inbox"); n != 1 {
		t.Fatalf("Expected no attempt before the retry time, got %d", n)
	}

	node.clock.Advance(time.Minute)
	node.engine.Flush(ctx)
	node.clock.Advance(2 * time.Minute)
	node.engine.Flush(ctx)

	if n := remote.hitCount("/users/alice/inbox"); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
	job = node.store.allJobs()[0]
	if job.Status != domain.DeliveryFailed || job.Attempts != 3 {
		t.Errorf("Expected failed job after 3 attempts, got %s after %d", job.Status, job.Attempts)
	}
	if !strings.Contains(job.LastError, string(domain.CodeDeliveryExhausted)) {
		t.Errorf("Expected DeliveryExhausted, got '%s'", job.LastError)
	}

	node.clock.Advance(time.Hour)
	node.engine.Flush(ctx)
	if n := remote.hitCount("/users/alice/inbox"); n != 3 {
		t.Errorf("Expected no attempt after giving up, got %d", n)
	}
}

func TestDeliverKeepsInboxOrder(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)
	inbox := "/users/alice/inbox"
	remote.setStatus(inbox, http.StatusServiceUnavailable)

	first := announce(node, bob, alice)
	second := announce(node, bob, alice)
	for _, env := range []*Envelope{first, second} {
		if _, err := node.engine.Deliver(ctx, env, env.Recipients()); err != nil {
			t.Fatalf("Deliver failed: %v", err)
		}
	}

	node.engine.Flush(ctx)
	if n := len(remote.received(inbox)); n != 1 {
		t.Fatalf("Expected only the head job to be attempted, got %d", n)
	}

	remote.setStatus(inbox, http.StatusAccepted)
	node.clock.Advance(time.Minute)
	node.engine.Flush(ctx)

	var ids []string
	for _, body := range remote.received(inbox) {
		env, err := ParseEnvelope(body)
		if err != nil {
			t.Fatalf("Failed to parse delivered activity: %v", err)
		}
		ids = append(ids, env.ID)
	}
	want := []string{first.ID, first.ID, second.ID}
	if strings.Join(ids, " ") != strings.Join(want, " ") {
		t.Errorf("Expected delivery order %v, got %v", want, ids)
	}
}

func TestDeliverSkipsUnaddressedAndLocal(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)
	carol := node.localActor(t, "carol", domain.ActorPerson)
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)
	dave := remote.addActor("dave", "Person", testKey(t, 0), false)

	env := announce(node, bob, alice, carol.ActorURI, Public)
	receipt, err := node.engine.Deliver(ctx, env, []string{alice, carol.ActorURI, Public, dave})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(receipt.Inboxes) != 1 || receipt.Inboxes[0] != alice+"/inbox" {
		t.Errorf("Expected only alice's inbox, got %v", receipt.Inboxes)
	}
	if len(receipt.Skipped) != 1 || receipt.Skipped[0].Recipient != dave {
		t.Fatalf("Expected dave to be skipped, got %+v", receipt.Skipped)
	}
	if !errors.Is(receipt.Skipped[0].Err, domain.ErrForbidden) {
		t.Errorf("Expected Forbidden, got %v", receipt.Skipped[0].Err)
	}
	if remote.hitCount("/users/dave") != 0 {
		t.Error("Expected an unaddressed recipient not to be resolved")
	}
}

func TestDeliverSkipsBlockedAndUnresolvable(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)
	ghost := remote.url("/users/ghost")
	blocked := "https://bad.example/u/eve"
	node.blocklist.Replace([]string{"bad.example"})

	env := announce(node, bob, ghost, blocked)
	receipt, err := node.engine.Deliver(ctx, env, env.Recipients())
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(receipt.Inboxes) != 0 {
		t.Errorf("Expected no inboxes, got %v", receipt.Inboxes)
	}
	if len(receipt.Skipped) != 2 {
		t.Fatalf("Expected 2 skipped recipients, got %+v", receipt.Skipped)
	}
	if !errors.Is(receipt.Skipped[0].Err, domain.ErrNotFound) {
		t.Errorf("Expected NotFound for ghost, got %v", receipt.Skipped[0].Err)
	}
	if !errors.Is(receipt.Skipped[1].Err, domain.ErrBlocked) {
		t.Errorf("Expected Blocked for eve, got %v", receipt.Skipped[1].Err)
	}
	if len(node.store.allJobs()) != 0 {
		t.Error("Expected no jobs")
	}
}

func TestDeliverRequiresLocalSender(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)
	res, err := node.resolver.Resolve(ctx, NewScope(testMaxFetches), Ref{ID: alice, Kind: domain.KindActor})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	env := announce(node, res.Entity.(*domain.Actor), alice)
	if _, err := node.engine.Deliver(ctx, env, env.Recipients()); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("Expected Forbidden, got %v", err)
	}
}

func TestRunDeliversOnWake(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	bob := node.localActor(t, "bob", domain.ActorPerson)
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		node.engine.Run(ctx)
		close(done)
	}()

	env := announce(node, bob, alice)
	if _, err := node.engine.Deliver(context.Background(), env, env.Recipients()); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(remote.received("/users/alice/inbox")) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if n := len(remote.received("/users/alice/inbox")); n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
}

func TestDeliveredBodyIsTheActivity(t *testing.T) {
	node := newTestNode(t)
	remote := newPeer(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)

	env := announce(node, bob, alice)
	if _, err := node.engine.Deliver(ctx, env, env.Recipients()); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	node.engine.Flush(ctx)

	body := remote.received("/users/alice/inbox")[0]
	parsed, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("Failed to parse delivered activity: %v", err)
	}
	if parsed.ID != env.ID || parsed.Actor != bob.ActorURI {
		t.Errorf("Expected %s by bob, got %s by %s", env.ID, parsed.ID, parsed.Actor)
	}
}

func TestDeliverRefusesRedirectToBlockedHost(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	bob := node.localActor(t, "bob", domain.ActorPerson)

	blocked := newPeer(t)
	remote := newPeer(t)
	remote.srv.URL = strings.Replace(remote.srv.URL, "127.0.0.1", "localhost", 1)
	alice := remote.addActor("alice", "Person", testKey(t, 0), false)
	remote.redirect("/users/alice/inbox", blocked.url("/inbox"))
	node.blocklist.Replace([]string{"127.0.0.1"})

	env := announce(node, bob, alice)
	if _, err := node.engine.Deliver(ctx, env, env.Recipients()); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	node.engine.Flush(ctx)

	if n := blocked.hitCount("/inbox"); n != 0 {
		t.Errorf("Expected the deny-listed host never to be contacted, got %d requests", n)
	}
	job := node.store.allJobs()[0]
	if job.Status != domain.DeliveryFailed || job.Attempts != 1 {
		t.Errorf("Expected failed job after 1 attempt, got %s after %d", job.Status, job.Attempts)
	}
	if !strings.Contains(job.LastError, string(domain.CodeBlocked)) {
		t.Errorf("Expected Blocked, got '%s'", job.LastError)
	}
}

func TestExhaustedIsNotRetryable(t *testing.T) {
	cause := domain.Errorf(domain.CodeUnreachable, "https://remote.example/inbox", "status %d", 503)
	err := exhausted("https://remote.example/inbox", cause)

	if domain.IsRetryable(err) {
		t.Error("Expected an exhausted delivery not to be retryable")
	}
	if domain.CodeOf(err) != domain.CodeDeliveryExhausted {
		t.Errorf("Expected DeliveryExhausted, got '%s'", domain.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "status 503") {
		t.Errorf("Expected the last cause in the message, got '%s'", err.Error())
	}
}
