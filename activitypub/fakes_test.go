package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/google/uuid"
)

// memStore is an in-memory Store and SeenStore with the same merge rules
// as the sqlite store.
type memStore struct {
	mu         sync.Mutex
	entities   map[string]domain.Entity
	writes     map[string]int
	follows    map[[2]string]*domain.Follow
	votes      map[[2]string]*domain.Vote
	activities []*domain.Activity
	jobs       []*domain.DeliveryJob
	seq        int64
	seen       map[string]bool
	// refuseFrom fails enqueueing jobs sent by this actor
	refuseFrom string
}

func newMemStore() *memStore {
	return &memStore{
		entities: make(map[string]domain.Entity),
		writes:   make(map[string]int),
		follows:  make(map[[2]string]*domain.Follow),
		votes:    make(map[[2]string]*domain.Vote),
		seen:     make(map[string]bool),
	}
}

func cloneEntity(e domain.Entity) domain.Entity {
	switch v := e.(type) {
	case *domain.Actor:
		c := *v
		return &c
	case *domain.Post:
		c := *v
		return &c
	case *domain.Comment:
		c := *v
		return &c
	case *domain.PrivateMessage:
		c := *v
		return &c
	}
	return e
}

func keep(in, old string) string {
	if in == "" {
		return old
	}
	return in
}

func mergeEntity(old, in domain.Entity) domain.Entity {
	switch o := old.(type) {
	case *domain.Actor:
		m := *in.(*domain.Actor)
		m.Id, m.Local, m.Deleted, m.CreatedAt = o.Id, o.Local, o.Deleted, o.CreatedAt
		m.PrivateKeyPem = keep(m.PrivateKeyPem, o.PrivateKeyPem)
		return &m
	case *domain.Post:
		n := in.(*domain.Post)
		m := *o
		m.Title, m.Body = keep(n.Title, o.Title), keep(n.Body, o.Body)
		m.URL, m.CommunityURI = keep(n.URL, o.URL), keep(n.CommunityURI, o.CommunityURI)
		m.Sensitive = n.Sensitive
		if n.Updated != nil {
			m.Updated = n.Updated
		}
		return &m
	case *domain.Comment:
		n := in.(*domain.Comment)
		m := *o
		m.Content = keep(n.Content, o.Content)
		m.PostURI, m.ParentURI = keep(n.PostURI, o.PostURI), keep(n.ParentURI, o.ParentURI)
		if n.Updated != nil {
			m.Updated = n.Updated
		}
		return &m
	case *domain.PrivateMessage:
		n := in.(*domain.PrivateMessage)
		m := *o
		m.Content = keep(n.Content, o.Content)
		if n.Updated != nil {
			m.Updated = n.Updated
		}
		return &m
	}
	return in
}

func (s *memStore) GetByIdentifier(ctx context.Context, id string, kind domain.Kind) (domain.Entity, error) {
	e, err := s.GetAny(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Kind() != kind {
		return nil, domain.Errorf(domain.CodeKindMismatch, id, "stored as %s", e.Kind())
	}
	return e, nil
}

func (s *memStore) GetAny(ctx context.Context, id string) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, id, "not stored")
	}
	return cloneEntity(e), nil
}

func (s *memStore) Upsert(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := cloneEntity(e)
	if old, ok := s.entities[e.APID()]; ok {
		if old.Kind() != e.Kind() {
			return nil, domain.Errorf(domain.CodeKindMismatch, e.APID(), "stored as %s", old.Kind())
		}
		in = mergeEntity(old, in)
	}
	s.entities[e.APID()] = in
	s.writes[e.APID()]++
	return cloneEntity(in), nil
}

func (s *memStore) MarkDeleted(ctx context.Context, id string, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return domain.Errorf(domain.CodeNotFound, id, "not stored")
	}
	switch v := e.(type) {
	case *domain.Actor:
		v.Deleted = deleted
	case *domain.Post:
		v.Deleted = deleted
	case *domain.Comment:
		v.Deleted = deleted
	case *domain.PrivateMessage:
		v.Deleted = deleted
	}
	return nil
}

func (s *memStore) HasSeenActivity(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[id], nil
}

func (s *memStore) RecordSeenActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = true
	return nil
}

func (s *memStore) UpsertFollow(ctx context.Context, f *domain.Follow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *f
	s.follows[[2]string{f.FollowerURI, f.TargetURI}] = &c
	return nil
}

func (s *memStore) FollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.follows {
		if f.URI == uri {
			c := *f
			return &c, nil
		}
	}
	return nil, domain.Errorf(domain.CodeNotFound, uri, "no such follow")
}

func (s *memStore) FollowBetween(ctx context.Context, followerURI, targetURI string) (*domain.Follow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.follows[[2]string{followerURI, targetURI}]
	if !ok {
		return nil, domain.Errorf(domain.CodeNotFound, targetURI, "no follow")
	}
	c := *f
	return &c, nil
}

func (s *memStore) SetFollowAccepted(ctx context.Context, followerURI, targetURI string, accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.follows[[2]string{followerURI, targetURI}]
	if !ok {
		return domain.Errorf(domain.CodeNotFound, targetURI, "no follow")
	}
	f.Accepted = accepted
	return nil
}

func (s *memStore) DeleteFollow(ctx context.Context, followerURI, targetURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.follows, [2]string{followerURI, targetURI})
	return nil
}

func (s *memStore) DeleteFollowsOf(ctx context.Context, actorURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.follows {
		if k[0] == actorURI || k[1] == actorURI {
			delete(s.follows, k)
		}
	}
	return nil
}

func (s *memStore) FollowersOf(ctx context.Context, actorURI string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, f := range s.follows {
		if k[1] == actorURI && f.Accepted {
			out = append(out, k[0])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) IsFollower(ctx context.Context, followerURI, targetURI string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.follows[[2]string{followerURI, targetURI}]
	return ok && f.Accepted, nil
}

func (s *memStore) UpsertVote(ctx context.Context, v *domain.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *v
	s.votes[[2]string{v.ActorURI, v.ObjectURI}] = &c
	return nil
}

func (s *memStore) VoteByURI(ctx context.Context, uri string) (*domain.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes {
		if v.URI == uri {
			c := *v
			return &c, nil
		}
	}
	return nil, domain.Errorf(domain.CodeNotFound, uri, "no such vote")
}

func (s *memStore) DeleteVote(ctx context.Context, actorURI, objectURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.votes, [2]string{actorURI, objectURI})
	return nil
}

func (s *memStore) LogActivity(ctx context.Context, a *domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.activities = append(s.activities, &c)
	return nil
}

func (s *memStore) EnqueueDeliveries(ctx context.Context, jobs []*domain.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.ActorURI == s.refuseFrom {
			return errors.New("queue unavailable")
		}
	}
	for _, j := range jobs {
		s.seq++
		j.Seq = s.seq
		j.Status = domain.DeliveryPending
		c := *j
		s.jobs = append(s.jobs, &c)
	}
	return nil
}

// head returns the oldest pending job of inbox; callers hold mu.
func (s *memStore) head(inbox string) *domain.DeliveryJob {
	for _, j := range s.jobs {
		if j.InboxURI == inbox && j.Status == domain.DeliveryPending {
			return j
		}
	}
	return nil
}

func (s *memStore) NextDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DeliveryJob
	seen := make(map[string]bool)
	for _, j := range s.jobs {
		if seen[j.InboxURI] || j.Status != domain.DeliveryPending {
			continue
		}
		seen[j.InboxURI] = true
		if !j.NextRetryAt.After(now) && len(out) < limit {
			c := *j
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memStore) NextForInbox(ctx context.Context, inbox string, now time.Time) (*domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.head(inbox)
	if j == nil || j.NextRetryAt.After(now) {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (s *memStore) job(id string) *domain.DeliveryJob {
	for _, j := range s.jobs {
		if j.Id.String() == id {
			return j
		}
	}
	return nil
}

func (s *memStore) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job(id)
	j.Status = domain.DeliveryDelivered
	j.Attempts++
	return nil
}

func (s *memStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job(id)
	j.Attempts, j.NextRetryAt, j.LastError = attempts, next, lastErr
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job(id)
	j.Status, j.Attempts, j.LastError = domain.DeliveryFailed, attempts, lastErr
	return nil
}

func (s *memStore) Requeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job(id)
	if j == nil || j.Status != domain.DeliveryFailed {
		return domain.Errorf(domain.CodeNotFound, id, "no failed delivery")
	}
	j.Status, j.Attempts, j.LastError = domain.DeliveryPending, 0, ""
	return nil
}

func (s *memStore) ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DeliveryJob
	for _, j := range s.jobs {
		if j.Status == status && len(out) < limit {
			c := *j
			out = append(out, &c)
		}
	}
	return out, nil
}

// allJobs returns copies of every job in creation order.
func (s *memStore) allJobs() []domain.DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryJob, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = *j
	}
	return out
}

func (s *memStore) writeCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}

// peer is a remote server that serves documents and records inbox POSTs.
type peer struct {
	srv *httptest.Server

	mu     sync.Mutex
	docs   map[string]peerDoc
	hits   map[string]int
	posts  map[string][][]byte
	status map[string]int
	moved  map[string]string
}

type peerDoc struct {
	status int
	body   []byte
}

func newPeer(t *testing.T) *peer {
	p := &peer{
		docs:   make(map[string]peerDoc),
		hits:   make(map[string]int),
		posts:  make(map[string][][]byte),
		status: make(map[string]int),
		moved:  make(map[string]string),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[r.URL.Path]++

	if to, ok := p.moved[r.URL.Path]; ok {
		http.Redirect(w, r, to, http.StatusTemporaryRedirect)
		return
	}
	if r.Method == http.MethodPost {
		p.posts[r.URL.Path] = append(p.posts[r.URL.Path], body)
		status := p.status[r.URL.Path]
		if status == 0 {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
		return
	}

	d, ok := p.docs[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(d.status)
	w.Write(d.body)
}

func (p *peer) url(path string) string {
	return p.srv.URL + path
}

// serve registers a document; v is marshalled unless it is already bytes.
func (p *peer) serve(path string, status int, v interface{}) {
	body, ok := v.([]byte)
	if !ok {
		var err error
		if body, err = json.Marshal(v); err != nil {
			panic(err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[path] = peerDoc{status: status, body: body}
}

func (p *peer) setStatus(path string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[path] = status
}

// redirect answers every request for path with a 307 to target.
func (p *peer) redirect(path, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moved[path] = target
}

func (p *peer) hitCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func (p *peer) received(path string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.posts[path]...)
}

// addActor serves an actor document and returns its identifier. With
// shared set the actor advertises the peer's shared inbox.
func (p *peer) addActor(name, actorType string, key *rsa.PrivateKey, shared bool) string {
	uri := p.url("/users/" + name)
	obj := ActorObject{
		Context:           []string{ActivityStreamsContext, SecurityContext},
		ID:                uri,
		Type:              actorType,
		PreferredUsername: name,
		Inbox:             uri + "/inbox",
		Followers:         uri + "/followers",
		PublicKey: PublicKeyObject{
			ID:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: publicKeyToPEM(&key.PublicKey),
		},
	}
	if shared {
		obj.Endpoints = &Endpoints{SharedInbox: p.url("/inbox")}
	}
	p.serve("/users/"+name, http.StatusOK, obj)
	return uri
}

func pageObject(id, author, title, body string) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"type":         "Page",
		"attributedTo": author,
		"name":         title,
		"content":      body,
		"to":           []string{Public},
	}
}

func noteObject(id, author, inReplyTo, content string) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"type":         "Note",
		"attributedTo": author,
		"inReplyTo":    inReplyTo,
		"content":      content,
		"to":           []string{Public},
	}
}

func activity(id, verb, actor string, object interface{}) map[string]interface{} {
	return map[string]interface{}{
		"@context": ActivityStreamsContext,
		"id":       id,
		"type":     verb,
		"actor":    actor,
		"object":   object,
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return b
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noJitter(time.Duration) time.Duration { return 0 }

// testNode wires the federation core against a memStore.
type testNode struct {
	store     *memStore
	iris      IRIs
	blocklist *Blocklist
	resolver  *Resolver
	keys      *KeyCache
	engine    *Engine
	outbox    *Outbox
	pipeline  *Pipeline
	clock     *clock
}

const testMaxFetches = 16

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	store := newMemStore()
	iris := NewIRIs("node.example")
	blocklist := NewBlocklist(nil)
	fetcher := NewFetcher(blocklist, nil, 5*time.Second, 1<<20)
	resolver := NewResolver(store, fetcher, iris)
	keys := NewKeyCache(ResolverKeySource{Resolver: resolver, MaxFetches: testMaxFetches}, time.Hour)
	engine := NewEngine(EngineOptions{
		Store:        store,
		Resolver:     resolver,
		Blocklist:    blocklist,
		IRIs:         iris,
		Policy:       RetryPolicy{Base: time.Minute, Cap: time.Hour, MaxAttempts: 3, Jitter: noJitter},
		Concurrency:  4,
		Timeout:      5 * time.Second,
		PollInterval: time.Hour,
		BatchSize:    50,
		MaxFetches:   testMaxFetches,
	})
	clk := newClock()
	engine.now = clk.Now

	outbox := NewOutbox(store, engine, resolver, iris, testMaxFetches)
	localKey := testKey(t, 1)
	outbox.keygen = func() (*util.RsaKeyPair, error) {
		return &util.RsaKeyPair{
			Private: privateKeyToPEM(localKey),
			Public:  publicKeyToPEM(&localKey.PublicKey),
		}, nil
	}

	pipeline := NewPipeline(PipelineOptions{
		Store:       store,
		Seen:        store,
		Resolver:    resolver,
		Verifier:    NewVerifier(keys),
		Keys:        keys,
		Outbox:      outbox,
		Blocklist:   blocklist,
		IRIs:        iris,
		Concurrency: 8,
		MaxFetches:  testMaxFetches,
	})

	return &testNode{
		store:     store,
		iris:      iris,
		blocklist: blocklist,
		resolver:  resolver,
		keys:      keys,
		engine:    engine,
		outbox:    outbox,
		pipeline:  pipeline,
		clock:     clk,
	}
}

func (n *testNode) localActor(t *testing.T, username string, actorType domain.ActorType) *domain.Actor {
	t.Helper()
	a, err := n.outbox.CreateLocalActor(context.Background(), username, actorType, username)
	if err != nil {
		t.Fatalf("CreateLocalActor failed: %v", err)
	}
	return a
}

// receive signs body as actorURI with key and runs it through the pipeline.
func (n *testNode) receive(t *testing.T, key *rsa.PrivateKey, actorURI string, v interface{}) Outcome {
	t.Helper()
	body := mustJSON(t, v)
	req := signedPost(t, key, actorURI+"#main-key", body)
	return n.pipeline.Process(context.Background(), req, body)
}

func (n *testNode) follow(t *testing.T, followerURI, targetURI string) {
	t.Helper()
	err := n.store.UpsertFollow(context.Background(), &domain.Follow{
		Id:          uuid.New(),
		FollowerURI: followerURI,
		TargetURI:   targetURI,
		URI:         followerURI + "/follows/" + uuid.NewString(),
		Accepted:    true,
	})
	if err != nil {
		t.Fatalf("UpsertFollow failed: %v", err)
	}
}

func (n *testNode) post(t *testing.T, id string) *domain.Post {
	t.Helper()
	e, err := n.store.GetByIdentifier(context.Background(), id, domain.KindPost)
	if err != nil {
		t.Fatalf("Expected post %s to be stored: %v", id, err)
	}
	return e.(*domain.Post)
}
