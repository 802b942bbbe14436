package activitypub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
)

// Ref is an identifier together with the kind it must resolve to.
type Ref struct {
	ID   string
	Kind domain.Kind
}

// Source tells where a resolved entity came from.
type Source int

const (
	SourceScope Source = iota
	SourceStore
	SourceRemote
	SourceInline
)

func (s Source) String() string {
	switch s {
	case SourceScope:
		return "scope"
	case SourceStore:
		return "store"
	case SourceRemote:
		return "remote"
	case SourceInline:
		return "inline"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Resolved is the result of a resolution.
type Resolved struct {
	Entity domain.Entity
	Source Source
}

type scopeEntry struct {
	entity domain.Entity
	err    error
}

// Scope is a per-operation cache. Each identifier is fetched at most once
// per scope, failures included, and the number of remote fetches is capped.
// A Scope belongs to a single operation and is dropped when it finishes.
type Scope struct {
	mu         sync.Mutex
	entries    map[string]scopeEntry
	fetches    int
	maxFetches int
}

func NewScope(maxFetches int) *Scope {
	return &Scope{entries: make(map[string]scopeEntry), maxFetches: maxFetches}
}

func (s *Scope) lookup(id string) (scopeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Scope) put(id string, entity domain.Entity, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = scopeEntry{entity: entity, err: err}
}

func (s *Scope) takeFetch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetches >= s.maxFetches {
		return false
	}
	s.fetches++
	return true
}

// Fetches reports how many remote fetches the scope has spent.
func (s *Scope) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Resolver turns identifiers into entities, consulting the scope, then the
// store, then the origin server.
type Resolver struct {
	store   EntityStore
	fetcher RemoteFetcher
	iris    IRIs
}

func NewResolver(store EntityStore, fetcher RemoteFetcher, iris IRIs) *Resolver {
	return &Resolver{store: store, fetcher: fetcher, iris: iris}
}

// Resolve returns the entity ref.ID names, which must be of kind ref.Kind.
func (r *Resolver) Resolve(ctx context.Context, scope *Scope, ref Ref) (*Resolved, error) {
	return r.resolve(ctx, scope, ref.ID, []domain.Kind{ref.Kind}, false)
}

// ResolveAny resolves an identifier that may be any of kinds.
func (r *Resolver) ResolveAny(ctx context.Context, scope *Scope, id string, kinds ...domain.Kind) (*Resolved, error) {
	return r.resolve(ctx, scope, id, kinds, false)
}

// Refetch skips the store and re-reads the object from its origin.
func (r *Resolver) Refetch(ctx context.Context, scope *Scope, id string, kinds ...domain.Kind) (*Resolved, error) {
	return r.resolve(ctx, scope, id, kinds, true)
}

func (r *Resolver) resolve(ctx context.Context, scope *Scope, id string, kinds []domain.Kind, remoteOnly bool) (*Resolved, error) {
	if id == "" {
		return nil, domain.Errorf(domain.CodeMalformed, "", "empty identifier")
	}

	if e, ok := scope.lookup(id); ok {
		if e.err != nil {
			return nil, e.err
		}
		if !kindIn(e.entity.Kind(), kinds) {
			return nil, kindMismatch(id, kinds, e.entity.Kind())
		}
		return &Resolved{Entity: e.entity, Source: SourceScope}, nil
	}

	if !remoteOnly {
		entity, err := r.fromStore(ctx, id, kinds)
		if err == nil {
			scope.put(id, entity, nil)
			return &Resolved{Entity: entity, Source: SourceStore}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if r.iris.IsLocal(id) {
		err := domain.Errorf(domain.CodeNotFound, id, "no local object")
		scope.put(id, nil, err)
		return nil, err
	}

	entity, err := r.fetch(ctx, scope, id, kinds)
	if err != nil {
		if !errors.Is(err, domain.ErrLimitExceeded) && ctx.Err() == nil {
			scope.put(id, nil, err)
		}
		return nil, err
	}
	scope.put(id, entity, nil)
	return &Resolved{Entity: entity, Source: SourceRemote}, nil
}

func (r *Resolver) fromStore(ctx context.Context, id string, kinds []domain.Kind) (domain.Entity, error) {
	var (
		entity domain.Entity
		err    error
	)
	if len(kinds) == 1 {
		entity, err = r.store.GetByIdentifier(ctx, id, kinds[0])
	} else {
		entity, err = r.store.GetAny(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if !kindIn(entity.Kind(), kinds) {
		return nil, kindMismatch(id, kinds, entity.Kind())
	}
	return entity, nil
}

func (r *Resolver) fetch(ctx context.Context, scope *Scope, id string, kinds []domain.Kind) (domain.Entity, error) {
	if !scope.takeFetch() {
		return nil, domain.Errorf(domain.CodeLimitExceeded, id, "fetch budget of %d exhausted", scope.maxFetches)
	}

	fetched, err := r.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}

	kind, err := KindOf(fetched.Body)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeUnsupportedKind {
			return nil, domain.Wrap(domain.CodeKindMismatch, id, err)
		}
		return nil, err
	}
	if !kindIn(kind, kinds) {
		return nil, kindMismatch(id, kinds, kind)
	}
	entity, err := ParseObject(fetched.Body, kind)
	if err != nil {
		return nil, err
	}
	if !sameHost(entity.APID(), fetched.URL) {
		return nil, domain.Errorf(domain.CodeMalformed, id, "object %s was served by %s", entity.APID(), hostOf(fetched.URL))
	}

	return r.complete(ctx, scope, entity)
}

// Ingest stores an object delivered inline in an activity by actorURI. The
// object must live on the actor's host and be attributed to the actor.
func (r *Resolver) Ingest(ctx context.Context, scope *Scope, raw []byte, actorURI string, kinds ...domain.Kind) (*Resolved, error) {
	kind, err := KindOf(raw)
	if err != nil {
		return nil, err
	}
	if !kindIn(kind, kinds) {
		return nil, kindMismatch("", kinds, kind)
	}
	entity, err := ParseObject(raw, kind)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(entity, actorURI); err != nil {
		return nil, err
	}

	stored, err := r.complete(ctx, scope, entity)
	if err != nil {
		return nil, err
	}
	scope.put(stored.APID(), stored, nil)
	return &Resolved{Entity: stored, Source: SourceInline}, nil
}

// checkOwnership enforces that actorURI may speak for entity.
func checkOwnership(entity domain.Entity, actorURI string) error {
	if !sameHost(entity.APID(), actorURI) {
		return domain.Errorf(domain.CodeForbidden, entity.APID(), "object is not on the host of %s", actorURI)
	}
	if author := domain.AuthorOf(entity); author != actorURI {
		return domain.Errorf(domain.CodeForbidden, entity.APID(), "object is attributed to %s, not %s", author, actorURI)
	}
	return nil
}

// complete fills in references that need resolving and writes the entity.
func (r *Resolver) complete(ctx context.Context, scope *Scope, entity domain.Entity) (domain.Entity, error) {
	switch v := entity.(type) {
	case *domain.Actor:
		v.LastFetchedAt = time.Now()
	case *domain.Comment:
		parent, err := r.ResolveAny(ctx, scope, v.ParentURI, domain.KindPost, domain.KindComment)
		if err != nil {
			return nil, fmt.Errorf("resolve parent of %s: %w", v.ObjectURI, err)
		}
		switch p := parent.Entity.(type) {
		case *domain.Post:
			v.PostURI = p.ObjectURI
			v.ParentURI = ""
		case *domain.Comment:
			v.PostURI = p.PostURI
		}
	}

	stored, err := r.store.Upsert(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", entity.APID(), err)
	}
	log.Debug("Resolver: stored", "kind", stored.Kind(), "id", stored.APID())
	return stored, nil
}

func kindIn(k domain.Kind, kinds []domain.Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func kindMismatch(id string, kinds []domain.Kind, got domain.Kind) error {
	return domain.Errorf(domain.CodeKindMismatch, id, "expected %v, got %s", kinds, got)
}

// ResolverKeySource adapts a Resolver to the KeySource contract.
type ResolverKeySource struct {
	Resolver   *Resolver
	MaxFetches int
}

func (s ResolverKeySource) Key(ctx context.Context, actorURI string) (*domain.KeyCacheEntry, error) {
	res, err := s.Resolver.Resolve(ctx, NewScope(s.MaxFetches), Ref{ID: actorURI, Kind: domain.KindActor})
	if err != nil {
		return nil, err
	}
	return keyEntry(res.Entity.(*domain.Actor))
}

func (s ResolverKeySource) FetchKey(ctx context.Context, actorURI string) (*domain.KeyCacheEntry, error) {
	res, err := s.Resolver.Refetch(ctx, NewScope(s.MaxFetches), actorURI, domain.KindActor)
	if err != nil {
		return nil, err
	}
	return keyEntry(res.Entity.(*domain.Actor))
}

func keyEntry(actor *domain.Actor) (*domain.KeyCacheEntry, error) {
	key, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return nil, domain.Wrap(domain.CodeMalformed, actor.ActorURI, err)
	}
	fetchedAt := actor.LastFetchedAt
	if actor.Local {
		fetchedAt = time.Now()
	}
	return &domain.KeyCacheEntry{
		ActorURI:  actor.ActorURI,
		KeyID:     actor.KeyID(),
		PublicKey: key,
		FetchedAt: fetchedAt,
	}, nil
}
