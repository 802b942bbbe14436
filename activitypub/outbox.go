package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/google/uuid"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// Outbox turns local actions into stored state plus outbound activities.
type Outbox struct {
	store      Store
	engine     *Engine
	resolver   *Resolver
	iris       IRIs
	maxFetches int
	keygen     func() (*util.RsaKeyPair, error)
	now        func() time.Time
}

func NewOutbox(store Store, engine *Engine, resolver *Resolver, iris IRIs, maxFetches int) *Outbox {
	return &Outbox{
		store:      store,
		engine:     engine,
		resolver:   resolver,
		iris:       iris,
		maxFetches: maxFetches,
		keygen:     util.GeneratePemKeypair,
		now:        time.Now,
	}
}

// CreateLocalActor registers a person, community or the instance actor.
func (o *Outbox) CreateLocalActor(ctx context.Context, username string, actorType domain.ActorType, displayName string) (*domain.Actor, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	keypair, err := o.keygen()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}

	var actorURI string
	switch actorType {
	case domain.ActorGroup:
		actorURI = o.iris.Community(username)
	case domain.ActorApplication:
		actorURI = o.iris.InstanceActor()
	default:
		actorURI = o.iris.Actor(username)
	}

	actor := &domain.Actor{
		Id:            uuid.New(),
		ActorURI:      actorURI,
		Type:          actorType,
		Username:      username,
		Domain:        o.iris.Domain(),
		DisplayName:   displayName,
		InboxURI:      o.iris.Inbox(actorURI),
		OutboxURI:     o.iris.Outbox(actorURI),
		FollowersURI:  o.iris.Followers(actorURI),
		PublicKeyPem:  keypair.Public,
		PrivateKeyPem: keypair.Private,
		Local:         true,
		LastFetchedAt: o.now(),
		CreatedAt:     o.now(),
	}
	stored, err := o.store.Upsert(ctx, actor)
	if err != nil {
		return nil, err
	}
	return stored.(*domain.Actor), nil
}

func (o *Outbox) newActivity(verb VerbKind, actor *domain.Actor, object ObjectRef, to, cc []string) *Envelope {
	ctxRaw, _ := json.Marshal(ActivityStreamsContext)
	published, _ := json.Marshal(o.now().UTC().Format(time.RFC3339))
	return &Envelope{
		Context: ctxRaw,
		ID:      o.iris.Activity(verb),
		Type:    verb,
		RawType: string(verb),
		Actor:   actor.ActorURI,
		Object:  object,
		To:      to,
		Cc:      cc,
		Extra:   []Field{{Name: "published", Value: published}},
	}
}

func inlineObject(v interface{}) (ObjectRef, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ObjectRef{}, err
	}
	return ObjectRef{Raw: raw}, nil
}

func (o *Outbox) deliver(ctx context.Context, env *Envelope) (*Receipt, error) {
	return o.engine.Deliver(ctx, env, env.Recipients())
}

// PublishPost stores a new post and sends Create to the community and the
// author's followers.
func (o *Outbox) PublishPost(ctx context.Context, author *domain.Actor, title, body, link, communityURI string) (*domain.Post, *Receipt, error) {
	if title == "" && body == "" {
		return nil, nil, domain.Errorf(domain.CodeMalformed, "", "post needs a title or a body")
	}
	id := uuid.New()
	post := &domain.Post{
		Id:           id,
		ObjectURI:    o.iris.Post(id),
		AuthorURI:    author.ActorURI,
		CommunityURI: communityURI,
		Title:        title,
		Body:         body,
		URL:          link,
		Local:        true,
		Published:    o.now().UTC(),
	}
	if communityURI != "" {
		if _, err := o.resolver.Resolve(ctx, NewScope(o.maxFetches), Ref{ID: communityURI, Kind: domain.KindActor}); err != nil {
			return nil, nil, fmt.Errorf("resolve community: %w", err)
		}
	}
	stored, err := o.store.Upsert(ctx, post)
	if err != nil {
		return nil, nil, err
	}
	post = stored.(*domain.Post)

	receipt, err := o.sendContent(ctx, VerbCreate, author, post)
	return post, receipt, err
}

// EditPost changes a local post and sends Update.
func (o *Outbox) EditPost(ctx context.Context, author *domain.Actor, postURI, title, body string) (*domain.Post, *Receipt, error) {
	entity, err := o.store.GetByIdentifier(ctx, postURI, domain.KindPost)
	if err != nil {
		return nil, nil, err
	}
	post := entity.(*domain.Post)
	if post.AuthorURI != author.ActorURI || !post.Local {
		return nil, nil, domain.Errorf(domain.CodeForbidden, postURI, "%s is not the author", author.ActorURI)
	}
	now := o.now().UTC()
	post.Title = title
	post.Body = body
	post.Updated = &now
	stored, err := o.store.Upsert(ctx, post)
	if err != nil {
		return nil, nil, err
	}
	post = stored.(*domain.Post)

	receipt, err := o.sendContent(ctx, VerbUpdate, author, post)
	return post, receipt, err
}

// PublishComment replies to a post or comment.
func (o *Outbox) PublishComment(ctx context.Context, author *domain.Actor, parentURI, content string) (*domain.Comment, *Receipt, error) {
	parent, err := o.resolver.ResolveAny(ctx, NewScope(o.maxFetches), parentURI, domain.KindPost, domain.KindComment)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve parent: %w", err)
	}

	id := uuid.New()
	comment := &domain.Comment{
		Id:        id,
		ObjectURI: o.iris.Comment(id),
		AuthorURI: author.ActorURI,
		Content:   content,
		Local:     true,
		Published: o.now().UTC(),
	}
	switch p := parent.Entity.(type) {
	case *domain.Post:
		comment.PostURI = p.ObjectURI
	case *domain.Comment:
		comment.PostURI = p.PostURI
		comment.ParentURI = p.ObjectURI
	}

	stored, err := o.store.Upsert(ctx, comment)
	if err != nil {
		return nil, nil, err
	}
	comment = stored.(*domain.Comment)

	receipt, err := o.sendContent(ctx, VerbCreate, author, comment)
	return comment, receipt, err
}

// SendPrivateMessage delivers a message to exactly one recipient.
func (o *Outbox) SendPrivateMessage(ctx context.Context, author *domain.Actor, recipientURI, content string) (*domain.PrivateMessage, *Receipt, error) {
	if _, err := o.resolver.Resolve(ctx, NewScope(o.maxFetches), Ref{ID: recipientURI, Kind: domain.KindActor}); err != nil {
		return nil, nil, fmt.Errorf("resolve recipient: %w", err)
	}
	id := uuid.New()
	pm := &domain.PrivateMessage{
		Id:           id,
		ObjectURI:    o.iris.PrivateMessage(id),
		AuthorURI:    author.ActorURI,
		RecipientURI: recipientURI,
		Content:      content,
		Local:        true,
		Published:    o.now().UTC(),
	}
	stored, err := o.store.Upsert(ctx, pm)
	if err != nil {
		return nil, nil, err
	}
	pm = stored.(*domain.PrivateMessage)

	receipt, err := o.sendContent(ctx, VerbCreate, author, pm)
	return pm, receipt, err
}

// DeleteObject soft-deletes local content and sends Delete.
func (o *Outbox) DeleteObject(ctx context.Context, author *domain.Actor, objectURI string) (*Receipt, error) {
	entity, err := o.store.GetAny(ctx, objectURI)
	if err != nil {
		return nil, err
	}
	if domain.AuthorOf(entity) != author.ActorURI {
		return nil, domain.Errorf(domain.CodeForbidden, objectURI, "%s is not the author", author.ActorURI)
	}
	if err := o.store.MarkDeleted(ctx, objectURI, true); err != nil {
		return nil, err
	}
	to, cc, err := o.addressing(ctx, author, entity)
	if err != nil {
		return nil, err
	}
	env := o.newActivity(VerbDelete, author, ObjectRef{IRI: objectURI}, to, cc)
	receipt, err := o.deliver(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := o.relayLocal(ctx, entity, env); err != nil {
		log.Warn("Outbox: community relay failed", "activity", env.ID, "err", err)
	}
	return receipt, nil
}

func (o *Outbox) sendContent(ctx context.Context, verb VerbKind, author *domain.Actor, entity domain.Entity) (*Receipt, error) {
	to, cc, err := o.addressing(ctx, author, entity)
	if err != nil {
		return nil, err
	}
	obj := ContentToObject(entity)
	obj.Context = nil
	obj.To, obj.Cc = to, cc
	ref, err := inlineObject(obj)
	if err != nil {
		return nil, err
	}
	env := o.newActivity(verb, author, ref, to, cc)
	receipt, err := o.deliver(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := o.relayLocal(ctx, entity, env); err != nil {
		log.Warn("Outbox: community relay failed", "activity", env.ID, "err", err)
	}
	return receipt, nil
}

// addressing picks to and cc for content: the public collection, the
// author's followers, the community and the author of the parent.
func (o *Outbox) addressing(ctx context.Context, author *domain.Actor, entity domain.Entity) ([]string, []string, error) {
	switch v := entity.(type) {
	case *domain.PrivateMessage:
		return []string{v.RecipientURI}, nil, nil
	case *domain.Post:
		to := []string{Public}
		if v.CommunityURI != "" {
			to = []string{v.CommunityURI, Public}
		}
		return to, []string{author.FollowersURI}, nil
	case *domain.Comment:
		cc := []string{author.FollowersURI}
		parentURI := v.ParentURI
		if parentURI == "" {
			parentURI = v.PostURI
		}
		if parent, err := o.store.GetAny(ctx, parentURI); err == nil {
			if a := domain.AuthorOf(parent); a != "" && a != author.ActorURI {
				cc = append(cc, a)
			}
		}
		if post, err := o.store.GetByIdentifier(ctx, v.PostURI, domain.KindPost); err == nil {
			if c := post.(*domain.Post).CommunityURI; c != "" {
				cc = append(cc, c)
			}
		}
		return []string{Public}, cc, nil
	}
	return nil, nil, domain.Errorf(domain.CodeUnsupportedKind, entity.APID(), "cannot address %s", entity.Kind())
}

// relayLocal announces activities about content in a local community.
func (o *Outbox) relayLocal(ctx context.Context, entity domain.Entity, env *Envelope) error {
	communityURI := ""
	switch v := entity.(type) {
	case *domain.Post:
		communityURI = v.CommunityURI
	case *domain.Comment:
		if post, err := o.store.GetByIdentifier(ctx, v.PostURI, domain.KindPost); err == nil {
			communityURI = post.(*domain.Post).CommunityURI
		}
	}
	if communityURI == "" || !o.iris.IsLocal(communityURI) {
		return nil
	}
	e, err := o.store.GetByIdentifier(ctx, communityURI, domain.KindActor)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	community := e.(*domain.Actor)
	if !community.IsCommunity() || community.Deleted {
		return nil
	}
	if _, err := o.Announce(ctx, community, env); err != nil {
		return fmt.Errorf("announce in %s: %w", communityURI, err)
	}
	return nil
}

// Follow stores a pending follow and sends Follow. Following a local actor
// is accepted immediately.
func (o *Outbox) Follow(ctx context.Context, follower *domain.Actor, targetURI string) (*Receipt, error) {
	res, err := o.resolver.Resolve(ctx, NewScope(o.maxFetches), Ref{ID: targetURI, Kind: domain.KindActor})
	if err != nil {
		return nil, fmt.Errorf("resolve follow target: %w", err)
	}
	target := res.Entity.(*domain.Actor)

	env := o.newActivity(VerbFollow, follower, ObjectRef{IRI: target.ActorURI}, []string{target.ActorURI}, nil)
	err = o.store.UpsertFollow(ctx, &domain.Follow{
		Id:          uuid.New(),
		FollowerURI: follower.ActorURI,
		TargetURI:   target.ActorURI,
		URI:         env.ID,
		Accepted:    target.Local,
		CreatedAt:   o.now(),
	})
	if err != nil {
		return nil, err
	}
	if target.Local {
		return &Receipt{ActivityID: env.ID}, nil
	}
	return o.deliver(ctx, env)
}

// Unfollow removes a follow and sends Undo.
func (o *Outbox) Unfollow(ctx context.Context, follower *domain.Actor, targetURI string) (*Receipt, error) {
	follow, err := o.store.FollowBetween(ctx, follower.ActorURI, targetURI)
	if err != nil {
		return nil, err
	}
	if err := o.store.DeleteFollow(ctx, follower.ActorURI, targetURI); err != nil {
		return nil, err
	}
	if o.iris.IsLocal(targetURI) {
		return &Receipt{}, nil
	}

	inner := &Envelope{
		ID:      follow.URI,
		Type:    VerbFollow,
		RawType: string(VerbFollow),
		Actor:   follower.ActorURI,
		Object:  ObjectRef{IRI: targetURI},
		To:      []string{targetURI},
	}
	ref, err := inlineObject(inner)
	if err != nil {
		return nil, err
	}
	env := o.newActivity(VerbUndo, follower, ref, []string{targetURI}, nil)
	return o.deliver(ctx, env)
}

// Vote sends Like (+1) or Dislike (-1). A score of 0 withdraws an earlier
// vote with Undo.
func (o *Outbox) Vote(ctx context.Context, voter *domain.Actor, objectURI string, score int) (*Receipt, error) {
	if score < -1 || score > 1 {
		return nil, fmt.Errorf("score must be -1, 0 or 1")
	}
	res, err := o.resolver.ResolveAny(ctx, NewScope(o.maxFetches), objectURI, domain.KindPost, domain.KindComment)
	if err != nil {
		return nil, fmt.Errorf("resolve vote target: %w", err)
	}
	target := res.Entity

	to := []string{domain.AuthorOf(target)}
	cc := []string{Public}
	if c := o.communityOf(ctx, target); c != "" {
		cc = append(cc, c)
	}

	if score == 0 {
		return o.unvote(ctx, voter, target, to, cc)
	}

	verb := VerbLike
	if score < 0 {
		verb = VerbDislike
	}
	env := o.newActivity(verb, voter, ObjectRef{IRI: target.APID()}, to, cc)
	err = o.store.UpsertVote(ctx, &domain.Vote{
		Id:        uuid.New(),
		URI:       env.ID,
		ActorURI:  voter.ActorURI,
		ObjectURI: target.APID(),
		Score:     score,
		CreatedAt: o.now(),
	})
	if err != nil {
		return nil, err
	}
	receipt, err := o.deliver(ctx, env)
	if err != nil {
		return nil, err
	}
	if err := o.relayLocal(ctx, target, env); err != nil {
		log.Warn("Outbox: community relay failed", "activity", env.ID, "err", err)
	}
	return receipt, nil
}

func (o *Outbox) unvote(ctx context.Context, voter *domain.Actor, target domain.Entity, to, cc []string) (*Receipt, error) {
	if err := o.store.DeleteVote(ctx, voter.ActorURI, target.APID()); err != nil {
		return nil, err
	}
	inner := &Envelope{
		ID:      o.iris.Activity(VerbLike),
		Type:    VerbLike,
		RawType: string(VerbLike),
		Actor:   voter.ActorURI,
		Object:  ObjectRef{IRI: target.APID()},
	}
	ref, err := inlineObject(inner)
	if err != nil {
		return nil, err
	}
	env := o.newActivity(VerbUndo, voter, ref, to, cc)
	return o.deliver(ctx, env)
}

func (o *Outbox) communityOf(ctx context.Context, entity domain.Entity) string {
	switch v := entity.(type) {
	case *domain.Post:
		return v.CommunityURI
	case *domain.Comment:
		if post, err := o.store.GetByIdentifier(ctx, v.PostURI, domain.KindPost); err == nil {
			return post.(*domain.Post).CommunityURI
		}
	}
	return ""
}

// AcceptFollow answers an inbound Follow. The Follow is embedded verbatim.
func (o *Outbox) AcceptFollow(ctx context.Context, local *domain.Actor, follow *Envelope) (*Receipt, error) {
	raw, err := json.Marshal(follow)
	if err != nil {
		return nil, err
	}
	env := o.newActivity(VerbAccept, local, ObjectRef{Raw: raw}, []string{follow.Actor}, nil)
	return o.deliver(ctx, env)
}

// Announce relays inner to the community's followers. inner is embedded as
// re-serialized, extension members included.
func (o *Outbox) Announce(ctx context.Context, community *domain.Actor, inner *Envelope) (*Receipt, error) {
	if !community.Local || !community.IsCommunity() {
		return nil, domain.Errorf(domain.CodeForbidden, community.ActorURI, "only local communities announce")
	}
	raw, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	env := o.newActivity(VerbAnnounce, community, ObjectRef{Raw: raw}, []string{Public}, []string{community.FollowersURI})
	return o.deliver(ctx, env)
}
