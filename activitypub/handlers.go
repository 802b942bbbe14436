package activitypub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

var contentKinds = []domain.Kind{domain.KindPost, domain.KindComment, domain.KindPrivateMessage}

func (p *Pipeline) dispatch(ctx context.Context, in *inbound) error {
	switch in.env.Type {
	case VerbCreate, VerbUpdate:
		return p.handleCreateOrUpdate(ctx, in)
	case VerbDelete:
		return p.handleDelete(ctx, in)
	case VerbUndo:
		return p.handleUndo(ctx, in)
	case VerbFollow:
		return p.handleFollow(ctx, in)
	case VerbAccept, VerbReject:
		return p.handleFollowResponse(ctx, in)
	case VerbAnnounce:
		return p.handleAnnounce(ctx, in)
	case VerbLike, VerbDislike:
		return p.handleVote(ctx, in)
	}
	return domain.Errorf(domain.CodeUnsupportedKind, in.env.ID, "activity type %s", in.env.RawType)
}

// handleCreateOrUpdate stores the object. Both verbs share one merge path, so
// a Create for a known identifier updates it.
func (p *Pipeline) handleCreateOrUpdate(ctx context.Context, in *inbound) error {
	env := in.env
	kinds := contentKinds
	if env.Type == VerbUpdate {
		kinds = append([]domain.Kind{domain.KindActor}, contentKinds...)
	}

	var res *Resolved
	var err error
	if env.Object.Inline() {
		res, err = p.resolver.Ingest(ctx, in.scope, env.Object.Raw, env.Actor, kinds...)
	} else {
		id := env.Object.IRI
		if !sameHost(id, env.Actor) {
			return domain.Errorf(domain.CodeForbidden, id, "object is not on the host of %s", env.Actor)
		}
		res, err = p.resolver.Refetch(ctx, in.scope, id, kinds...)
		if err == nil {
			err = checkOwnership(res.Entity, env.Actor)
		}
	}
	if err != nil {
		return err
	}

	if res.Entity.Kind() == domain.KindActor && p.keys != nil {
		p.keys.Invalidate(env.Actor)
	}
	p.relay(ctx, in, res.Entity)
	return nil
}

func (p *Pipeline) handleDelete(ctx context.Context, in *inbound) error {
	env := in.env
	id := env.Object.ID()

	if id == env.Actor {
		if err := p.store.MarkDeleted(ctx, id, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := p.store.DeleteFollowsOf(ctx, id); err != nil {
			return err
		}
		if p.keys != nil {
			p.keys.Invalidate(id)
		}
		return nil
	}

	entity, err := p.store.GetAny(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		// never seen it, nothing to remove
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.mayModify(ctx, entity, env.Actor); err != nil {
		return err
	}
	if err := p.store.MarkDeleted(ctx, id, true); err != nil {
		return err
	}
	p.relay(ctx, in, entity)
	return nil
}

func (p *Pipeline) handleUndo(ctx context.Context, in *inbound) error {
	env := in.env
	if !env.Object.Inline() {
		return p.undoByURI(ctx, env)
	}

	inner, err := ParseEnvelope(env.Object.Raw)
	if err != nil {
		return err
	}
	if inner.Actor != env.Actor {
		return domain.Errorf(domain.CodeForbidden, inner.ID, "cannot undo an activity of %s", inner.Actor)
	}

	switch inner.Type {
	case VerbFollow:
		return p.store.DeleteFollow(ctx, env.Actor, inner.Object.ID())
	case VerbLike, VerbDislike:
		if err := p.store.DeleteVote(ctx, env.Actor, inner.Object.ID()); err != nil {
			return err
		}
		if entity, err := p.store.GetAny(ctx, inner.Object.ID()); err == nil {
			p.relay(ctx, in, entity)
		}
		return nil
	case VerbDelete:
		entity, err := p.store.GetAny(ctx, inner.Object.ID())
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.mayModify(ctx, entity, env.Actor); err != nil {
			return err
		}
		if err := p.store.MarkDeleted(ctx, entity.APID(), false); err != nil {
			return err
		}
		p.relay(ctx, in, entity)
		return nil
	case VerbAnnounce:
		return nil
	}
	return domain.Errorf(domain.CodeUnsupportedKind, inner.ID, "cannot undo %s", inner.RawType)
}

func (p *Pipeline) undoByURI(ctx context.Context, env *Envelope) error {
	uri := env.Object.IRI
	if f, err := p.store.FollowByURI(ctx, uri); err == nil {
		if f.FollowerURI != env.Actor {
			return domain.Errorf(domain.CodeForbidden, uri, "follow belongs to %s", f.FollowerURI)
		}
		return p.store.DeleteFollow(ctx, f.FollowerURI, f.TargetURI)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if v, err := p.store.VoteByURI(ctx, uri); err == nil {
		if v.ActorURI != env.Actor {
			return domain.Errorf(domain.CodeForbidden, uri, "vote belongs to %s", v.ActorURI)
		}
		return p.store.DeleteVote(ctx, v.ActorURI, v.ObjectURI)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

func (p *Pipeline) handleFollow(ctx context.Context, in *inbound) error {
	env := in.env
	target := env.Object.ID()
	if !p.iris.IsLocal(target) {
		return domain.Errorf(domain.CodeNotFound, target, "follow target is not a local actor")
	}
	entity, err := p.store.GetByIdentifier(ctx, target, domain.KindActor)
	if err != nil {
		return err
	}
	local := entity.(*domain.Actor)
	if local.Deleted {
		return domain.Errorf(domain.CodeNotFound, target, "actor was deleted")
	}

	err = p.store.UpsertFollow(ctx, &domain.Follow{
		Id:          uuid.New(),
		FollowerURI: env.Actor,
		TargetURI:   target,
		URI:         env.ID,
		Accepted:    true,
		CreatedAt:   p.now(),
	})
	if err != nil {
		return err
	}

	if p.outbox != nil {
		if _, err := p.outbox.AcceptFollow(ctx, local, env); err != nil {
			return err
		}
	}
	return nil
}

// handleFollowResponse settles an outbound follow after Accept or Reject.
func (p *Pipeline) handleFollowResponse(ctx context.Context, in *inbound) error {
	env := in.env
	var followerURI, targetURI string

	if env.Object.Inline() {
		inner, err := ParseEnvelope(env.Object.Raw)
		if err != nil {
			return err
		}
		if inner.Type != VerbFollow {
			return domain.Errorf(domain.CodeUnsupportedKind, inner.ID, "%s of %s", env.RawType, inner.RawType)
		}
		followerURI, targetURI = inner.Actor, inner.Object.ID()
	} else {
		f, err := p.store.FollowByURI(ctx, env.Object.IRI)
		if err != nil {
			return err
		}
		followerURI, targetURI = f.FollowerURI, f.TargetURI
	}

	if targetURI != env.Actor {
		return domain.Errorf(domain.CodeForbidden, env.ID, "%s cannot answer a follow of %s", env.Actor, targetURI)
	}
	if !p.iris.IsLocal(followerURI) {
		return domain.Errorf(domain.CodeNotFound, followerURI, "follower is not local")
	}

	if env.Type == VerbAccept {
		return p.store.SetFollowAccepted(ctx, followerURI, targetURI, true)
	}
	return p.store.DeleteFollow(ctx, followerURI, targetURI)
}

func (p *Pipeline) handleAnnounce(ctx context.Context, in *inbound) error {
	env := in.env
	if env.Object.Inline() && isActivity(env.Object.Raw) {
		inner, err := ParseEnvelope(env.Object.Raw)
		if err != nil {
			return err
		}
		if inner.Type == VerbUnsupported {
			return domain.Errorf(domain.CodeUnsupportedKind, inner.ID, "announced type %s", inner.RawType)
		}
		if sameHost(inner.ID, env.Actor) {
			return p.applyNested(ctx, in, inner)
		}
		return p.verifyForeign(ctx, in, inner)
	}

	_, err := p.resolver.ResolveAny(ctx, in.scope, env.Object.ID(), domain.KindPost, domain.KindComment)
	return err
}

// applyNested applies an activity the announcer vouches for, under its own
// dedup id.
func (p *Pipeline) applyNested(ctx context.Context, in *inbound, inner *Envelope) error {
	if in.depth > 0 {
		return domain.Errorf(domain.CodeLimitExceeded, inner.ID, "nested announce")
	}
	if inner.Type == VerbAnnounce {
		return domain.Errorf(domain.CodeLimitExceeded, inner.ID, "announce of an announce")
	}
	if _, err := p.resolver.Resolve(ctx, in.scope, Ref{ID: inner.Actor, Kind: domain.KindActor}); err != nil {
		return err
	}
	_, err := p.applyOnce(ctx, &inbound{env: inner, scope: in.scope, depth: in.depth + 1})
	return err
}

// verifyForeign handles an announced activity from a host other than the
// announcer's. Its effect is only applied when the origin confirms it.
func (p *Pipeline) verifyForeign(ctx context.Context, in *inbound, inner *Envelope) error {
	switch inner.Type {
	case VerbCreate, VerbUpdate:
		id := inner.Object.ID()
		if !sameHost(id, inner.Actor) {
			return domain.Errorf(domain.CodeForbidden, id, "object is not on the host of %s", inner.Actor)
		}
		res, err := p.resolver.Refetch(ctx, in.scope, id, contentKinds...)
		if err != nil {
			return err
		}
		return checkOwnership(res.Entity, inner.Actor)
	case VerbDelete:
		id := inner.Object.ID()
		_, err := p.resolver.Refetch(ctx, in.scope, id, contentKinds...)
		if !errors.Is(err, domain.ErrNotFound) {
			// still served by its origin, or unknown
			return ignoreKnown(err)
		}
		if err := p.store.MarkDeleted(ctx, id, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return nil
	}
	log.Debug("Inbox: ignoring unverifiable announced activity", "activity", inner.ID, "type", inner.RawType)
	return nil
}

// ignoreKnown drops resolution errors that only mean the object still exists
// in some form.
func ignoreKnown(err error) error {
	if err == nil || errors.Is(err, domain.ErrKindMismatch) {
		return nil
	}
	return err
}

func (p *Pipeline) handleVote(ctx context.Context, in *inbound) error {
	env := in.env
	res, err := p.resolver.ResolveAny(ctx, in.scope, env.Object.ID(), domain.KindPost, domain.KindComment)
	if err != nil {
		return err
	}
	score := 1
	if env.Type == VerbDislike {
		score = -1
	}
	err = p.store.UpsertVote(ctx, &domain.Vote{
		Id:        uuid.New(),
		URI:       env.ID,
		ActorURI:  env.Actor,
		ObjectURI: res.Entity.APID(),
		Score:     score,
		CreatedAt: p.now(),
	})
	if err != nil {
		return err
	}
	p.relay(ctx, in, res.Entity)
	return nil
}

// mayModify allows the author, or the community the content lives in, to
// delete or restore it.
func (p *Pipeline) mayModify(ctx context.Context, entity domain.Entity, actorURI string) error {
	if domain.AuthorOf(entity) == actorURI {
		return nil
	}
	if community := p.communityURIOf(ctx, entity); community != "" && community == actorURI {
		return nil
	}
	return domain.Errorf(domain.CodeForbidden, entity.APID(), "%s may not modify it", actorURI)
}

func (p *Pipeline) communityURIOf(ctx context.Context, entity domain.Entity) string {
	switch v := entity.(type) {
	case *domain.Post:
		return v.CommunityURI
	case *domain.Comment:
		post, err := p.store.GetByIdentifier(ctx, v.PostURI, domain.KindPost)
		if err != nil {
			return ""
		}
		return post.(*domain.Post).CommunityURI
	}
	return ""
}

// relay re-broadcasts an activity about content in a local community to the
// community's followers. Failures are logged; the inbound activity itself
// has already been applied.
func (p *Pipeline) relay(ctx context.Context, in *inbound, entity domain.Entity) {
	if p.outbox == nil || in.depth > 0 {
		return
	}
	communityURI := p.communityURIOf(ctx, entity)
	if communityURI == "" || communityURI == in.env.Actor || !p.iris.IsLocal(communityURI) {
		return
	}
	e, err := p.store.GetByIdentifier(ctx, communityURI, domain.KindActor)
	if err != nil {
		return
	}
	community := e.(*domain.Actor)
	if !community.IsCommunity() || community.Deleted {
		return
	}
	if _, err := p.outbox.Announce(ctx, community, in.env); err != nil {
		log.Warn("Inbox: community relay failed", "community", communityURI, "activity", in.env.ID, "err", err)
	}
}

// isActivity reports whether an inline object is itself an activity.
func isActivity(raw json.RawMessage) bool {
	var head struct {
		Actor json.RawMessage `json:"actor"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return false
	}
	return len(head.Actor) > 0
}
