package activitypub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Verdict is the final state of an inbound activity.
type Verdict int

const (
	Applied Verdict = iota
	Rejected
	Deferred
)

func (v Verdict) String() string {
	switch v {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Deferred:
		return "deferred"
	}
	return "unknown"
}

// Rejection reasons beyond the error codes.
const (
	ReasonAuthFailed = "AuthFailed"
)

// Outcome reports what happened to one inbound activity.
type Outcome struct {
	Verdict    Verdict
	Reason     string
	Duplicate  bool
	ActivityID string
	Err        error
}

// PipelineOptions wires a Pipeline.
type PipelineOptions struct {
	Store       Store
	Seen        SeenStore
	Resolver    *Resolver
	Verifier    SignatureVerifier
	Keys        *KeyCache // invalidated on actor updates and deletes; optional
	Outbox      *Outbox   // sends Accept and community relays; optional
	Blocklist   *Blocklist
	IRIs        IRIs
	Concurrency int
	MaxFetches  int
}

// Pipeline authenticates inbound activities and applies each one at most
// once.
type Pipeline struct {
	store      Store
	seen       SeenStore
	resolver   *Resolver
	verifier   SignatureVerifier
	keys       *KeyCache
	outbox     *Outbox
	blocklist  *Blocklist
	iris       IRIs
	maxFetches int
	sem        *semaphore.Weighted
	inflight   singleflight.Group
	now        func() time.Time
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	return &Pipeline{
		store:      opts.Store,
		seen:       opts.Seen,
		resolver:   opts.Resolver,
		verifier:   opts.Verifier,
		keys:       opts.Keys,
		outbox:     opts.Outbox,
		blocklist:  opts.Blocklist,
		iris:       opts.IRIs,
		maxFetches: opts.MaxFetches,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		now:        time.Now,
	}
}

// inbound is one activity moving through the handlers.
type inbound struct {
	env   *Envelope
	raw   []byte
	scope *Scope
	depth int
}

// Process runs a delivered activity through authentication, classification,
// deduplication and application.
func (p *Pipeline) Process(ctx context.Context, req *http.Request, body []byte) Outcome {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Outcome{Verdict: Deferred, Reason: "Busy", Err: err}
	}
	defer p.sem.Release(1)

	env, err := ParseEnvelope(body)
	if err != nil {
		return p.reject(nil, string(domain.CodeMalformed), err)
	}

	if p.blocklist.Blocked(env.Actor) {
		return p.reject(env, string(domain.CodeBlocked), domain.Errorf(domain.CodeBlocked, env.Actor, "actor host is deny-listed"))
	}

	scope := NewScope(p.maxFetches)
	if _, err := p.resolver.Resolve(ctx, scope, Ref{ID: env.Actor, Kind: domain.KindActor}); err != nil {
		if transient(ctx, err) {
			return p.deferred(env, err)
		}
		return p.reject(env, ReasonAuthFailed, domain.Wrap(domain.CodeActorUnresolvable, env.Actor, err))
	}
	if err := p.verifier.Verify(ctx, req, body, env.Actor); err != nil {
		if transient(ctx, err) {
			return p.deferred(env, err)
		}
		return p.reject(env, ReasonAuthFailed, err)
	}

	if env.Type == VerbUnsupported {
		return p.reject(env, string(domain.CodeUnsupportedKind),
			domain.Errorf(domain.CodeUnsupportedKind, env.ID, "activity type %s", env.RawType))
	}

	in := &inbound{env: env, raw: body, scope: scope}
	v, _, _ := p.inflight.Do(env.ID, func() (interface{}, error) {
		duplicate, err := p.applyOnce(ctx, in)
		if err != nil {
			return p.classify(ctx, env, err), nil
		}
		if duplicate {
			log.Debug("Inbox: duplicate activity", "activity", env.ID)
		} else {
			log.Info("Inbox: applied", "type", env.RawType, "activity", env.ID, "actor", env.Actor)
		}
		return Outcome{Verdict: Applied, ActivityID: env.ID, Duplicate: duplicate}, nil
	})
	return v.(Outcome)
}

// applyOnce applies in unless its id is already in the seen-set.
func (p *Pipeline) applyOnce(ctx context.Context, in *inbound) (bool, error) {
	seen, err := p.seen.HasSeenActivity(ctx, in.env.ID)
	if err != nil {
		return false, err
	}
	if seen {
		return true, nil
	}

	if err := p.dispatch(ctx, in); err != nil {
		return false, err
	}

	if err := p.seen.RecordSeenActivity(ctx, in.env.ID); err != nil {
		log.Warn("Inbox: could not record seen activity", "activity", in.env.ID, "err", err)
	}
	p.logActivity(ctx, in)
	return false, nil
}

func (p *Pipeline) logActivity(ctx context.Context, in *inbound) {
	raw := in.raw
	if raw == nil {
		raw, _ = in.env.MarshalJSON()
	}
	err := p.store.LogActivity(ctx, &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  in.env.ID,
		ActivityType: in.env.RawType,
		ActorURI:     in.env.Actor,
		ObjectURI:    in.env.Object.ID(),
		RawJSON:      string(raw),
		Processed:    true,
		CreatedAt:    p.now(),
		Local:        false,
	})
	if err != nil {
		log.Warn("Inbox: could not log activity", "activity", in.env.ID, "err", err)
	}
}

func (p *Pipeline) classify(ctx context.Context, env *Envelope, err error) Outcome {
	if transient(ctx, err) {
		return p.deferred(env, err)
	}
	derr := new(domain.Error)
	errors.As(err, &derr)
	switch derr.Code {
	case domain.CodeForbidden, domain.CodeSignatureInvalid, domain.CodeActorUnresolvable:
		return p.reject(env, ReasonAuthFailed, err)
	}
	return p.reject(env, string(derr.Code), err)
}

func (p *Pipeline) reject(env *Envelope, reason string, err error) Outcome {
	o := Outcome{Verdict: Rejected, Reason: reason, Err: err}
	if env != nil {
		o.ActivityID = env.ID
		log.Warn("Inbox: rejected", "activity", env.ID, "actor", env.Actor, "reason", reason, "err", err)
	} else {
		log.Warn("Inbox: rejected", "reason", reason, "err", err)
	}
	return o
}

func (p *Pipeline) deferred(env *Envelope, err error) Outcome {
	log.Info("Inbox: deferred", "activity", env.ID, "actor", env.Actor, "err", err)
	return Outcome{Verdict: Deferred, Reason: string(domain.CodeUnreachable), ActivityID: env.ID, Err: err}
}

// transient reports errors worth a redelivery. Failures outside the
// federation taxonomy, such as store errors, count as transient.
func transient(ctx context.Context, err error) bool {
	if domain.IsRetryable(err) || ctx.Err() != nil {
		return true
	}
	var derr *domain.Error
	return !errors.As(err, &derr)
}
