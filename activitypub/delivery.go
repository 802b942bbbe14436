package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// RetryPolicy computes delays between delivery attempts: exponential from
// Base, doubled per attempt, plus up to half again as jitter, never above
// Cap. Successive delays never decrease.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      func(d time.Duration) time.Duration // returns a value in [0, d/2]
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Cap
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > p.Cap {
		d = p.Cap
	}

	d += p.jitter(d)
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

func (p RetryPolicy) jitter(d time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(d)
	}
	if d < 2 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d/2) + 1))
}

// Exhausted reports whether no attempt may follow the given one.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// EngineOptions wires an Engine.
type EngineOptions struct {
	Store        Store
	Resolver     *Resolver
	Blocklist    *Blocklist
	IRIs         IRIs
	Client       *http.Client
	Policy       RetryPolicy
	Concurrency  int
	Timeout      time.Duration
	PollInterval time.Duration
	BatchSize    int
	MaxFetches   int
}

// Receipt describes what Deliver enqueued.
type Receipt struct {
	ActivityID string
	Inboxes    []string
	Skipped    []Skipped
}

// Skipped is a recipient that produced no job.
type Skipped struct {
	Recipient string
	Err       error
}

// Engine fans activities out to remote inboxes. Jobs are persisted; a fixed
// pool of workers drains them, one worker per inbox at a time, so jobs for
// the same inbox go out in creation order.
type Engine struct {
	store        Store
	resolver     *Resolver
	blocklist    *Blocklist
	iris         IRIs
	client       *http.Client
	policy       RetryPolicy
	timeout      time.Duration
	pollInterval time.Duration
	batchSize    int
	maxFetches   int

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
	wake     chan struct{}
	keys     sync.Map // actor URI -> *rsa.PrivateKey
	now      func() time.Time
}

func NewEngine(opts EngineOptions) *Engine {
	client := &http.Client{}
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	client.CheckRedirect = refuseBlocked(opts.Blocklist)
	return &Engine{
		store:        opts.Store,
		resolver:     opts.Resolver,
		blocklist:    opts.Blocklist,
		iris:         opts.IRIs,
		client:       client,
		policy:       opts.Policy,
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		maxFetches:   opts.MaxFetches,
		sem:          semaphore.NewWeighted(int64(opts.Concurrency)),
		inflight:     make(map[string]bool),
		wake:         make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Deliver expands recipients to inboxes and persists one job per inbox.
// Recipients sharing an inbox produce a single job. A recipient the activity
// does not address is skipped with Forbidden.
func (e *Engine) Deliver(ctx context.Context, env *Envelope, recipients []string) (*Receipt, error) {
	sender, err := e.localActor(ctx, env.Actor)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}

	receipt := &Receipt{ActivityID: env.ID}
	targets := e.permitted(ctx, sender, env, recipients, receipt)
	inboxes := e.inboxes(ctx, targets, receipt)

	now := e.now()
	jobs := make([]*domain.DeliveryJob, 0, len(inboxes))
	for _, inbox := range inboxes {
		jobs = append(jobs, &domain.DeliveryJob{
			Id:           uuid.New(),
			ActivityURI:  env.ID,
			ActorURI:     sender.ActorURI,
			InboxURI:     inbox,
			ActivityJSON: string(body),
			NextRetryAt:  now,
			Status:       domain.DeliveryPending,
			CreatedAt:    now,
		})
	}
	if len(jobs) > 0 {
		if err := e.store.EnqueueDeliveries(ctx, jobs); err != nil {
			return nil, fmt.Errorf("failed to enqueue deliveries: %w", err)
		}
	}
	receipt.Inboxes = inboxes

	err = e.store.LogActivity(ctx, &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  env.ID,
		ActivityType: env.RawType,
		ActorURI:     env.Actor,
		ObjectURI:    env.Object.ID(),
		RawJSON:      string(body),
		Processed:    true,
		CreatedAt:    now,
		Local:        true,
	})
	if err != nil {
		log.Warn("Outbox: could not log activity", "activity", env.ID, "err", err)
	}

	log.Info("Outbox: queued", "type", env.RawType, "activity", env.ID, "inboxes", len(inboxes), "skipped", len(receipt.Skipped))
	e.Wake()
	return receipt, nil
}

// permitted filters recipients down to actors the activity may reach. The
// sender's followers collection expands to its followers when addressed.
func (e *Engine) permitted(ctx context.Context, sender *domain.Actor, env *Envelope, recipients []string, receipt *Receipt) []string {
	var out []string
	for _, r := range recipients {
		if r == "" || r == Public {
			continue
		}
		if !env.Addressed(r) {
			receipt.Skipped = append(receipt.Skipped, Skipped{
				Recipient: r,
				Err:       domain.Errorf(domain.CodeForbidden, r, "not addressed by %s", env.ID),
			})
			continue
		}
		if sender.FollowersURI != "" && r == sender.FollowersURI {
			followers, err := e.store.FollowersOf(ctx, sender.ActorURI)
			if err != nil {
				receipt.Skipped = append(receipt.Skipped, Skipped{Recipient: r, Err: err})
				continue
			}
			out = append(out, followers...)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (e *Engine) inboxes(ctx context.Context, targets []string, receipt *Receipt) []string {
	scope := NewScope(e.maxFetches)
	seenTarget := make(map[string]bool)
	seenInbox := make(map[string]bool)
	var out []string

	for _, t := range targets {
		if seenTarget[t] {
			continue
		}
		seenTarget[t] = true

		if e.iris.IsLocal(t) {
			continue
		}
		if e.blocklist.Blocked(t) {
			receipt.Skipped = append(receipt.Skipped, Skipped{Recipient: t, Err: domain.Errorf(domain.CodeBlocked, t, "host is deny-listed")})
			continue
		}

		res, err := e.resolver.Resolve(ctx, scope, Ref{ID: t, Kind: domain.KindActor})
		if err != nil {
			receipt.Skipped = append(receipt.Skipped, Skipped{Recipient: t, Err: err})
			continue
		}
		actor := res.Entity.(*domain.Actor)
		if actor.Deleted {
			receipt.Skipped = append(receipt.Skipped, Skipped{Recipient: t, Err: domain.Errorf(domain.CodeNotFound, t, "actor was deleted")})
			continue
		}

		inbox := actor.DeliveryInbox()
		if e.blocklist.Blocked(inbox) {
			receipt.Skipped = append(receipt.Skipped, Skipped{Recipient: t, Err: domain.Errorf(domain.CodeBlocked, inbox, "inbox host is deny-listed")})
			continue
		}
		if seenInbox[inbox] {
			continue
		}
		seenInbox[inbox] = true
		out = append(out, inbox)
	}
	return out
}

func (e *Engine) localActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	entity, err := e.store.GetByIdentifier(ctx, actorURI, domain.KindActor)
	if err != nil {
		return nil, err
	}
	actor := entity.(*domain.Actor)
	if !actor.Local || actor.PrivateKeyPem == "" {
		return nil, domain.Errorf(domain.CodeForbidden, actorURI, "not a local actor")
	}
	return actor, nil
}

func (e *Engine) signingKey(ctx context.Context, actorURI string) (*rsa.PrivateKey, error) {
	if k, ok := e.keys.Load(actorURI); ok {
		return k.(*rsa.PrivateKey), nil
	}
	actor, err := e.localActor(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return nil, err
	}
	e.keys.Store(actorURI, key)
	return key, nil
}

// Wake asks the worker loop to look for due jobs now.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	log.Info("DeliveryWorker: started", "interval", e.pollInterval)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		e.dispatch(ctx)
		select {
		case <-ctx.Done():
			e.wg.Wait()
			log.Info("DeliveryWorker: stopped")
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// Flush dispatches every due job and waits for the workers to finish.
func (e *Engine) Flush(ctx context.Context) {
	e.dispatch(ctx)
	e.wg.Wait()
}

func (e *Engine) dispatch(ctx context.Context) {
	jobs, err := e.store.NextDue(ctx, e.now(), e.batchSize)
	if err != nil {
		log.Error("DeliveryWorker: failed to read queue", "err", err)
		return
	}

	for _, job := range jobs {
		if !e.claim(job.InboxURI) {
			continue
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.unclaim(job.InboxURI)
			return
		}
		e.wg.Add(1)
		go func(job *domain.DeliveryJob) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			defer e.unclaim(job.InboxURI)
			e.drain(ctx, job)
		}(job)
	}
}

func (e *Engine) claim(inbox string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[inbox] {
		return false
	}
	e.inflight[inbox] = true
	return true
}

func (e *Engine) unclaim(inbox string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, inbox)
}

// drain delivers due jobs for one inbox in order, stopping at the first job
// that has to wait for a retry.
func (e *Engine) drain(ctx context.Context, job *domain.DeliveryJob) {
	for job != nil && ctx.Err() == nil {
		if !e.attempt(ctx, job) {
			return
		}
		next, err := e.store.NextForInbox(ctx, job.InboxURI, e.now())
		if err != nil {
			log.Error("DeliveryWorker: failed to read queue", "inbox", job.InboxURI, "err", err)
			return
		}
		job = next
	}
}

// attempt makes one delivery attempt and records the result. It reports
// whether the job is finished.
func (e *Engine) attempt(ctx context.Context, job *domain.DeliveryJob) bool {
	attempts := job.Attempts + 1

	status, retryAfter, err := e.post(ctx, job)
	if ctx.Err() != nil {
		// shutting down; the job stays pending untouched
		return false
	}

	switch {
	case err != nil && !domain.IsRetryable(err):
		e.fail(ctx, job, attempts, err)
		return true
	case err == nil && status >= 200 && status < 300:
		if err := e.store.MarkDelivered(ctx, job.Id.String()); err != nil {
			log.Error("DeliveryWorker: failed to mark delivered", "job", job.Id, "err", err)
		}
		log.Info("DeliveryWorker: delivered", "inbox", job.InboxURI, "activity", job.ActivityURI, "status", status)
		return true
	case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		e.fail(ctx, job, attempts, domain.Errorf(domain.CodeDeliveryRejected, job.InboxURI, "status %d", status))
		return true
	}

	if err == nil {
		err = domain.Errorf(domain.CodeUnreachable, job.InboxURI, "status %d", status)
	}
	if e.policy.Exhausted(attempts) {
		e.fail(ctx, job, attempts, exhausted(job.InboxURI, err))
		return true
	}

	delay := e.policy.Delay(attempts)
	if retryAfter > delay {
		delay = min(retryAfter, e.policy.Cap)
	}
	next := e.now().Add(delay)
	if err := e.store.MarkRetry(ctx, job.Id.String(), attempts, next, err.Error()); err != nil {
		log.Error("DeliveryWorker: failed to schedule retry", "job", job.Id, "err", err)
	}
	log.Warn("DeliveryWorker: delivery failed, will retry",
		"inbox", job.InboxURI, "attempt", attempts, "retry_in", delay, "err", err)
	return false
}

// exhausted keeps the last cause's message only, so the archived error is not
// mistaken for a transient one.
func exhausted(inbox string, cause error) error {
	return domain.Errorf(domain.CodeDeliveryExhausted, inbox, "%v", cause)
}

func (e *Engine) fail(ctx context.Context, job *domain.DeliveryJob, attempts int, err error) {
	if merr := e.store.MarkFailed(ctx, job.Id.String(), attempts, err.Error()); merr != nil {
		log.Error("DeliveryWorker: failed to archive job", "job", job.Id, "err", merr)
	}
	log.Error("DeliveryWorker: giving up", "inbox", job.InboxURI, "activity", job.ActivityURI, "attempts", attempts, "err", err)
}

// post sends the job's activity. Transport problems come back as
// Unreachable; local problems such as a missing key are permanent.
func (e *Engine) post(ctx context.Context, job *domain.DeliveryJob) (int, time.Duration, error) {
	key, err := e.signingKey(ctx, job.ActorURI)
	if err != nil {
		return 0, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body := []byte(job.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, 0, domain.Wrap(domain.CodeDeliveryRejected, job.InboxURI, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", e.now().UTC().Format(http.TimeFormat))

	keyID := job.ActorURI + "#main-key"
	if err := SignRequest(req, key, keyID, body); err != nil {
		return 0, 0, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := e.client.Do(req)
	if errors.Is(err, domain.ErrBlocked) {
		return 0, 0, domain.Wrap(domain.CodeBlocked, job.InboxURI, err)
	}
	if err != nil {
		return 0, 0, domain.Wrap(domain.CodeUnreachable, job.InboxURI, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), e.now()), nil
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
