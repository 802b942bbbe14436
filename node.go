package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/db"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
)

const (
	instanceActorName   = "instance"
	maintenanceInterval = time.Hour
)

// node is the federation core wired against the sqlite store.
type node struct {
	conf      *util.AppConfig
	db        *db.DB
	seen      activitypub.SeenStore
	closers   []io.Closer
	iris      activitypub.IRIs
	blocklist *activitypub.Blocklist
	fetcher   *activitypub.Fetcher
	resolver  *activitypub.Resolver
	keys      *activitypub.KeyCache
	engine    *activitypub.Engine
	outbox    *activitypub.Outbox
	pipeline  *activitypub.Pipeline

	blockMu sync.Mutex
}

func openNode(ctx context.Context, conf *util.AppConfig) (*node, error) {
	database, err := db.Open(ctx, util.ResolveFilePath(conf.Conf.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	n := &node{conf: conf, db: database, seen: database, closers: []io.Closer{database}}

	if conf.Federation.DedupBackend == "redis" {
		rs, err := db.NewRedisSeen(ctx, conf.Federation.RedisAddr, conf.Federation.RedisDB, conf.Federation.DedupRetention)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.seen = rs
		n.closers = append(n.closers, rs)
		log.Info("Node: seen-set in redis", "addr", conf.Federation.RedisAddr)
	}

	if conf.Federation.BlocklistFile != "" {
		conf.Federation.BlocklistFile = util.ResolveFilePath(conf.Federation.BlocklistFile)
	}
	f := conf.Federation
	hosts, err := activitypub.LoadBlocklist(f.BlockedHosts, f.BlocklistFile)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to load deny-list: %w", err)
	}

	n.iris = activitypub.NewIRIs(conf.Conf.SslDomain)
	n.blocklist = activitypub.NewBlocklist(hosts)
	n.fetcher = activitypub.NewFetcher(n.blocklist, nil, f.FetchTimeout, f.FetchMaxBytes)
	n.resolver = activitypub.NewResolver(database, n.fetcher, n.iris)
	n.keys = activitypub.NewKeyCache(activitypub.ResolverKeySource{Resolver: n.resolver, MaxFetches: f.MaxFetchDepth}, f.KeyCacheTTL)
	n.engine = activitypub.NewEngine(activitypub.EngineOptions{
		Store:     database,
		Resolver:  n.resolver,
		Blocklist: n.blocklist,
		IRIs:      n.iris,
		Policy: activitypub.RetryPolicy{
			Base:        f.BackoffBase,
			Cap:         f.BackoffCap,
			MaxAttempts: f.MaxDeliveryAttempts,
		},
		Concurrency:  f.DeliveryConcurrency,
		Timeout:      f.DeliveryTimeout,
		PollInterval: f.PollInterval,
		BatchSize:    f.BatchSize,
		MaxFetches:   f.MaxFetchDepth,
	})
	n.outbox = activitypub.NewOutbox(database, n.engine, n.resolver, n.iris, f.MaxFetchDepth)
	n.pipeline = activitypub.NewPipeline(activitypub.PipelineOptions{
		Store:       database,
		Seen:        n.seen,
		Resolver:    n.resolver,
		Verifier:    activitypub.NewVerifier(n.keys),
		Keys:        n.keys,
		Outbox:      n.outbox,
		Blocklist:   n.blocklist,
		IRIs:        n.iris,
		Concurrency: f.InboundConcurrency,
		MaxFetches:  f.MaxFetchDepth,
	})

	if err := n.useInstanceActor(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// useInstanceActor loads or creates the Application actor and makes it the
// signer of remote fetches.
func (n *node) useInstanceActor(ctx context.Context) error {
	var actor *domain.Actor
	e, err := n.db.GetByIdentifier(ctx, n.iris.InstanceActor(), domain.KindActor)
	switch {
	case err == nil:
		actor = e.(*domain.Actor)
	case errors.Is(err, domain.ErrNotFound):
		actor, err = n.outbox.CreateLocalActor(ctx, instanceActorName, domain.ActorApplication, n.iris.Domain())
		if err != nil {
			return fmt.Errorf("failed to create instance actor: %w", err)
		}
		log.Info("Node: created instance actor", "actor", actor.ActorURI)
	default:
		return err
	}

	key, err := activitypub.ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("instance actor key: %w", err)
	}
	n.fetcher.Signer = &activitypub.SigningKey{KeyID: actor.KeyID(), Key: key}
	return nil
}

func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			log.Warn("Node: close failed", "err", err)
		}
	}
}

// localActor looks up a local person or community by name.
func (n *node) localActor(ctx context.Context, username string) (*domain.Actor, error) {
	a, err := n.db.LocalActorByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if a.Deleted {
		return nil, domain.Errorf(domain.CodeNotFound, username, "actor is deleted")
	}
	return a, nil
}

// ListDeliveries and Requeue serve the operator console.
func (n *node) ListDeliveries(ctx context.Context, status domain.DeliveryStatus, limit int) ([]*domain.DeliveryJob, error) {
	return n.db.ListDeliveries(ctx, status, limit)
}

func (n *node) Requeue(ctx context.Context, id string) error {
	if err := n.db.Requeue(ctx, id); err != nil {
		return err
	}
	n.engine.Wake()
	return nil
}

func (n *node) BlockedHosts() []string {
	return n.blocklist.Hosts()
}

// ReloadBlocklist re-reads the configured hosts and the deny-list file.
func (n *node) ReloadBlocklist(ctx context.Context) ([]string, error) {
	n.blockMu.Lock()
	defer n.blockMu.Unlock()
	return n.reloadLocked()
}

func (n *node) reloadLocked() ([]string, error) {
	hosts, err := activitypub.LoadBlocklist(n.conf.Federation.BlockedHosts, n.conf.Federation.BlocklistFile)
	if err != nil {
		return nil, err
	}
	n.blocklist.Replace(hosts)
	log.Info("Node: deny-list loaded", "hosts", len(hosts))
	return n.blocklist.Hosts(), nil
}

// BlockHost appends host to the deny-list file and reloads it.
func (n *node) BlockHost(ctx context.Context, host string) error {
	path := n.conf.Federation.BlocklistFile
	if path == "" {
		return fmt.Errorf("no deny-list file configured")
	}

	n.blockMu.Lock()
	defer n.blockMu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, host); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, err = n.reloadLocked()
	return err
}

// prune forgets old seen ids and delivered jobs.
func (n *node) prune(ctx context.Context) {
	cutoff := time.Now().Add(-n.conf.Federation.DedupRetention)
	if _, ok := n.seen.(*db.DB); ok {
		if count, err := n.db.PruneSeen(ctx, cutoff); err != nil {
			log.Warn("Node: seen-set pruning failed", "err", err)
		} else if count > 0 {
			log.Info("Node: pruned seen activities", "count", count)
		}
	}
	if count, err := n.db.PruneDelivered(ctx, cutoff); err != nil {
		log.Warn("Node: delivery pruning failed", "err", err)
	} else if count > 0 {
		log.Info("Node: pruned delivered jobs", "count", count)
	}
}

func (n *node) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	n.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.prune(ctx)
		}
	}
}
