package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Store is the read side served over HTTP.
type Store interface {
	GetByIdentifier(ctx context.Context, id string, kind domain.Kind) (domain.Entity, error)
	LocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error)
	FollowersOf(ctx context.Context, actorURI string) ([]string, error)
	PostsByAuthor(ctx context.Context, authorURI string, limit int) ([]*domain.Post, error)
	PostsInCommunity(ctx context.Context, communityURI string, limit int) ([]*domain.Post, error)
}

// Inbox takes signed inbound activities.
type Inbox interface {
	Process(ctx context.Context, req *http.Request, body []byte) activitypub.Outcome
}

type Options struct {
	Store         Store
	Inbox         Inbox
	IRIs          activitypub.IRIs
	MaxInboxBytes int64
}

type server struct {
	store Store
	inbox Inbox
	iris  activitypub.IRIs
}

// NewRouter builds the HTTP surface of the node.
func NewRouter(opts Options) *gin.Engine {
	s := &server{store: opts.Store, inbox: opts.Inbox, iris: opts.IRIs}

	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// inboxes are stricter: 5 req/sec per IP
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBody := MaxBytesMiddleware(opts.MaxInboxBytes)

	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox)
	g.POST("/u/:name/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox)
	g.POST("/c/:name/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox)
	g.POST("/actor/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox)

	g.GET("/u/:name", s.handleActor(domain.ActorPerson))
	g.GET("/c/:name", s.handleActor(domain.ActorGroup))
	g.GET("/actor", s.handleInstanceActor)
	g.GET("/u/:name/followers", s.handleFollowers(domain.ActorPerson))
	g.GET("/c/:name/followers", s.handleFollowers(domain.ActorGroup))
	g.GET("/u/:name/outbox", s.handleOutbox(domain.ActorPerson))
	g.GET("/c/:name/outbox", s.handleOutbox(domain.ActorGroup))
	g.GET("/u/:name/feed", s.handleFeed(domain.ActorPerson))
	g.GET("/c/:name/feed", s.handleFeed(domain.ActorGroup))

	g.GET("/post/:id", s.handleObject(domain.KindPost))
	g.GET("/comment/:id", s.handleObject(domain.KindComment))
	g.GET("/private_message/:id", s.handleObject(domain.KindPrivateMessage))

	g.GET("/.well-known/webfinger", s.handleWebfinger)

	return g
}

// Serve runs handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Web: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("Web: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// activityJSON writes v with the ActivityPub content type.
func activityJSON(c *gin.Context, status int, v interface{}) {
	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(status, v)
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}
