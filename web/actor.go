package web

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OrderedCollection is the JSON structure of a collection endpoint.
type OrderedCollection struct {
	Context      string        `json:"@context"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	TotalItems   int           `json:"totalItems"`
	OrderedItems []interface{} `json:"orderedItems,omitempty"`
}

// localActor loads the local actor named in the route, which must be of
// the routed type. The instance actor is only served at /actor.
func (s *server) localActor(c *gin.Context, want domain.ActorType) (*domain.Actor, bool) {
	a, err := s.store.LocalActorByUsername(c.Request.Context(), c.Param("name"))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error("Web: actor lookup failed", "name", c.Param("name"), "err", err)
		}
		return nil, false
	}
	if a.Type == domain.ActorApplication || a.IsCommunity() != (want == domain.ActorGroup) {
		return nil, false
	}
	return a, true
}

func (s *server) handleActor(want domain.ActorType) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.localActor(c, want)
		if !ok {
			notFound(c)
			return
		}
		s.serveActor(c, a)
	}
}

func (s *server) handleInstanceActor(c *gin.Context) {
	e, err := s.store.GetByIdentifier(c.Request.Context(), s.iris.InstanceActor(), domain.KindActor)
	if err != nil {
		notFound(c)
		return
	}
	s.serveActor(c, e.(*domain.Actor))
}

func (s *server) serveActor(c *gin.Context, a *domain.Actor) {
	if a.Deleted {
		activityJSON(c, http.StatusGone, activitypub.NewTombstone(a.ActorURI))
		return
	}
	activityJSON(c, http.StatusOK, activitypub.ActorToObject(a, s.iris))
}

// handleFollowers exposes only the follower count.
func (s *server) handleFollowers(want domain.ActorType) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.localActor(c, want)
		if !ok {
			notFound(c)
			return
		}
		followers, err := s.store.FollowersOf(c.Request.Context(), a.ActorURI)
		if err != nil {
			log.Error("Web: followers lookup failed", "actor", a.ActorURI, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		activityJSON(c, http.StatusOK, OrderedCollection{
			Context:    activitypub.ActivityStreamsContext,
			ID:         a.FollowersURI,
			Type:       "OrderedCollection",
			TotalItems: len(followers),
		})
	}
}

func (s *server) handleObject(kind domain.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			notFound(c)
			return
		}

		var iri string
		switch kind {
		case domain.KindPost:
			iri = s.iris.Post(id)
		case domain.KindComment:
			iri = s.iris.Comment(id)
		default:
			iri = s.iris.PrivateMessage(id)
		}

		e, err := s.store.GetByIdentifier(c.Request.Context(), iri, kind)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrKindMismatch) {
				log.Error("Web: object lookup failed", "object", iri, "err", err)
			}
			notFound(c)
			return
		}
		if deleted(e) {
			activityJSON(c, http.StatusGone, activitypub.NewTombstone(iri))
			return
		}
		activityJSON(c, http.StatusOK, activitypub.ContentToObject(e))
	}
}

func deleted(e domain.Entity) bool {
	switch v := e.(type) {
	case *domain.Post:
		return v.Deleted
	case *domain.Comment:
		return v.Deleted
	case *domain.PrivateMessage:
		return v.Deleted
	case *domain.Actor:
		return v.Deleted
	}
	return false
}
