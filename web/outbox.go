package web

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
)

const outboxItems = 20

// handleOutbox lists the newest posts of a person, or submitted to a
// community, as Create activities so remote servers can backfill.
func (s *server) handleOutbox(want domain.ActorType) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.localActor(c, want)
		if !ok {
			notFound(c)
			return
		}

		var posts []*domain.Post
		var err error
		if a.IsCommunity() {
			posts, err = s.store.PostsInCommunity(c.Request.Context(), a.ActorURI, outboxItems)
		} else {
			posts, err = s.store.PostsByAuthor(c.Request.Context(), a.ActorURI, outboxItems)
		}
		if err != nil {
			log.Error("Web: outbox lookup failed", "actor", a.ActorURI, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}

		activityJSON(c, http.StatusOK, OrderedCollection{
			Context:      activitypub.ActivityStreamsContext,
			ID:           a.OutboxURI,
			Type:         "OrderedCollection",
			TotalItems:   len(posts),
			OrderedItems: createActivities(s.iris, posts),
		})
	}
}

// createActivities wraps posts in Create activities
func createActivities(iris activitypub.IRIs, posts []*domain.Post) []interface{} {
	items := make([]interface{}, 0, len(posts))
	for _, p := range posts {
		obj := activitypub.ContentToObject(p)
		obj.Context = nil
		items = append(items, map[string]interface{}{
			"id":     iris.Base + "/activities/create/" + p.Id.String(),
			"type":   string(activitypub.VerbCreate),
			"actor":  p.AuthorURI,
			"to":     obj.To,
			"object": obj,
		})
	}
	return items
}
