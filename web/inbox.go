package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
)

// handleInbox serves the shared inbox and every per-actor inbox. Routing
// happens inside the pipeline by addressing, so all inboxes behave alike
// once the target actor is known to exist.
func (s *server) handleInbox(c *gin.Context) {
	if name := c.Param("name"); name != "" {
		if _, err := s.store.LocalActorByUsername(c.Request.Context(), name); err != nil {
			notFound(c)
			return
		}
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		log.Warn("Inbox: failed to read body", "path", c.Request.URL.Path, "err", err)
		c.Status(http.StatusBadRequest)
		return
	}

	outcome := s.inbox.Process(c.Request.Context(), c.Request, body)
	status := StatusFor(outcome)
	if status >= 400 {
		c.JSON(status, gin.H{"error": outcome.Reason})
		return
	}
	c.Status(status)
}

// StatusFor maps a pipeline outcome to the HTTP status returned to the
// sending server. Deferred outcomes answer 503 so the sender retries.
func StatusFor(o activitypub.Outcome) int {
	switch o.Verdict {
	case activitypub.Applied:
		return http.StatusAccepted
	case activitypub.Deferred:
		return http.StatusServiceUnavailable
	}
	switch o.Reason {
	case activitypub.ReasonAuthFailed:
		return http.StatusUnauthorized
	case string(domain.CodeBlocked):
		return http.StatusForbidden
	case string(domain.CodeMalformed):
		return http.StatusBadRequest
	}
	if o.Reason == "" {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}
