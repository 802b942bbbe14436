package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/agora/activitypub"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
)

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type Webfinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// parseAcct returns the username of an acct: resource on domainName.
func parseAcct(resource, domainName string) (string, bool) {
	if !strings.HasPrefix(resource, "acct:") {
		return "", false
	}
	acct := strings.TrimPrefix(strings.TrimPrefix(resource, "acct:"), "@")
	user, host, ok := strings.Cut(acct, "@")
	if !ok || user == "" || !strings.EqualFold(host, domainName) {
		return "", false
	}
	return user, true
}

func (s *server) handleWebfinger(c *gin.Context) {
	username, ok := parseAcct(c.Query("resource"), s.iris.Domain())
	if !ok {
		notFound(c)
		return
	}
	a, err := s.store.LocalActorByUsername(c.Request.Context(), username)
	if err != nil || a.Deleted || a.Type == domain.ActorApplication {
		notFound(c)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, Webfinger{
		Subject: "acct:" + a.Username + "@" + s.iris.Domain(),
		Aliases: []string{a.ActorURI},
		Links: []WebfingerLink{{
			Rel:  "self",
			Type: activitypub.ContentType,
			Href: a.ActorURI,
		}},
	})
}
