package web

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedItems = 50

// BuildFeed renders posts as an RSS document for a person or community.
func BuildFeed(a *domain.Actor, posts []*domain.Post) (string, error) {
	title := a.DisplayName
	if title == "" {
		title = a.Username
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: a.ActorURI},
		Description: a.Summary,
		Author:      &feeds.Author{Name: a.Username},
		Created:     a.CreatedAt,
	}
	if feed.Description == "" {
		feed.Description = "Posts by " + title
	}
	if len(posts) > 0 {
		feed.Updated = posts[0].Published
	}

	for _, p := range posts {
		link := p.ObjectURI
		if p.URL != "" {
			link = p.URL
		}
		item := &feeds.Item{
			Id:      p.ObjectURI,
			Title:   p.Title,
			Link:    &feeds.Link{Href: link},
			Content: p.Body,
			Author:  &feeds.Author{Name: p.AuthorURI},
			Created: p.Published,
		}
		if p.Updated != nil {
			item.Updated = *p.Updated
		}
		feed.Items = append(feed.Items, item)
	}
	return feed.ToRss()
}

func (s *server) handleFeed(want domain.ActorType) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.localActor(c, want)
		if !ok || a.Deleted {
			notFound(c)
			return
		}

		var posts []*domain.Post
		var err error
		if a.IsCommunity() {
			posts, err = s.store.PostsInCommunity(c.Request.Context(), a.ActorURI, feedItems)
		} else {
			posts, err = s.store.PostsByAuthor(c.Request.Context(), a.ActorURI, feedItems)
		}
		if err != nil {
			log.Error("Web: feed lookup failed", "actor", a.ActorURI, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}

		rss, err := BuildFeed(a, posts)
		if err != nil {
			log.Error("Web: feed rendering failed", "actor", a.ActorURI, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Header("Cache-Control", "public, max-age=300")
		c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
	}
}
