package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
	"github.com/deemkeen/agora/util"
)

// SigningKey is a local actor's key used to sign outgoing requests.
type SigningKey struct {
	KeyID string
	Key   *rsa.PrivateKey
}

// Fetched is a remote document and the URL it was finally served from.
type Fetched struct {
	Body []byte
	URL  string
}

// RemoteFetcher retrieves remote ActivityPub documents.
type RemoteFetcher interface {
	Fetch(ctx context.Context, iri string) (*Fetched, error)
}

// Fetcher performs signed GETs with a timeout, a size cap and a deny-list
// check.
type Fetcher struct {
	Client    *http.Client
	Blocklist *Blocklist
	Signer    *SigningKey // instance actor; nil sends unsigned requests
	Timeout   time.Duration
	MaxBytes  int64
}

func NewFetcher(blocklist *Blocklist, signer *SigningKey, timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		Client:    &http.Client{CheckRedirect: refuseBlocked(blocklist)},
		Blocklist: blocklist,
		Signer:    signer,
		Timeout:   timeout,
		MaxBytes:  maxBytes,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, iri string) (*Fetched, error) {
	if f.Blocklist.Blocked(iri) {
		return nil, domain.Errorf(domain.CodeBlocked, iri, "host is deny-listed")
	}
	if hostOf(iri) == "" {
		return nil, domain.Errorf(domain.CodeMalformed, iri, "not an http(s) identifier")
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return nil, domain.Wrap(domain.CodeMalformed, iri, err)
	}
	req.Header.Set("Accept", ContentType+", "+LDContentType)
	req.Header.Set("User-Agent", util.UserAgent())
	if f.Signer != nil {
		if err := SignRequest(req, f.Signer.Key, f.Signer.KeyID, nil); err != nil {
			return nil, fmt.Errorf("failed to sign fetch: %w", err)
		}
	}

	resp, err := f.Client.Do(req)
	if errors.Is(err, domain.ErrBlocked) {
		return nil, domain.Wrap(domain.CodeBlocked, iri, err)
	}
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnreachable, iri, err)
	}
	defer resp.Body.Close()

	finalURL := iri
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if finalURL != iri && f.Blocklist.Blocked(finalURL) {
		return nil, domain.Errorf(domain.CodeBlocked, iri, "redirected to deny-listed host")
	}

	if err := classifyFetchStatus(iri, resp.StatusCode); err != nil {
		log.Debug("Fetch: non-success status", "iri", iri, "status", resp.StatusCode)
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnreachable, iri, err)
	}
	if int64(len(body)) > f.MaxBytes {
		return nil, domain.Errorf(domain.CodeMalformed, iri, "response exceeds %d bytes", f.MaxBytes)
	}

	return &Fetched{Body: body, URL: finalURL}, nil
}

func classifyFetchStatus(iri string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return domain.Errorf(domain.CodeNotFound, iri, "status %d", status)
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.Errorf(domain.CodeUnreachable, iri, "status %d", status)
	default:
		return domain.Errorf(domain.CodeMalformed, iri, "status %d", status)
	}
}

// refuseBlocked stops a redirect before the deny-listed host is contacted.
func refuseBlocked(blocklist *Blocklist) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		if blocklist.Blocked(req.URL.String()) {
			return domain.Errorf(domain.CodeBlocked, req.URL.String(), "redirect to deny-listed host")
		}
		return nil
	}
}
