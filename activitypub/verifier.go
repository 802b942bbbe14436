package activitypub

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/agora/domain"
)

// SignatureVerifier authenticates inbound requests.
type SignatureVerifier interface {
	Verify(ctx context.Context, req *http.Request, body []byte, claimedActor string) error
}

// Verifier checks HTTP signatures against keys from a KeyCache.
type Verifier struct {
	keys *KeyCache
	now  func() time.Time
}

func NewVerifier(keys *KeyCache) *Verifier {
	return &Verifier{keys: keys, now: time.Now}
}

// Verify checks that req is signed by claimedActor's key. A failure with a
// stale key triggers exactly one refresh and a second attempt.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte, claimedActor string) error {
	keyID, err := SignatureKeyID(req)
	if err != nil {
		return domain.Wrap(domain.CodeSignatureInvalid, claimedActor, err)
	}
	if KeyOwner(keyID) != claimedActor {
		return domain.Errorf(domain.CodeSignatureInvalid, claimedActor, "key %s does not belong to actor", keyID)
	}

	entry, err := v.keys.Get(ctx, claimedActor)
	if err != nil {
		return domain.Wrap(domain.CodeActorUnresolvable, claimedActor, err)
	}

	err = VerifyRequest(req, body, entry.PublicKey)
	if err == nil {
		return nil
	}
	if !entry.Stale(v.now(), v.keys.TTL()) {
		return domain.Wrap(domain.CodeSignatureInvalid, claimedActor, err)
	}

	log.Debug("Verifier: stale key failed, refreshing", "actor", claimedActor)
	entry, err = v.keys.Refresh(ctx, claimedActor)
	if err != nil {
		return domain.Wrap(domain.CodeActorUnresolvable, claimedActor, err)
	}
	if err := VerifyRequest(req, body, entry.PublicKey); err != nil {
		return domain.Wrap(domain.CodeSignatureInvalid, claimedActor, err)
	}
	return nil
}
