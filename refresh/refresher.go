// Package refresh is the client-side companion to the engine's
// rotating refresh tokens. Because each refresh token is valid for
// exactly one rotation, naive concurrent refreshes would trip reuse
// detection and revoke the account's sessions; Refresher collapses
// them into a single rotation with singleflight.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/k3lly003/authgate"
)

// Source rotates a refresh token into a fresh pair. *authgate.Engine
// satisfies it directly; remote clients wrap their transport.
type Source interface {
	Refresh(ctx context.Context, refreshToken string) (*authgate.TokenPair, error)
}

// earlyRenewal is how long before access expiry a refresh is started.
const earlyRenewal = 30 * time.Second

// Refresher holds a token pair and renews it on demand. Safe for
// concurrent use; any number of callers share one rotation.
type Refresher struct {
	source Source

	group singleflight.Group
	mu    sync.Mutex
	pair  authgate.TokenPair
}

// New seeds a Refresher with the pair from a completed login.
func New(source Source, initial authgate.TokenPair) *Refresher {
	return &Refresher{source: source, pair: initial}
}

// AccessToken returns a valid access token, rotating the pair first
// when the current one is expired or about to expire.
func (r *Refresher) AccessToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	pair := r.pair
	r.mu.Unlock()

	if time.Until(pair.AccessExpiresAt) > earlyRenewal {
		return pair.AccessToken, nil
	}
	return r.renew(ctx, pair.RefreshToken)
}

// Invalidate forces the next AccessToken call to rotate, regardless of
// the cached expiry. Used after a server-side 401.
func (r *Refresher) Invalidate() {
	r.mu.Lock()
	r.pair.AccessExpiresAt = time.Time{}
	r.mu.Unlock()
}

// RefreshToken returns the current refresh token, e.g. for logout.
func (r *Refresher) RefreshToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pair.RefreshToken
}

// renew rotates via singleflight keyed by the outgoing refresh token:
// callers racing on the same token share one rotation, and a caller
// whose token was already rotated picks up the fresh pair instead of
// burning it.
func (r *Refresher) renew(ctx context.Context, staleRefresh string) (string, error) {
	v, err, _ := r.group.Do(staleRefresh, func() (interface{}, error) {
		r.mu.Lock()
		current := r.pair
		r.mu.Unlock()

		// Another flight already rotated while we queued.
		if current.RefreshToken != staleRefresh {
			return current.AccessToken, nil
		}

		pair, err := r.source.Refresh(ctx, current.RefreshToken)
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		r.pair = *pair
		r.mu.Unlock()
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	return v.(string), nil
}

// Transport is an http.RoundTripper that injects the bearer token and
// retries exactly once with a forced rotation when the server answers
// 401. Requests with non-replayable bodies are not retried.
type Transport struct {
	Base      http.RoundTripper
	Refresher *Refresher
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Refresher == nil {
		return nil, errors.New("refresh: transport has no refresher")
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	access, err := t.Refresher.AccessToken(req.Context())
	if err != nil {
		return nil, err
	}

	attempt := req.Clone(req.Context())
	attempt.Header.Set("Authorization", "Bearer "+access)

	resp, err := base.RoundTrip(attempt)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	resp.Body.Close()
	t.Refresher.Invalidate()

	access, err = t.Refresher.AccessToken(req.Context())
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, berr
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+access)
	return base.RoundTrip(retry)
}
