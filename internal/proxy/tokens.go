package proxy

import (
	"errors"
	"sync"
	"time"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// MintFunc issues a token at now and reports when it expires. A zero expiry never
// expires.
type MintFunc func(now time.Time) (token string, expires time.Time, err error)

// RefreshingToken caches a minted token and mints a new one once the cached token is
// within Skew of its expiry.
type RefreshingToken struct {
	Mint MintFunc
	Skew time.Duration
	Now  func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewRefreshingToken(mint MintFunc, skew time.Duration, now func() time.Time) *RefreshingToken {
	if now == nil {
		now = time.Now
	}
	return &RefreshingToken{Mint: mint, Skew: skew, Now: now}
}

func (r *RefreshingToken) Token() (string, error) {
	if r.Mint == nil {
		return "", errors.New("no mint function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	if r.token != "" && (r.expires.IsZero() || now.Before(r.expires.Add(-r.Skew))) {
		return r.token, nil
	}
	token, expires, err := r.Mint(now)
	if err != nil {
		return "", err
	}
	r.token, r.expires = token, expires
	return token, nil
}
