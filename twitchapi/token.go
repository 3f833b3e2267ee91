package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/endpoints"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// Caching and refresh are delegated to oauth2/clientcredentials; Get only ever
// performs network I/O when the cached token is stale.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu  sync.Mutex
	src oauth2.TokenSource

	// test override: when set and unexpired, returned without touching oauth2
	fixedToken  string
	fixedExpiry time.Time
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.fixedToken != "" && time.Until(ts.fixedExpiry) > 60*time.Second {
		return ts.fixedToken, nil
	}
	if ts.src == nil {
		if ts.ClientID == "" || ts.ClientSecret == "" {
			return "", errors.New("missing client id/secret for twitch app token")
		}
		cfg := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     endpoints.Twitch.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tctx := context.Background()
		if ts.HTTPClient != nil {
			tctx = context.WithValue(tctx, oauth2.HTTPClient, ts.HTTPClient)
		}
		ts.src = cfg.TokenSource(tctx)
	}
	tok, err := ts.src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// SetToken seeds the cache with a known token (tests only).
func (ts *TokenSource) SetToken(token string, expiry time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.fixedToken = token
	ts.fixedExpiry = expiry
}
