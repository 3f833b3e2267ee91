// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for user id resolution and live stream status, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUserNotFound is returned by GetUserID when the login resolves to nothing.
var ErrUserNotFound = errors.New("twitch user not found")

// Stream is the metadata Helix reports for a live broadcast.
// ThumbnailURL is templated: it contains literal {width} and {height} tokens.
type Stream struct {
	UserID       string
	UserLogin    string
	UserName     string
	Title        string
	GameName     string
	ThumbnailURL string
	StartedAt    time.Time
}

// Status is the oracle's answer for one channel: live with metadata, or
// confirmed offline. A transport or API failure is reported as an error and
// must be kept distinct from Offline by the caller.
type Status struct {
	Live   bool
	Stream *Stream // non-nil iff Live
}

// HelixClient provides the two lookups the lifecycle engine needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

const defaultTimeout = 15 * time.Second

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// User is the identity Helix reports for a login.
type User struct {
	ID          string
	Login       string
	DisplayName string
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// GetUser resolves a login name to its Twitch identity.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return User{}, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return User{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return User{}, fmt.Errorf("helix users request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			ID          string `json:"id"`
			Login       string `json:"login"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, ErrUserNotFound
	}
	d := body.Data[0]
	return User{ID: d.ID, Login: d.Login, DisplayName: d.DisplayName}, nil
}

// GetStreamStatus queries current liveness for a login. Offline is a confirmed
// answer (empty data array from Helix); any failure surfaces as an error.
func (hc *HelixClient) GetStreamStatus(ctx context.Context, login string) (Status, error) {
	if login == "" {
		return Status{}, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return Status{}, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/streams", nil)
	q := req.URL.Query()
	q.Set("user_login", login)
	q.Set("first", "1")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return Status{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Status{}, fmt.Errorf("helix streams request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			UserID       string `json:"user_id"`
			UserLogin    string `json:"user_login"`
			UserName     string `json:"user_name"`
			Title        string `json:"title"`
			GameName     string `json:"game_name"`
			ThumbnailURL string `json:"thumbnail_url"`
			StartedAt    string `json:"started_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{}, err
	}
	if len(body.Data) == 0 {
		return Status{Live: false}, nil
	}
	d := body.Data[0]
	started, _ := time.Parse(time.RFC3339, d.StartedAt)
	return Status{
		Live: true,
		Stream: &Stream{
			UserID:       d.UserID,
			UserLogin:    d.UserLogin,
			UserName:     d.UserName,
			Title:        d.Title,
			GameName:     d.GameName,
			ThumbnailURL: d.ThumbnailURL,
			StartedAt:    started.UTC(),
		},
	}, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
