package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

func newTestClient(t *testing.T, server *httptest.Server) *HelixClient {
	t.Helper()
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(1*time.Hour))
	return &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}
}

func TestHelixClient_GetUser(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/users" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("login"); got != "nova" {
			t.Fatalf("login=%q want nova", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("authorization=%q", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{
				"id":           "u-777",
				"login":        "nova",
				"display_name": "Nova",
			}},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	user, err := client.GetUser(context.Background(), "nova")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.ID != "u-777" || user.DisplayName != "Nova" {
		t.Fatalf("user = %+v", user)
	}

	id, err := client.GetUserID(context.Background(), "nova")
	if err != nil || id != "u-777" {
		t.Fatalf("GetUserID() = %q, %v", id, err)
	}
}

func TestHelixClient_GetUserNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.GetUser(context.Background(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("GetUser() error = %v, want ErrUserNotFound", err)
	}
}

func TestHelixClient_GetStreamStatusLive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if got := r.URL.Query().Get("user_login"); got != "nova" {
			t.Fatalf("user_login=%q want nova", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{
				"user_id":       "u-777",
				"user_login":    "nova",
				"user_name":     "Nova",
				"title":         "Launch Day",
				"game_name":     "IRL",
				"thumbnail_url": "https://x/{width}x{height}.jpg",
				"started_at":    "2024-10-15T14:30:00Z",
			}},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	status, err := client.GetStreamStatus(context.Background(), "nova")
	if err != nil {
		t.Fatalf("GetStreamStatus() error = %v", err)
	}
	if !status.Live || status.Stream == nil {
		t.Fatalf("status = %+v, want live", status)
	}
	if status.Stream.Title != "Launch Day" || status.Stream.GameName != "IRL" {
		t.Errorf("stream = %+v", status.Stream)
	}
	if !strings.Contains(status.Stream.ThumbnailURL, "{width}") {
		t.Errorf("thumbnail template lost: %q", status.Stream.ThumbnailURL)
	}
	want := time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)
	if !status.Stream.StartedAt.Equal(want) {
		t.Errorf("started_at = %v, want %v", status.Stream.StartedAt, want)
	}
}

func TestHelixClient_GetStreamStatusOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
	}))
	defer server.Close()

	client := newTestClient(t, server)
	status, err := client.GetStreamStatus(context.Background(), "nova")
	if err != nil {
		t.Fatalf("GetStreamStatus() error = %v", err)
	}
	if status.Live || status.Stream != nil {
		t.Fatalf("status = %+v, want confirmed offline", status)
	}
}

func TestHelixClient_GetStreamStatusServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.GetStreamStatus(context.Background(), "nova")
	if err == nil {
		t.Fatal("GetStreamStatus() error = nil, want error for 5xx (unknown, not offline)")
	}
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("Get() error = nil, want missing-credentials error")
	}
}
