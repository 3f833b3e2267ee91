package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login, displayName string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login, "display_name": displayName},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a handler for /helix/streams endpoint; pass nil
// for a confirmed-offline answer.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]string) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		if streams == nil {
			streams = []map[string]string{}
		}
		response := map[string]interface{}{"data": streams}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockDiscordServer mocks the webhook create/edit endpoints. Sent and Edited
// record the raw JSON payloads in arrival order.
type MockDiscordServer struct {
	*httptest.Server
	MessageID string
	ChannelID string
	Sent      []json.RawMessage
	Edited    []json.RawMessage
	FailSends bool
	FailEdits bool
}

// NewMockDiscordServer creates a webhook endpoint returning a fixed message id.
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{MessageID: "msg-1", ChannelID: "chan-1"}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&payload)
		switch r.Method {
		case http.MethodPost:
			if m.FailSends {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			m.Sent = append(m.Sent, payload)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"id": m.MessageID, "channel_id": m.ChannelID})
		case http.MethodPatch:
			if m.FailEdits {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			m.Edited = append(m.Edited, payload)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"id": m.MessageID, "channel_id": m.ChannelID})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(m.Close)
	return m
}
