package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lucthesloth/twitch-discord-live-bot/scheduler"
	"github.com/lucthesloth/twitch-discord-live-bot/store"
)

// Handlers carries the dependencies the operational endpoints read from.
type Handlers struct {
	store    *store.Store
	sched    *scheduler.Scheduler
	channels []string
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.store.DB.PingContext(r.Context()) }},
		{"channels", func() error {
			if len(h.channels) == 0 {
				return errNoChannels
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type statusResponse struct {
	Channels     []string   `json:"channels"`
	OpenSessions int        `json:"open_sessions"`
	LastTick     *time.Time `json:"last_tick,omitempty"`
	LastError    *struct {
		OccurredAt  time.Time `json:"occurred_at"`
		Category    string    `json:"category"`
		Description string    `json:"description"`
	} `json:"last_error,omitempty"`
}

// HandleStatus reports poller progress: monitored channels, open session
// count, last completed tick, and the most recent recorded error.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Channels: h.channels}

	n, err := h.store.CountOpenSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.OpenSessions = n

	if h.sched != nil {
		if t := h.sched.LastTick(); !t.IsZero() {
			resp.LastTick = &t
		}
	}

	if rec, found, err := h.store.LastError(r.Context()); err == nil && found {
		resp.LastError = &struct {
			OccurredAt  time.Time `json:"occurred_at"`
			Category    string    `json:"category"`
			Description string    `json:"description"`
		}{rec.OccurredAt, rec.Category, rec.Description}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
