// Package store is the persistence layer for channels, stream sessions,
// session history, and recorded errors. It owns all SQL touching those tables;
// callers hold no session state across ticks and re-read through here, so the
// database is the single source of truth across restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Channel is a monitored Twitch channel, created lazily on first sighting and
// never mutated or deleted afterwards.
type Channel struct {
	Login       string
	TwitchID    string
	DisplayName string
}

// Session is one continuous live interval for a channel. EndedAt is nil while
// the session is open; at most one open session exists per channel (enforced
// by a partial unique index).
type Session struct {
	ID                   int64
	ChannelLogin         string
	StartedAt            time.Time
	EndedAt              *time.Time
	MessageID            string
	MessageLink          string
	ThumbnailBase        string
	LastThumbnailRefresh *time.Time
	MissedPolls          int
}

// HistoryRecord is the immutable summary of a closed session.
type HistoryRecord struct {
	ChannelLogin string
	Duration     string
	StartedAt    time.Time
	EndedAt      time.Time
	MessageID    string
	MessageLink  string
	ReplayLink   string
}

// ErrorRecord is an append-only failure log row.
type ErrorRecord struct {
	OccurredAt  time.Time
	Category    string
	Description string
	Location    string
	Trace       string
}

// Store wraps a *sql.DB with the query contracts the lifecycle engine needs.
type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

// ResolveChannel returns the channel row for a login, with found=false when
// the channel has never been seen.
func (s *Store) ResolveChannel(ctx context.Context, login string) (Channel, bool, error) {
	var ch Channel
	var twitchID, displayName sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT login, twitch_id, display_name FROM channels WHERE login=$1`, login).
		Scan(&ch.Login, &twitchID, &displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, false, nil
	}
	if err != nil {
		return Channel{}, false, fmt.Errorf("resolve channel %s: %w", login, err)
	}
	ch.TwitchID = twitchID.String
	ch.DisplayName = displayName.String
	return ch, true, nil
}

// CreateChannel persists a newly sighted channel. Idempotent: a concurrent or
// repeated insert for the same login is a no-op.
func (s *Store) CreateChannel(ctx context.Context, ch Channel) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO channels (login, twitch_id, display_name, created_at) VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (login) DO NOTHING`,
		ch.Login, ch.TwitchID, ch.DisplayName)
	if err != nil {
		return fmt.Errorf("create channel %s: %w", ch.Login, err)
	}
	return nil
}

// GetOpenSession loads the channel's open session, with found=false when the
// channel is not currently mid-session.
func (s *Store) GetOpenSession(ctx context.Context, login string) (Session, bool, error) {
	var sess Session
	var msgID, msgLink, thumb sql.NullString
	var lastRefresh sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, channel_login, started_at, message_id, message_link, thumbnail_base, last_thumbnail_refresh, COALESCE(missed_polls,0)
		 FROM sessions WHERE channel_login=$1 AND ended_at IS NULL`, login).
		Scan(&sess.ID, &sess.ChannelLogin, &sess.StartedAt, &msgID, &msgLink, &thumb, &lastRefresh, &sess.MissedPolls)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get open session for %s: %w", login, err)
	}
	sess.MessageID = msgID.String
	sess.MessageLink = msgLink.String
	sess.ThumbnailBase = thumb.String
	if lastRefresh.Valid {
		t := lastRefresh.Time
		sess.LastThumbnailRefresh = &t
	}
	return sess, true, nil
}

// InsertSession creates a new open session row and returns its id.
func (s *Store) InsertSession(ctx context.Context, login string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (channel_login, started_at, created_at) VALUES ($1,$2,NOW()) RETURNING id`,
		login, startedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert session for %s: %w", login, err)
	}
	return id, nil
}

// SetSessionMessage records the notification message identity plus the resolved
// thumbnail base; lastRefresh marks the first thumbnail render.
func (s *Store) SetSessionMessage(ctx context.Context, id int64, messageID, messageLink, thumbnailBase string, lastRefresh time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET message_id=$1, message_link=$2, thumbnail_base=$3, last_thumbnail_refresh=$4, updated_at=NOW() WHERE id=$5`,
		messageID, messageLink, thumbnailBase, lastRefresh, id)
	if err != nil {
		return fmt.Errorf("set session message %d: %w", id, err)
	}
	return nil
}

// UpdateSessionThumbnail advances the refresh bookkeeping after a message edit.
func (s *Store) UpdateSessionThumbnail(ctx context.Context, id int64, thumbnailBase string, refreshedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET thumbnail_base=$1, last_thumbnail_refresh=$2, updated_at=NOW() WHERE id=$3`,
		thumbnailBase, refreshedAt, id)
	if err != nil {
		return fmt.Errorf("update session thumbnail %d: %w", id, err)
	}
	return nil
}

// IncrementMissedPolls bumps the transient-failure debounce counter and
// returns the new count.
func (s *Store) IncrementMissedPolls(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`UPDATE sessions SET missed_polls=COALESCE(missed_polls,0)+1, updated_at=NOW() WHERE id=$1 RETURNING missed_polls`,
		id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment missed polls %d: %w", id, err)
	}
	return n, nil
}

// ResetMissedPolls clears the debounce counter after a confirmed live sighting.
func (s *Store) ResetMissedPolls(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET missed_polls=0, updated_at=NOW() WHERE id=$1 AND COALESCE(missed_polls,0) <> 0`, id)
	if err != nil {
		return fmt.Errorf("reset missed polls %d: %w", id, err)
	}
	return nil
}

// CloseSession sets the end timestamp. The WHERE guard makes the end
// write-once: a second close of the same session is a no-op.
func (s *Store) CloseSession(ctx context.Context, id int64, endedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET ended_at=$1, updated_at=NOW() WHERE id=$2 AND ended_at IS NULL`,
		endedAt, id)
	if err != nil {
		return fmt.Errorf("close session %d: %w", id, err)
	}
	return nil
}

// InsertHistory appends the derived summary of a closed session.
func (s *Store) InsertHistory(ctx context.Context, h HistoryRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO history (channel_login, duration, started_at, ended_at, message_id, message_link, replay_link, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())`,
		h.ChannelLogin, h.Duration, h.StartedAt, h.EndedAt, h.MessageID, h.MessageLink, h.ReplayLink)
	if err != nil {
		return fmt.Errorf("insert history for %s: %w", h.ChannelLogin, err)
	}
	return nil
}

// InsertError appends a failure record. Errors here are deliberately not
// re-recorded; the caller logs them instead.
func (s *Store) InsertError(ctx context.Context, e ErrorRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO errors (occurred_at, category, description, location, trace) VALUES ($1,$2,$3,$4,$5)`,
		e.OccurredAt, e.Category, e.Description, e.Location, e.Trace)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// CountOpenSessions reports how many channels are currently mid-session.
func (s *Store) CountOpenSessions(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE ended_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

// LastError returns the most recent error record, with found=false on an
// empty table.
func (s *Store) LastError(ctx context.Context) (ErrorRecord, bool, error) {
	var e ErrorRecord
	var desc, loc, trace sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT occurred_at, category, description, location, trace FROM errors ORDER BY occurred_at DESC, id DESC LIMIT 1`).
		Scan(&e.OccurredAt, &e.Category, &desc, &loc, &trace)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrorRecord{}, false, nil
	}
	if err != nil {
		return ErrorRecord{}, false, fmt.Errorf("last error: %w", err)
	}
	e.Description = desc.String
	e.Location = loc.String
	e.Trace = trace.String
	return e, true, nil
}
