// Package engine implements the per-channel stream session lifecycle: on each
// polling tick it reconciles the Helix liveness answer against the open
// session in the store, opening, refreshing, or closing sessions and keeping
// the single Discord notification message per session in step.
//
// The engine itself holds no session state between ticks; everything it needs
// is re-read from the store, so a restart mid-session changes nothing.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lucthesloth/twitch-discord-live-bot/discord"
	"github.com/lucthesloth/twitch-discord-live-bot/store"
	"github.com/lucthesloth/twitch-discord-live-bot/telemetry"
	"github.com/lucthesloth/twitch-discord-live-bot/twitchapi"
)

// Thumbnail placeholder substitution always targets one fixed resolution.
const (
	thumbWidth  = 1280
	thumbHeight = 720

	liveColor  = 0x9146FF // twitch purple
	endedColor = 0x95A5A6
)

// SessionStore is the persistence contract the engine drives. *store.Store
// satisfies it; tests substitute an in-memory fake.
type SessionStore interface {
	ResolveChannel(ctx context.Context, login string) (store.Channel, bool, error)
	CreateChannel(ctx context.Context, ch store.Channel) error
	GetOpenSession(ctx context.Context, login string) (store.Session, bool, error)
	InsertSession(ctx context.Context, login string, startedAt time.Time) (int64, error)
	SetSessionMessage(ctx context.Context, id int64, messageID, messageLink, thumbnailBase string, lastRefresh time.Time) error
	UpdateSessionThumbnail(ctx context.Context, id int64, thumbnailBase string, refreshedAt time.Time) error
	IncrementMissedPolls(ctx context.Context, id int64) (int, error)
	ResetMissedPolls(ctx context.Context, id int64) error
	CloseSession(ctx context.Context, id int64, endedAt time.Time) error
	InsertHistory(ctx context.Context, h store.HistoryRecord) error
}

// LivenessOracle answers "is this channel live now". A returned error means
// the answer is unknown this tick; it is never conflated with confirmed
// offline.
type LivenessOracle interface {
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
	GetStreamStatus(ctx context.Context, login string) (twitchapi.Status, error)
}

// NotificationSink creates and edits the one message per session.
type NotificationSink interface {
	Send(ctx context.Context, m discord.WebhookMessage) (discord.MessageRef, error)
	Edit(ctx context.Context, messageID string, m discord.WebhookMessage) error
}

// Engine reconciles one channel per call. All collaborators are injected.
type Engine struct {
	Store  SessionStore
	Oracle LivenessOracle
	Sink   NotificationSink

	// Now is the clock; defaults to time.Now. Tests pin it.
	Now func() time.Time

	// RefreshInterval gates thumbnail refreshes on a still-open session.
	RefreshInterval time.Duration

	// OfflineAfterMissed is how many consecutive unknown liveness answers an
	// open session survives before being treated as offline.
	OfflineAfterMissed int

	// MentionRoleID, when set, prefixes the live notification with a role ping.
	MentionRoleID string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) refreshInterval() time.Duration {
	if e.RefreshInterval > 0 {
		return e.RefreshInterval
	}
	return 10 * time.Minute
}

func (e *Engine) offlineAfterMissed() int {
	if e.OfflineAfterMissed > 0 {
		return e.OfflineAfterMissed
	}
	return 3
}

// Reconcile drives one channel through the transition table for the current
// tick. Every failure is returned as a categorized *Error for the scheduler
// to record; nothing is retried here — the next tick retries naturally.
func (e *Engine) Reconcile(ctx context.Context, login string) error {
	ctx, span := telemetry.StartSpan(ctx, "engine", "reconcile",
		attribute.String("channel", login))
	defer span.End()

	err := e.reconcile(ctx, login)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	return err
}

func (e *Engine) reconcile(ctx context.Context, login string) error {
	now := e.now()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", login), slog.String("component", "engine"))

	ch, found, err := e.Store.ResolveChannel(ctx, login)
	if err != nil {
		return newError(CategoryStore, login, "resolve channel", err)
	}
	if !found {
		user, err := e.Oracle.GetUser(ctx, login)
		if err != nil {
			return newError(CategoryIdentity, login, "resolve twitch user", err)
		}
		ch = store.Channel{Login: login, TwitchID: user.ID, DisplayName: user.DisplayName}
		if err := e.Store.CreateChannel(ctx, ch); err != nil {
			return newError(CategoryStore, login, "create channel", err)
		}
		logger.Info("channel registered", slog.String("twitch_id", user.ID))
	}

	status, oracleErr := e.Oracle.GetStreamStatus(ctx, login)

	sess, open, err := e.Store.GetOpenSession(ctx, login)
	if err != nil {
		return newError(CategoryStore, login, "get open session", err)
	}

	switch {
	case oracleErr != nil && !open:
		// Unknown with nothing at stake: record for diagnostics, no mutation.
		return newError(CategoryLiveness, login, "stream status", oracleErr)

	case oracleErr != nil && open:
		return e.handleUnknown(ctx, logger, ch, sess, now, oracleErr)

	case status.Live && !open:
		return e.startSession(ctx, logger, ch, status.Stream, now)

	case status.Live && open:
		return e.continueSession(ctx, logger, ch, sess, status.Stream, now)

	case !status.Live && open:
		return e.stopSession(ctx, logger, ch, sess, now)

	default:
		// offline, no open session
		return nil
	}
}

// startSession opens a session and creates the "went live" message. The
// session row is durably created before the webhook call; a send failure
// leaves the row open and message-less, and continueSession heals it next
// tick.
func (e *Engine) startSession(ctx context.Context, logger *slog.Logger, ch store.Channel, stream *twitchapi.Stream, now time.Time) error {
	id, err := e.Store.InsertSession(ctx, ch.Login, now)
	if err != nil {
		return newError(CategoryStore, ch.Login, "insert session", err)
	}
	telemetry.SessionsStarted.Inc()
	logger.Info("session started", slog.Int64("session_id", id), slog.String("title", stream.Title), slog.String("game", stream.GameName))

	base := resolveThumbnail(stream.ThumbnailURL)
	ref, err := e.Sink.Send(ctx, e.liveMessage(ch, stream, base, now))
	if err != nil {
		telemetry.NotificationsFailed.Inc()
		return newError(CategoryNotification, ch.Login, "send live notification", err)
	}
	telemetry.NotificationsSent.Inc()

	if err := e.Store.SetSessionMessage(ctx, id, ref.ID, ref.Link(), base, now); err != nil {
		return newError(CategoryStore, ch.Login, "persist message ref", err)
	}
	return nil
}

// continueSession applies the time-gated thumbnail refresh and clears the
// unknown-poll debounce after a confirmed live sighting.
func (e *Engine) continueSession(ctx context.Context, logger *slog.Logger, ch store.Channel, sess store.Session, stream *twitchapi.Stream, now time.Time) error {
	if sess.MissedPolls > 0 {
		if err := e.Store.ResetMissedPolls(ctx, sess.ID); err != nil {
			return newError(CategoryStore, ch.Login, "reset missed polls", err)
		}
	}

	base := sess.ThumbnailBase
	if base == "" {
		base = resolveThumbnail(stream.ThumbnailURL)
	}

	// Heal a session whose creation-time send failed.
	if sess.MessageID == "" {
		ref, err := e.Sink.Send(ctx, e.liveMessage(ch, stream, base, now))
		if err != nil {
			telemetry.NotificationsFailed.Inc()
			return newError(CategoryNotification, ch.Login, "send live notification", err)
		}
		telemetry.NotificationsSent.Inc()
		if err := e.Store.SetSessionMessage(ctx, sess.ID, ref.ID, ref.Link(), base, now); err != nil {
			return newError(CategoryStore, ch.Login, "persist message ref", err)
		}
		logger.Info("session message recovered", slog.Int64("session_id", sess.ID))
		return nil
	}

	last := sess.StartedAt
	if sess.LastThumbnailRefresh != nil {
		last = *sess.LastThumbnailRefresh
	}
	if now.Sub(last) < e.refreshInterval() {
		return nil
	}

	// Store first: the refresh bookkeeping stands even if the edit fails.
	if err := e.Store.UpdateSessionThumbnail(ctx, sess.ID, base, now); err != nil {
		return newError(CategoryStore, ch.Login, "update thumbnail refresh", err)
	}
	if err := e.Sink.Edit(ctx, sess.MessageID, e.liveMessage(ch, stream, base, now)); err != nil {
		telemetry.NotificationsFailed.Inc()
		return newError(CategoryNotification, ch.Login, "refresh live notification", err)
	}
	telemetry.NotificationsEdited.Inc()
	logger.Debug("thumbnail refreshed", slog.Int64("session_id", sess.ID))
	return nil
}

// stopSession closes the session, appends history, and best-effort edits the
// message to the ended summary. The close and the history row are durable
// before the webhook is touched.
func (e *Engine) stopSession(ctx context.Context, logger *slog.Logger, ch store.Channel, sess store.Session, now time.Time) error {
	if err := e.Store.CloseSession(ctx, sess.ID, now); err != nil {
		return newError(CategoryStore, ch.Login, "close session", err)
	}
	telemetry.SessionsEnded.Inc()

	duration := FormatDuration(now.Sub(sess.StartedAt))
	replay := fmt.Sprintf("https://www.twitch.tv/%s/videos", ch.Login)
	if err := e.Store.InsertHistory(ctx, store.HistoryRecord{
		ChannelLogin: ch.Login,
		Duration:     duration,
		StartedAt:    sess.StartedAt,
		EndedAt:      now,
		MessageID:    sess.MessageID,
		MessageLink:  sess.MessageLink,
		ReplayLink:   replay,
	}); err != nil {
		return newError(CategoryStore, ch.Login, "insert history", err)
	}
	logger.Info("session ended", slog.Int64("session_id", sess.ID), slog.String("duration", duration))

	if sess.MessageID == "" {
		return nil
	}
	if err := e.Sink.Edit(ctx, sess.MessageID, e.endedMessage(ch, duration, sess.StartedAt, now, replay)); err != nil {
		telemetry.NotificationsFailed.Inc()
		return newError(CategoryNotification, ch.Login, "edit ended notification", err)
	}
	telemetry.NotificationsEdited.Inc()
	return nil
}

// handleUnknown applies the debounce policy: a transient oracle failure never
// closes an open session by itself; only the configured number of consecutive
// unknowns does. The counter is persisted, so the debounce survives restarts.
func (e *Engine) handleUnknown(ctx context.Context, logger *slog.Logger, ch store.Channel, sess store.Session, now time.Time, oracleErr error) error {
	missed, err := e.Store.IncrementMissedPolls(ctx, sess.ID)
	if err != nil {
		return newError(CategoryStore, ch.Login, "increment missed polls", err)
	}
	if missed < e.offlineAfterMissed() {
		logger.Warn("liveness unknown; session preserved",
			slog.Int64("session_id", sess.ID),
			slog.Int("missed_polls", missed),
			slog.Any("err", oracleErr))
		return newError(CategoryLiveness, ch.Login, "stream status", oracleErr)
	}
	logger.Warn("liveness unknown past threshold; treating as offline",
		slog.Int64("session_id", sess.ID),
		slog.Int("missed_polls", missed))
	if err := e.stopSession(ctx, logger, ch, sess, now); err != nil {
		return err
	}
	return newError(CategoryLiveness, ch.Login, "stream status", oracleErr)
}

func (e *Engine) channelURL(ch store.Channel) string {
	return "https://www.twitch.tv/" + ch.Login
}

func (e *Engine) displayName(ch store.Channel, stream *twitchapi.Stream) string {
	if stream != nil && stream.UserName != "" {
		return stream.UserName
	}
	if ch.DisplayName != "" {
		return ch.DisplayName
	}
	return ch.Login
}

func (e *Engine) liveMessage(ch store.Channel, stream *twitchapi.Stream, thumbnailBase string, now time.Time) discord.WebhookMessage {
	name := e.displayName(ch, stream)
	embed := discord.Embed{
		Title:       fmt.Sprintf("%s is live!", name),
		Description: stream.Title,
		URL:         e.channelURL(ch),
		Color:       liveColor,
		Timestamp:   now.Format(time.RFC3339),
	}
	if stream.GameName != "" {
		embed.Fields = append(embed.Fields, discord.EmbedField{Name: "Playing", Value: stream.GameName, Inline: true})
	}
	if thumbnailBase != "" {
		embed.Image = &discord.EmbedImage{URL: CacheBust(thumbnailBase, now)}
	}
	msg := discord.WebhookMessage{Embeds: []discord.Embed{embed}}
	if e.MentionRoleID != "" {
		msg.Content = fmt.Sprintf("<@&%s>", e.MentionRoleID)
	}
	return msg
}

func (e *Engine) endedMessage(ch store.Channel, duration string, startedAt, endedAt time.Time, replay string) discord.WebhookMessage {
	name := e.displayName(ch, nil)
	embed := discord.Embed{
		Title:       fmt.Sprintf("%s finished streaming", name),
		Description: fmt.Sprintf("Streamed for %s", duration),
		URL:         replay,
		Color:       endedColor,
		Timestamp:   endedAt.Format(time.RFC3339),
		Fields: []discord.EmbedField{
			{Name: "Started", Value: startedAt.Format("2006-01-02 15:04 MST"), Inline: true},
			{Name: "Ended", Value: endedAt.Format("2006-01-02 15:04 MST"), Inline: true},
		},
	}
	return discord.WebhookMessage{Embeds: []discord.Embed{embed}}
}

// resolveThumbnail substitutes the Helix template tokens with the fixed
// target dimensions.
func resolveThumbnail(templated string) string {
	if templated == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{width}", strconv.Itoa(thumbWidth),
		"{height}", strconv.Itoa(thumbHeight),
	)
	return r.Replace(templated)
}

// CacheBust appends a wall-clock query parameter so Discord refetches the
// image on every refresh.
func CacheBust(base string, now time.Time) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "t=" + strconv.FormatInt(now.Unix(), 10)
}

// FormatDuration renders an elapsed session length as hours and minutes,
// omitting the hour component when zero: "45m", "3h 15m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
