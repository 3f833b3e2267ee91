// Package discord is a minimal Discord webhook client: execute a webhook to
// create a message and later edit that same message by id. No bot token or
// gateway connection is involved.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Embed mirrors the subset of the Discord embed object this service sends.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"` // RFC3339
	Fields      []EmbedField `json:"fields,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

// WebhookMessage is the payload for both create and edit.
type WebhookMessage struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds"`
}

// MessageRef identifies a created webhook message.
type MessageRef struct {
	ID        string
	ChannelID string
}

// Link is a best-effort jump URL. Webhook responses omit the guild id, so the
// @me placeholder stands in; the stored link is diagnostic metadata.
func (r MessageRef) Link() string {
	if r.ID == "" || r.ChannelID == "" {
		return ""
	}
	return fmt.Sprintf("https://discord.com/channels/@me/%s/%s", r.ChannelID, r.ID)
}

// WebhookClient talks to a single webhook URL.
type WebhookClient struct {
	URL        string
	HTTPClient *http.Client
}

const defaultTimeout = 15 * time.Second

func (c *WebhookClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// Send executes the webhook with ?wait=true so Discord returns the created
// message, and returns its reference.
func (c *WebhookClient) Send(ctx context.Context, m WebhookMessage) (MessageRef, error) {
	if c.URL == "" {
		return MessageRef{}, fmt.Errorf("webhook url empty")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return MessageRef{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"?wait=true", bytes.NewReader(payload))
	if err != nil {
		return MessageRef{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return MessageRef{}, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return MessageRef{}, fmt.Errorf("webhook send failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return MessageRef{}, err
	}
	if body.ID == "" {
		return MessageRef{}, fmt.Errorf("webhook response missing message id")
	}
	return MessageRef{ID: body.ID, ChannelID: body.ChannelID}, nil
}

// Edit rewrites the content of a previously created webhook message.
func (c *WebhookClient) Edit(ctx context.Context, messageID string, m WebhookMessage) error {
	if c.URL == "" {
		return fmt.Errorf("webhook url empty")
	}
	if messageID == "" {
		return fmt.Errorf("message id empty")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.URL+"/messages/"+messageID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook edit failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
