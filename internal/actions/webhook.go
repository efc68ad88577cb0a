package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fitsched/internal/action"
)

// Webhook posts a JSON envelope to the URL given in the schedule data.
type Webhook struct {
	client *http.Client
}

func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Webhook{client: client}
}

type webhookPayload struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

type webhookEnvelope struct {
	ScheduleID string          `json:"scheduleId,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Attempt    int             `json:"attempt"`
	Body       json.RawMessage `json:"body,omitempty"`
}

func (w *Webhook) Handle(ctx context.Context, c action.Call) error {
	var p webhookPayload
	if err := decode(c.Data, &p); err != nil {
		return err
	}
	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return action.Permanent(fmt.Errorf("data.url must be an absolute http(s) url, got %q", p.URL))
	}

	body, err := json.Marshal(webhookEnvelope{
		ScheduleID: c.ScheduleID,
		EntityID:   c.EntityID,
		UserID:     c.UserID,
		Attempt:    c.Attempt,
		Body:       p.Body,
	})
	if err != nil {
		return action.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return action.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ScheduleID != "" {
		req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", c.ScheduleID, c.EntityID))
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook %s: status %d", u.Host, resp.StatusCode)
	default:
		return action.Permanent(errors.New("webhook " + u.Host + ": " + resp.Status))
	}
}
