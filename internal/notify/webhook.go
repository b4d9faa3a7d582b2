package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/adred-codev/agentsync/internal/types"
)

// Webhook posts a Slack-compatible JSON payload. Any non-2xx response is a
// failure.
type Webhook struct {
	URL      string
	Username string
	Client   *http.Client
}

func NewWebhook(url, username string) *Webhook {
	return &Webhook{URL: url, Username: username, Client: &http.Client{}}
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	payload := map[string]any{
		"username": w.Username,
		"text":     fmt.Sprintf("%s *%s*", emoji(n.Severity), n.Title),
		"attachments": []map[string]any{
			{
				"color":     color(n.Severity),
				"title":     n.Title,
				"text":      n.Body,
				"timestamp": n.At.Unix(),
				"footer":    "agentsync",
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post webhook: status %d", resp.StatusCode)
	}
	return nil
}

func color(s types.Severity) string {
	switch s {
	case types.SeverityHigh:
		return "danger"
	case types.SeverityNotify:
		return "warning"
	default:
		return "good"
	}
}

func emoji(s types.Severity) string {
	switch s {
	case types.SeverityHigh:
		return ":rotating_light:"
	case types.SeverityNotify:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
