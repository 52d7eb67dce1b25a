// ABOUTME: Out-of-band notification delivery for finished generation runs
// ABOUTME: Webhook notifier with TTL dedupe, plus a no-op fallback

package push

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultDedupeTTL  = 5 * time.Minute
	defaultDedupeSize = 1000
	requestTimeout    = 10 * time.Second
)

// WebhookNotifier POSTs a JSON payload to a configured URL for each
// notification. Duplicate payloads within the dedupe TTL are dropped.
type WebhookNotifier struct {
	url    string
	client *http.Client
	cache  *dedupeCache
	logger *slog.Logger
}

// NewWebhook creates a webhook notifier for the given URL.
func NewWebhook(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
		cache:  newDedupeCache(defaultDedupeTTL, defaultDedupeSize),
		logger: logger.With("component", "push"),
	}
}

type webhookPayload struct {
	SessionKey string `json:"sessionKey"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Timestamp  string `json:"timestamp"`
}

// Notify delivers one notification. Identical session/title/body triples
// within the TTL are silently dropped.
func (n *WebhookNotifier) Notify(ctx context.Context, sessionKey, title, body string) error {
	sum := sha256.Sum256([]byte(sessionKey + "\x00" + title + "\x00" + body))
	key := hex.EncodeToString(sum[:])
	if n.cache.checkAndMark(key) {
		n.logger.Debug("duplicate notification suppressed", "session_key", sessionKey)
		return nil
	}

	payload, err := json.Marshal(webhookPayload{
		SessionKey: sessionKey,
		Title:      title,
		Body:       body,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug("notification delivered", "session_key", sessionKey)
	return nil
}

// Close stops the dedupe cache's cleanup goroutine.
func (n *WebhookNotifier) Close() {
	n.cache.close()
}

// Noop discards every notification. Used when push is disabled.
type Noop struct{}

func (Noop) Notify(context.Context, string, string, string) error { return nil }
