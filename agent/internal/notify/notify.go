// Package notify tells operators about records that exhausted their
// retries. Delivery goes to the configured webhooks and MQTT broker; with
// neither configured the notifier only keeps an in-memory history.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opticourier/opticourier/agent/internal/config"
)

const maxHistoryLen = 200

// Event describes one record that reached the Failed state.
type Event struct {
	RecordID   string    `json:"record_id"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	CapturedAt time.Time `json:"captured_at"`
	FailedAt   time.Time `json:"failed_at"`
}

// Notifier delivers failure events. It is safe for concurrent use.
type Notifier struct {
	webhooks []config.WebhookConfig
	client   *http.Client

	pub   publisher // nil when no broker is configured
	topic string
	qos   byte

	mu      sync.Mutex
	history []Event // newest last
}

// New creates a Notifier for the configured webhooks and broker. The broker
// connection is established in the background.
func New(cfg config.NotifyConfig) *Notifier {
	n := &Notifier{
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		topic:    cfg.MQTT.Topic,
		qos:      cfg.MQTT.QoS,
	}
	if cfg.MQTT.Broker != "" {
		n.pub = newMQTTPublisher(cfg.MQTT)
	}
	return n
}

// Close disconnects from the MQTT broker, if any.
func (n *Notifier) Close() {
	if n.pub != nil {
		n.pub.Close()
	}
}

// Failed records ev and sends it to every target. Errors are logged and
// never returned.
func (n *Notifier) Failed(ctx context.Context, ev Event) {
	n.mu.Lock()
	n.history = append(n.history, ev)
	if len(n.history) > maxHistoryLen {
		n.history = n.history[len(n.history)-maxHistoryLen:]
	}
	n.mu.Unlock()

	for _, wh := range n.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = n.sendSlack(ctx, url, ev)
		case "teams":
			err = n.sendTeams(ctx, url, ev)
		case "http":
			err = n.sendHTTP(ctx, url, ev)
		default:
			slog.Warn("notify: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("notify: webhook delivery failed", "type", wh.Type, "record", ev.RecordID, "err", err)
		} else {
			slog.Debug("notify: webhook delivered", "type", wh.Type, "record", ev.RecordID)
		}
	}

	if n.pub != nil {
		payload, _ := json.Marshal(ev)
		if err := n.pub.Publish(n.topic, n.qos, payload); err != nil {
			slog.Error("notify: mqtt publish failed", "topic", n.topic, "record", ev.RecordID, "err", err)
		}
	}
}

// Recent returns up to limit of the most recent events, newest first.
// A non-positive limit returns all of them.
func (n *Notifier) Recent(limit int) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if limit <= 0 || limit > len(n.history) {
		limit = len(n.history)
	}
	out := make([]Event, 0, limit)
	for i := len(n.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, n.history[i])
	}
	return out
}

func message(ev Event) string {
	return fmt.Sprintf("record %s captured %s was not delivered after %d attempts: %s",
		ev.RecordID, ev.CapturedAt.Format(time.RFC3339), ev.RetryCount, ev.LastError)
}

func (n *Notifier) sendSlack(ctx context.Context, url string, ev Event) error {
	body, _ := json.Marshal(map[string]string{
		"text": "*[FAILED]* " + message(ev),
	})
	return n.post(ctx, url, body)
}

func (n *Notifier) sendTeams(ctx context.Context, url string, ev Event) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": "FF4F6A",
		"summary":    "opticourier delivery failure",
		"title":      "opticourier: record " + ev.RecordID + " failed",
		"text":       message(ev),
	}
	body, _ := json.Marshal(payload)
	return n.post(ctx, url, body)
}

func (n *Notifier) sendHTTP(ctx context.Context, url string, ev Event) error {
	body, _ := json.Marshal(map[string]interface{}{"event": ev})
	return n.post(ctx, url, body)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
