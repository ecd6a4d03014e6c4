package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/eventbus"
	"go.uber.org/zap"
)

// Notifier forwards workflow lifecycle events to an external webhook.
// Delivery is fire-and-forget: a dead or slow endpoint never slows the
// orchestrator, and a missing URL disables the notifier entirely.
type Notifier struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewNotifier(baseURL string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "notify")),
	}
}

// Forward relays one bus event to the webhook. It always returns nil so the
// bus never retries or dead-letters on webhook trouble.
func (n *Notifier) Forward(event eventbus.Event) error {
	if n == nil || n.baseURL == "" {
		return nil
	}
	body := map[string]any{
		"topic":    event.Type,
		"event_id": event.ID,
		"payload":  event.Payload,
		"ts":       time.Now().UTC().Format(time.RFC3339),
	}
	go n.postJSON(n.baseURL+"/v1/events", body)
	return nil
}

func (n *Notifier) postJSON(url string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Debug("webhook post failed", zap.String("url", url), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}
