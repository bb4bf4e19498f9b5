package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

// WebhookSink POSTs events to an external URL. Delivery is
// fire-and-forget: each event gets a bounded number of attempts with
// doubling backoff, and a permanently failing endpoint only costs log
// lines.
type WebhookSink struct {
	logger  *logx.Logger
	client  *http.Client
	url     string
	retries int
	backoff time.Duration
}

// NewWebhookSink creates a webhook sink. retries is the number of
// attempts after the first; backoff is the initial delay and doubles per
// attempt.
func NewWebhookSink(url string, retries int, backoff time.Duration) *WebhookSink {
	return &WebhookSink{
		logger:  logx.NewLogger("webhook"),
		client:  &http.Client{Timeout: 10 * time.Second},
		url:     url,
		retries: retries,
		backoff: backoff,
	}
}

// Deliver sends the event asynchronously.
func (s *WebhookSink) Deliver(event *proto.Event) {
	go s.deliver(event)
}

func (s *WebhookSink) deliver(event *proto.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal webhook payload: %v", err)
		return
	}

	backoff := s.backoff
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		if err := s.post(payload); err != nil {
			s.logger.Warn("Webhook delivery attempt %d/%d failed: %v",
				attempt+1, s.retries+1, err)
			continue
		}
		return
	}

	s.logger.Error("Webhook delivery gave up after %d attempts: %s event for project %s",
		s.retries+1, event.Type, event.ProjectID)
}

func (s *WebhookSink) post(payload []byte) error {
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() // Ignore error - response already consumed
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
