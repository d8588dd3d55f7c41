package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"bgflow/internal/eventbus"
)

// Webhook forwards events to an external HTTP endpoint. It plugs into the
// event manager as an ordinary subscriber.
type Webhook struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`

	client *http.Client
}

// NewWebhook creates a webhook sink. Timeout <= 0 defaults to 30 seconds.
func NewWebhook(url string, headers map[string]string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		URL:     url,
		Headers: headers,
		Timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type payload struct {
	Event       string    `json:"event"`
	Data        any       `json:"data,omitempty"`
	PublisherID string    `json:"publisher_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Deliver posts one event to the endpoint. A 4xx or 5xx response is an
// error so subscriber results record the failed delivery.
func (wh *Webhook) Deliver(ctx context.Context, ev *eventbus.Event) (any, error) {
	if wh.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	body, err := json.Marshal(payload{
		Event:       ev.Name,
		Data:        ev.Data,
		PublisherID: ev.PublisherID,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wh.Headers {
		req.Header.Set(key, value)
	}

	resp, err := wh.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	log.Debug().Str("event", ev.Name).Str("url", wh.URL).Int("status", resp.StatusCode).Msg("event delivered to webhook")
	return resp.StatusCode, nil
}
