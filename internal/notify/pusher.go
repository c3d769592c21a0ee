package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPusher delivers payloads to an FCM-style push endpoint over HTTPS.
type HTTPPusher struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

// NewHTTPPusher creates a pusher posting to the given endpoint. The server
// key is sent as a bearer-style Authorization header.
func NewHTTPPusher(endpoint, serverKey string) *HTTPPusher {
	return &HTTPPusher{
		endpoint:  endpoint,
		serverKey: serverKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Push posts the payload as JSON. Non-2xx responses are errors so the
// dispatcher can log them; retrying is deliberately not done here.
func (p *HTTPPusher) Push(ctx context.Context, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.serverKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: push endpoint returned %s", resp.Status)
	}
	return nil
}
