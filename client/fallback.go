package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/onnwee/beacon/client/queue"
)

// fallbackPaths maps queue entry types onto the REST fallback endpoints.
// Location updates and trip shares are realtime-only and have no fallback.
var fallbackPaths = map[string]string{
	TypeSOSAlert:      "/v1/safety/sos",
	TypeSafetyCheckIn: "/v1/safety/checkin",
}

// HTTPSender drains queue entries through the REST API instead of the
// websocket channel. Useful when the socket cannot be established but
// plain HTTPS still works (restrictive networks, captive portals).
type HTTPSender struct {
	baseURL    string
	userID     string
	token      string
	httpClient *http.Client
}

// NewHTTPSender creates a sender posting to baseURL, e.g. https://host.
func NewHTTPSender(baseURL, userID, token string) *HTTPSender {
	return &HTTPSender{
		baseURL: baseURL,
		userID:  userID,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts one entry to its fallback endpoint. The idempotency key
// travels in the Idempotency-Key header, so a replay of an entry the
// server already recorded comes back as a cached 200 rather than a
// duplicate event.
func (s *HTTPSender) Send(ctx context.Context, entry *queue.Entry) error {
	path, ok := fallbackPaths[entry.Type]
	if !ok {
		return fmt.Errorf("no HTTP fallback for %s events", entry.Type)
	}

	body, err := s.buildBody(entry)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Idempotency-Key", entry.IdempotencyKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("fallback endpoint returned %s: %s", resp.Status, detail)
}

// buildBody adds the user id the REST endpoints require to the entry's
// payload.
func (s *HTTPSender) buildBody(entry *queue.Entry) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(entry.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decode queued payload: %w", err)
	}
	fields["user_id"] = s.userID
	return json.Marshal(fields)
}
