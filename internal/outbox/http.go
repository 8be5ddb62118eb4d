package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSender posts entries to the server's REST surface.
type HTTPSender struct {
	BaseURL string
	User    string
	Client  *http.Client
}

func NewHTTPSender(baseURL, user string) *HTTPSender {
	return &HTTPSender{
		BaseURL: strings.TrimRight(baseURL, "/"),
		User:    user,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Deliver POSTs the payload with the entry's Idempotency-Key. Only a 2xx
// response counts as confirmed.
func (s *HTTPSender) Deliver(ctx context.Context, e Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+e.Endpoint, bytes.NewReader(e.Payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.IdempotencyKey)
	if s.User != "" {
		req.Header.Set("X-User-ID", s.User)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d", ErrTransport, req.Method, e.Endpoint, resp.StatusCode)
	}
	return nil
}
