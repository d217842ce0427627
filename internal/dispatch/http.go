package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/flowhook/internal/tracing"
)

// HTTPSender posts the payload to the event source URL.
type HTTPSender struct {
	Client *http.Client
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{Client: &http.Client{Timeout: timeout}}
}

// Send returns an error for transport failures and for any 4xx/5xx status.
// The response body is discarded.
func (s *HTTPSender) Send(ctx context.Context, dest Destination, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req.Header)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", dest.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	tracing.AddSpanEvent(ctx, "http.response", attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		return &RejectedError{Status: resp.StatusCode}
	}
	return nil
}
