// Package dispatch performs the outbound signed POST for webhook
// deliveries. It only accepts safeurl.ValidatedURL targets, so every
// destination has passed SSRF validation before a connection is opened.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/consoul-dev/consoul-hooks/webhook/signature"
)

const (
	userAgent = "Consoul-Hooks/1.0"

	// maxResponseBytes caps how much of a subscriber response we read.
	// Bodies are never interpreted; a 2xx status is trusted at face value.
	maxResponseBytes = 4 * 1024
)

// Response captures what the delivery worker needs to classify an attempt.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
}

// Success reports whether the subscriber accepted the delivery.
func (r *Response) Success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

type Dispatcher struct {
	client *http.Client
}

/* New builds a dispatcher whose client follows redirects only through
 * the validator's CheckRedirect hook and gives up after timeout. One
 * stuck subscriber can cost at most timeout, never a worker slot forever.
 */
func New(validator *safeurl.Validator, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{
			Timeout:       timeout,
			CheckRedirect: validator.CheckRedirect,
		},
	}
}

// Send POSTs body to the validated target with the signature header set.
func (d *Dispatcher) Send(ctx context.Context, target safeurl.ValidatedURL, body []byte, sigHeader string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building delivery request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(signature.Header, sigHeader)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending delivery request: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		respBody = nil
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       respBody,
	}, nil
}
