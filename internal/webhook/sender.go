package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Event is the body posted when a job execution finishes.
type Event struct {
	ExecutionID string            `json:"execution_id"`
	JobName     string            `json:"job_name"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Sender interface {
	Notify(ctx context.Context, url string, event Event) error
}

// StatusError is a non-2xx answer from the webhook endpoint.
type StatusError struct {
	Code       int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return "webhook responded " + e.Status
}

// Temporary reports whether the endpoint may accept the same event later.
// Client errors are final apart from timeouts and rate limiting.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 500:
		return true
	}
	return false
}

const (
	userAgent  = "comicbatch-webhook/1"
	maxBackoff = 10 * time.Second
)

type poster struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewHTTPSender posts events as JSON. Transport errors and temporary status
// codes are retried up to maxRetries times; a negative value means 3.
func NewHTTPSender(timeout time.Duration, maxRetries int) Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &poster{
		client:   &http.Client{Timeout: timeout},
		attempts: maxRetries + 1,
		backoff:  500 * time.Millisecond,
	}
}

func (p *poster) Notify(ctx context.Context, url string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var lastErr error
	for attempt := range p.attempts {
		if attempt > 0 {
			select {
			case <-time.After(p.delay(attempt, lastErr)):
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
		}
		lastErr = p.post(ctx, url, event.ExecutionID, payload)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && !se.Temporary() {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.attempts, lastErr)
}

func (p *poster) post(ctx context.Context, url, delivery string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if delivery != "" {
		req.Header.Set("X-Comicbatch-Execution", delivery)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, RetryAfter: retryAfter(resp.Header)}
}

// delay doubles the base backoff per attempt. A Retry-After hint from the
// endpoint wins when present; both are capped at maxBackoff.
func (p *poster) delay(attempt int, last error) time.Duration {
	d := p.backoff << (attempt - 1)
	var se *StatusError
	if errors.As(last, &se) && se.RetryAfter > 0 {
		d = se.RetryAfter
	}
	return min(d, maxBackoff)
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
