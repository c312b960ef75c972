package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAttempts    = 3
	defaultBackoffBase = 250 * time.Millisecond
	defaultBackoffMax  = 5 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// Options configures one collaborator client. The Limiter, when set, is
// shared across clients and workers to bound the aggregate request rate
// hitting the external services.
type Options struct {
	URL         string
	HTTP        *http.Client
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
	Limiter     *rate.Limiter
	OnAttempt   func(err error) // optional metrics hook, called once per attempt
}

func (o Options) normalized() Options {
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{Timeout: o.CallTimeout}
	}
	return o
}

// StatusError captures non-2xx collaborator responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collab: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// do posts payload and decodes the JSON response into out, retrying with a
// capped doubling backoff. A timed-out call counts as one attempt. The
// returned error is terminal: either the context ended or every attempt
// failed.
func (o Options) do(ctx context.Context, service string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", service, err)
	}

	backoff := o.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		if o.Limiter != nil {
			if err := o.Limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: %w", service, err)
			}
		}

		err := o.post(ctx, body, out)
		if o.OnAttempt != nil {
			o.OnAttempt(err)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", service, ctx.Err())
		}
		if attempt == o.Attempts {
			break
		}
		log.Printf("%s: attempt %d/%d failed: %v (retrying in %s)", service, attempt, o.Attempts, err, backoff)
		if !sleepContext(ctx, backoff) {
			return fmt.Errorf("%s: %w", service, ctx.Err())
		}
		backoff *= 2
		if backoff > o.BackoffMax {
			backoff = o.BackoffMax
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", service, o.Attempts, lastErr)
}

func (o Options) post(ctx context.Context, body []byte, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, o.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{StatusCode: resp.StatusCode, URL: o.URL, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
