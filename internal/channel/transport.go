package channel

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"channelmanager/internal/metrics"

	"golang.org/x/time/rate"
)

const maxErrorBody = 4096

// StatusError is a non-success HTTP answer from a channel.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote %d", e.Code)
	}
	return fmt.Sprintf("remote %d: %s", e.Code, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Request describes one outbound call.
type Request struct {
	Method   string
	URL      string
	Endpoint string // metrics label
	Header   http.Header
	Body     any
}

// Response carries the raw body of a successful call.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the body into out. An empty body leaves out untouched.
func (r *Response) Decode(out any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

// Transport is a rate-limited JSON HTTP client that retries 429 and transient
// 5xx answers, honouring Retry-After.
type Transport struct {
	channel     string
	hc          *http.Client
	rl          *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	userAgent   string
}

type TransportOption func(*Transport)

func WithHTTPClient(hc *http.Client) TransportOption {
	return func(t *Transport) { t.hc = hc }
}

func WithRetry(maxAttempts int, baseDelay time.Duration) TransportOption {
	return func(t *Transport) {
		if maxAttempts > 0 {
			t.maxAttempts = maxAttempts
		}
		t.baseDelay = baseDelay
	}
}

func NewTransport(channelType string, rps int, timeout time.Duration, opts ...TransportOption) *Transport {
	if rps <= 0 {
		rps = 5
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	t := &Transport{
		channel:     channelType,
		hc:          &http.Client{Timeout: timeout},
		rl:          rate.NewLimiter(rate.Limit(rps), rps),
		maxAttempts: 4,
		baseDelay:   200 * time.Millisecond,
		userAgent:   "channel-manager/1.0",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do performs the request. Non-2xx answers come back as *StatusError or one of
// the package sentinels; the raw body of the last answer is always returned.
func (t *Transport) Do(ctx context.Context, r Request) (*Response, error) {
	if err := t.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if r.Body != nil {
		var err error
		if payload, err = json.Marshal(r.Body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for i := 0; i < t.maxAttempts; i++ {
		req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		for k, vs := range r.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", t.userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := t.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if i < t.maxAttempts-1 && sleepCtx(ctx, t.backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		metrics.ObserveExternal(t.channel, r.Endpoint, resp.StatusCode)
		if readErr != nil {
			return nil, fmt.Errorf("read response: %w", readErr)
		}

		out := &Response{Status: resp.StatusCode, Body: body}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return out, nil
		case resp.StatusCode == http.StatusUnauthorized:
			return out, ErrUnauthorized
		case resp.StatusCode == http.StatusForbidden:
			return out, ErrForbidden
		case resp.StatusCode == http.StatusNotFound:
			return out, ErrNotFound
		}

		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(truncate(body)))}
		if !statusErr.Retryable() {
			return out, statusErr
		}
		lastErr = statusErr
		wait := retryAfter(resp)
		if wait == 0 {
			wait = t.backoff(i)
		}
		if i < t.maxAttempts-1 && sleepCtx(ctx, wait) {
			continue
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, lastErr
	}
	return nil, lastErr
}

func truncate(b []byte) []byte {
	if len(b) > maxErrorBody {
		return b[:maxErrorBody]
	}
	return b
}

// sleepCtx waits for d or returns false early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
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

// retryAfter parses Retry-After in seconds or HTTP-date form. Zero when absent.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles the base delay per attempt and adds up to 50% jitter.
func (t *Transport) backoff(i int) time.Duration {
	base := time.Duration(1<<i) * t.baseDelay
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	return base + time.Duration(0.5*float64(b[0])/255.0*float64(base))
}
