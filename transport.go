package posthog

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Response is the terminal outcome of one delivery attempt sequence. The
// transport never raises to its caller: connect, TLS, and timeout failures
// are folded into a Response with Status -1.
type Response struct {
	// Status is the HTTP status of the last attempt, or -1 for transport
	// errors (network, TLS, timeout).
	Status int

	// Body is the response body of the last attempt, when one was read.
	Body string

	// Err is the underlying transport error when Status is -1.
	Err error

	// RetryAfter is the server-requested wait parsed from a 429 response.
	RetryAfter time.Duration
}

func (r *Response) Success() bool      { return r.Status >= 200 && r.Status < 300 }
func (r *Response) RateLimited() bool  { return r.Status == http.StatusTooManyRequests }
func (r *Response) ClientError() bool  { return r.Status >= 400 && r.Status < 500 && !r.RateLimited() }
func (r *Response) ServerError() bool  { return r.Status >= 500 }
func (r *Response) NetworkError() bool { return r.Status == -1 }

// ShouldRetry reports whether the failure class is transient: rate limits,
// server errors, and transport errors retry; other client errors do not.
func (r *Response) ShouldRetry() bool {
	return r.RateLimited() || r.ServerError() || r.NetworkError()
}

// ErrorMessage renders the failure for OnError reporting. Empty on success.
func (r *Response) ErrorMessage() string {
	switch {
	case r.Success():
		return ""
	case r.NetworkError():
		return fmt.Sprintf("network error: %v", r.Err)
	case r.Body != "":
		return fmt.Sprintf("HTTP %d: %s", r.Status, r.Body)
	default:
		return fmt.Sprintf("HTTP %d", r.Status)
	}
}

// transport delivers encoded batch payloads to <endpoint>/batch with retry.
// It owns its HTTP connections; close releases them.
type transport struct {
	cfg    *config
	client *http.Client
	logger *slog.Logger

	// sleep is stubbed in tests to observe backoff without waiting.
	sleep func(time.Duration)
}

func newTransport(cfg *config) *transport {
	client := cfg.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.requestTimeout}
		if cfg.skipTLSVerification {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}
	return &transport{
		cfg:    cfg,
		client: client,
		logger: cfg.logger,
		sleep:  time.Sleep,
	}
}

// send posts the payload, retrying transient failures until success, a
// non-retryable status, or retry exhaustion. A 429 Retry-After wait takes
// precedence over the backoff policy for that attempt. Each call owns its
// backoff state, so send is safe to call from concurrent goroutines (sync
// mode delivers on the caller's goroutine).
func (t *transport) send(payload []byte) *Response {
	backoff := newBackoffPolicy(t.cfg.maxRetries)
	for attempt := 0; ; attempt++ {
		resp := t.post(payload)
		if resp.Success() || !resp.ShouldRetry() || !backoff.shouldRetry(attempt) {
			return resp
		}
		wait := resp.RetryAfter
		if wait <= 0 {
			wait = backoff.nextInterval()
		}
		t.logger.Debug("retrying batch delivery",
			"attempt", attempt+1, "status", resp.Status, "wait", wait)
		t.sleep(wait)
	}
}

func (t *transport) post(payload []byte) *Response {
	req, err := http.NewRequest(http.MethodPost, t.cfg.endpoint+"/batch", bytes.NewReader(payload))
	if err != nil {
		return &Response{Status: -1, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", libraryName+"/"+Version)

	httpResp, err := t.client.Do(req)
	if err != nil {
		return &Response{Status: -1, Err: err}
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<16))
	resp := &Response{Status: httpResp.StatusCode, Body: string(body)}
	if resp.RateLimited() {
		if seconds, err := strconv.Atoi(httpResp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			resp.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return resp
}

// close releases idle connections held by the owned HTTP client.
func (t *transport) close() {
	t.client.CloseIdleConnections()
}
