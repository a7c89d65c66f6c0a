package posthog

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the PostHog cloud ingestion host.
	DefaultEndpoint = "https://app.posthog.com"

	defaultMaxQueueSize   = 10000
	defaultBatchSize      = 100
	defaultRequestTimeout = 10 * time.Second
	defaultMaxRetries     = 10

	defaultFlagPollInterval   = 30 * time.Second
	defaultFlagRequestTimeout = 3 * time.Second

	// maxBatchBytes bounds the encoded size of one batch request body.
	maxBatchBytes = 500_000

	// maxMessageBytes bounds the encoded size of a single message; larger
	// messages are dropped and reported through OnError.
	maxMessageBytes = 32_768

	// controlChannelSize is the capacity of the worker control channel.
	// Flush and Shutdown each occupy at most one slot at a time.
	controlChannelSize = 2

	// flushPollInterval is how often Flush re-checks the queue depth.
	flushPollInterval = 10 * time.Millisecond
)

// ErrorCallback receives delivery and validation failures. status is the HTTP
// status of a failed request, or -1 for local failures (validation, queue
// overflow, oversized messages, network errors).
type ErrorCallback func(status int, msg string)

// BeforeSendCallback inspects a message before it is enqueued. Returning nil
// drops the event; returning a non-nil message substitutes it for the
// original.
type BeforeSendCallback func(msg *Message) *Message

// config is assembled by New from the functional options and is immutable
// afterwards.
type config struct {
	apiKey         string
	endpoint       string
	personalAPIKey string

	maxQueueSize int
	batchSize    int
	maxRetries   int

	requestTimeout      time.Duration
	flagPollInterval    time.Duration
	flagRequestTimeout  time.Duration
	skipTLSVerification bool

	asyncMode bool
	testMode  bool

	onError    ErrorCallback
	beforeSend BeforeSendCallback

	logger     *slog.Logger
	httpClient *http.Client
}

// Option configures the client at construction time.
type Option func(*config)

// WithEndpoint points the client at a self-hosted or regional PostHog
// instance. A trailing slash is removed.
func WithEndpoint(endpoint string) Option {
	return func(c *config) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithPersonalAPIKey enables local flag evaluation. The personal key is used
// to poll flag and cohort definitions; flag queries are then decided in
// process without a network round trip.
func WithPersonalAPIKey(key string) Option {
	return func(c *config) { c.personalAPIKey = key }
}

// WithMaxQueueSize bounds the in-memory message queue. When the queue is
// full, new messages are dropped and reported through OnError.
func WithMaxQueueSize(n int) Option {
	return func(c *config) { c.maxQueueSize = n }
}

// WithBatchSize sets the maximum number of messages per delivery request.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithRequestTimeout sets the per-request timeout for batch delivery.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.requestTimeout = d }
}

// WithMaxRetries bounds delivery attempts for retryable failures.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithFeatureFlagPollInterval sets how often flag definitions are refreshed.
func WithFeatureFlagPollInterval(d time.Duration) Option {
	return func(c *config) { c.flagPollInterval = d }
}

// WithFeatureFlagRequestTimeout sets the per-request timeout for flag
// definition polling and remote flag evaluation.
func WithFeatureFlagRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.flagRequestTimeout = d }
}

// WithSkipTLSVerification disables server certificate verification. Meant
// for development against self-signed instances only.
func WithSkipTLSVerification() Option {
	return func(c *config) { c.skipTLSVerification = true }
}

// WithSyncMode delivers each message inline on the caller's goroutine
// instead of through the background worker.
func WithSyncMode() Option {
	return func(c *config) { c.asyncMode = false }
}

// WithTestMode accepts messages without delivering anything.
func WithTestMode() Option {
	return func(c *config) { c.testMode = true }
}

// WithOnError registers the failure callback. See ErrorCallback.
func WithOnError(cb ErrorCallback) Option {
	return func(c *config) { c.onError = cb }
}

// WithBeforeSend registers a hook that can drop or rewrite messages before
// they are enqueued. See BeforeSendCallback.
func WithBeforeSend(cb BeforeSendCallback) Option {
	return func(c *config) { c.beforeSend = cb }
}

// WithLogger sets the structured logger used for internal diagnostics.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithHTTPClient substitutes the HTTP client used for all requests. Request
// timeouts from the configuration still apply per call.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

func newConfig(apiKey string, opts ...Option) (*config, error) {
	cfg := &config{
		apiKey:             apiKey,
		endpoint:           DefaultEndpoint,
		maxQueueSize:       defaultMaxQueueSize,
		batchSize:          defaultBatchSize,
		maxRetries:         defaultMaxRetries,
		requestTimeout:     defaultRequestTimeout,
		flagPollInterval:   defaultFlagPollInterval,
		flagRequestTimeout: defaultFlagRequestTimeout,
		asyncMode:          true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg, cfg.validate()
}

func (c *config) validate() error {
	if c.apiKey == "" {
		return fmt.Errorf("api key must be given")
	}
	if _, err := url.Parse(c.endpoint); err != nil || !strings.HasPrefix(c.endpoint, "http") {
		return fmt.Errorf("invalid endpoint %q", c.endpoint)
	}
	if c.maxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive, got %d", c.maxQueueSize)
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.batchSize)
	}
	if c.maxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.maxRetries)
	}
	return nil
}

// reportError surfaces a failure to the host through OnError and mirrors it
// to the logger. The public API never raises; every failure funnels here or
// into a false/nil return.
func (c *config) reportError(status int, msg string) {
	c.logger.Warn("posthog client error", "status", status, "error", msg)
	if c.onError != nil {
		c.onError(status, msg)
	}
}
