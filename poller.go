package posthog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// definitionsPoller periodically fetches flag and cohort definitions with
// the personal API key and atomically replaces the evaluator's cache. It is
// ETag-aware: unchanged definitions come back as 304 and leave the cache
// untouched.
type definitionsPoller struct {
	cfg       *config
	client    *http.Client
	evaluator *localEvaluator
	logger    *slog.Logger

	// fetchGroup coalesces concurrent manual reloads into one request.
	fetchGroup singleflight.Group

	mu   sync.Mutex
	etag string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newDefinitionsPoller(cfg *config, evaluator *localEvaluator) *definitionsPoller {
	client := cfg.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.flagRequestTimeout}
	}
	return &definitionsPoller{
		cfg:       cfg,
		client:    client,
		evaluator: evaluator,
		logger:    cfg.logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// start performs the first fetch synchronously, so flag queries issued right
// after construction already see cached definitions, then launches the
// polling loop.
func (p *definitionsPoller) start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.pollOnce()
	go p.loop()
}

func (p *definitionsPoller) loop() {
	defer close(p.doneCh)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("definitions poller panicked, terminating", "panic", r)
			p.running.Store(false)
		}
	}()

	ticker := time.NewTicker(p.cfg.flagPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.logger.Debug("definitions poller stopped")
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

// pollOnce fetches definitions immediately. Concurrent callers share a
// single request. Errors are reported through OnError and leave the cache
// as it was.
func (p *definitionsPoller) pollOnce() {
	p.fetchGroup.Do("fetch", func() (any, error) {
		p.fetch()
		return nil, nil
	})
}

// stop ends the polling loop and blocks until it has exited. Idempotent.
func (p *definitionsPoller) stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *definitionsPoller) isRunning() bool {
	return p.running.Load()
}

func (p *definitionsPoller) fetch() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.flagRequestTimeout)
	defer cancel()

	url := p.cfg.endpoint + "/api/feature_flag/local_evaluation/?token=" + p.cfg.apiKey + "&send_cohorts"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.cfg.reportError(-1, fmt.Sprintf("building local evaluation request: %v", err))
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.personalAPIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", libraryName+"/"+Version)
	p.mu.Lock()
	if p.etag != "" {
		req.Header.Set("If-None-Match", p.etag)
	}
	p.mu.Unlock()

	resp, err := p.client.Do(req)
	if err != nil {
		p.cfg.reportError(-1, fmt.Sprintf("fetching flag definitions: %v", err))
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		p.applyResponse(resp)
	case resp.StatusCode == http.StatusNotModified:
		p.logger.Debug("flag definitions unchanged")
	case resp.StatusCode == http.StatusPaymentRequired:
		p.cfg.reportError(resp.StatusCode, "feature flags quota limited")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		p.cfg.reportError(resp.StatusCode, "personal API key rejected while fetching flag definitions")
	default:
		p.cfg.reportError(resp.StatusCode, fmt.Sprintf("unexpected status %d fetching flag definitions", resp.StatusCode))
	}
}

// applyResponse parses a 200 body, swaps the cache atomically, and records
// the new ETag.
func (p *definitionsPoller) applyResponse(resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.cfg.reportError(-1, fmt.Sprintf("reading flag definitions: %v", err))
		return
	}
	var parsed localEvaluationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		p.cfg.reportError(-1, fmt.Sprintf("parsing flag definitions: %v", err))
		return
	}
	defs := parsed.definitions()
	p.evaluator.replace(defs)

	p.mu.Lock()
	p.etag = resp.Header.Get("ETag")
	p.mu.Unlock()

	p.logger.Debug("flag definitions refreshed",
		"flags", len(defs.flagsByKey), "cohorts", len(defs.cohortsByID))
}
