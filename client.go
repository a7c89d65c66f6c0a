package posthog

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	clientStateActive uint32 = iota
	clientStateShutdown
)

// Client is the public surface of the library. It owns the ingestion
// pipeline (queue, worker, transport) and the feature-flag engine (poller,
// local evaluator, remote evaluator). Construct with New, release with
// Shutdown.
type Client struct {
	cfg    *config
	logger *slog.Logger

	transport *transport
	worker    *worker
	flags     *flagEngine

	messages   chan *Message
	control    chan workerControl
	queueDepth atomic.Int64

	// mu guards channel sends against Shutdown closing them, mirroring the
	// double-checked shutdown pattern used around every send.
	mu       sync.RWMutex
	shutdown atomic.Uint32
}

// New builds a client for the given project API key. The returned client has
// a running background worker (unless WithSyncMode) and, when a personal API
// key is configured, a definitions poller whose first fetch has already
// completed, so immediately following flag queries evaluate locally.
//
// New returns an error only for invalid configuration; delivery failures are
// reported at runtime through WithOnError.
func New(apiKey string, opts ...Option) (*Client, error) {
	cfg, err := newConfig(apiKey, opts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    cfg.logger,
		transport: newTransport(cfg),
		messages:  make(chan *Message, cfg.maxQueueSize),
		control:   make(chan workerControl, controlChannelSize),
	}
	if cfg.asyncMode {
		c.worker = newWorker(cfg, c.transport, c.messages, c.control, func() {
			c.queueDepth.Add(-1)
		})
		go c.worker.run()
	}
	c.flags = newFlagEngine(cfg)
	if cfg.personalAPIKey != "" {
		c.flags.poller.start()
	}
	c.logger.Debug("posthog client ready",
		"endpoint", cfg.endpoint, "async", cfg.asyncMode,
		"local_evaluation", cfg.personalAPIKey != "")
	return c, nil
}

// Capture records an analytics event. Returns false when the message was
// dropped: validation failure, BeforeSend veto, full queue, or shutdown.
func (c *Client) Capture(in Capture) bool {
	msg, err := newCaptureMessage(in)
	return c.dispatch(msg, err)
}

// Identify records person properties for a distinct ID.
func (c *Client) Identify(in Identify) bool {
	msg, err := newIdentifyMessage(in)
	return c.dispatch(msg, err)
}

// Alias links a new distinct ID to an existing one.
func (c *Client) Alias(in Alias) bool {
	msg, err := newAliasMessage(in)
	return c.dispatch(msg, err)
}

// GroupIdentify records properties for a group.
func (c *Client) GroupIdentify(in GroupIdentify) bool {
	msg, err := newGroupIdentifyMessage(in)
	return c.dispatch(msg, err)
}

// CaptureException records an error (with the stack captured at this call
// site) or, when only Message is set, a synthetic exception without a stack.
func (c *Client) CaptureException(in ExceptionInput) bool {
	if in.Err != nil {
		if sc, ok := in.Err.(stackCapturer); ok {
			in.callers = sc.Callers()
		} else {
			pcs := make([]uintptr, maxStackFrames)
			// Skip runtime.Callers and CaptureException itself.
			n := runtime.Callers(2, pcs)
			in.callers = pcs[:n]
		}
	}
	msg, err := newExceptionMessage(in)
	return c.dispatch(msg, err)
}

// dispatch runs the shared ingestion path: validation outcome, BeforeSend
// hook, then enqueue (async), inline delivery (sync), or no-op (test mode).
func (c *Client) dispatch(msg *Message, err error) bool {
	if err != nil {
		c.cfg.reportError(-1, err.Error())
		return false
	}
	if c.cfg.beforeSend != nil {
		// A nil return drops the event; a non-nil return replaces the
		// message going forward.
		if msg = c.cfg.beforeSend(msg); msg == nil {
			return false
		}
	}
	if c.cfg.testMode {
		return true
	}
	if !c.cfg.asyncMode {
		return c.sendInline(msg)
	}
	return c.enqueue(msg)
}

// enqueue applies the drop-newest overflow policy: producers never block.
func (c *Client) enqueue(msg *Message) bool {
	if c.isShutdown() {
		c.cfg.reportError(-1, "client is shut down")
		return false
	}
	if c.queueDepth.Add(1) > int64(c.cfg.maxQueueSize) {
		c.queueDepth.Add(-1)
		c.cfg.reportError(-1, "queue full")
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isShutdown() {
		c.queueDepth.Add(-1)
		c.cfg.reportError(-1, "client is shut down")
		return false
	}
	// The depth reservation above guarantees capacity; this never blocks.
	c.messages <- msg
	return true
}

// sendInline delivers a one-message batch on the caller's goroutine.
func (c *Client) sendInline(msg *Message) bool {
	batch := newMessageBatch(c.cfg.apiKey, 1)
	if batch.add(msg) == messageTooLarge {
		c.cfg.reportError(-1, "message too large")
		return false
	}
	resp := c.transport.send(batch.encode())
	if !resp.Success() {
		c.cfg.reportError(resp.Status, resp.ErrorMessage())
		return false
	}
	return true
}

// QueueSize reports how many messages are queued but not yet consumed.
func (c *Client) QueueSize() int {
	return int(c.queueDepth.Load())
}

// IsShutdown reports whether Shutdown has been called.
func (c *Client) IsShutdown() bool {
	return c.isShutdown()
}

func (c *Client) isShutdown() bool {
	return c.shutdown.Load() == clientStateShutdown
}

// Flush blocks until every queued message has been handed to the transport
// and no request is in flight. Returns immediately when the queue is empty
// and the worker is idle, and degrades to a no-op when the worker loop has
// already exited.
func (c *Client) Flush() {
	if !c.cfg.asyncMode || c.worker == nil {
		return
	}
	ack := c.sendControl(controlFlush)
	if ack == nil {
		return
	}
	select {
	case <-ack:
	case <-c.worker.done:
		return
	}
	for c.queueDepth.Load() > 0 || c.worker.sending.Load() {
		select {
		case <-c.worker.done:
			return
		default:
		}
		time.Sleep(flushPollInterval)
	}
}

// sendControl delivers a control message unless the client is shut down or
// the worker is gone. The worker's done channel guards the send: a worker
// that terminated through its panic recovery stops draining the control
// channel, and a bare send would park forever once the buffer fills.
func (c *Client) sendControl(signal controlSignal) chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isShutdown() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case c.control <- workerControl{signal: signal, ack: ack}:
		return ack
	case <-c.worker.done:
		return nil
	}
}

// Shutdown flushes pending flag-called telemetry, drains the queue, stops
// the worker and poller, and releases the transport. Idempotent: the second
// and later calls return immediately.
func (c *Client) Shutdown() {
	if !c.shutdown.CompareAndSwap(clientStateActive, clientStateShutdown) {
		c.logger.Debug("client already shut down")
		return
	}
	c.logger.Debug("shutting down posthog client")

	// Deduplicated $feature_flag_called events ride the normal pipeline so
	// they are batched and delivered before the worker exits.
	for _, event := range c.flags.flushCallEvents() {
		msg, err := newCaptureMessage(event.capture())
		if err != nil {
			continue
		}
		if c.cfg.asyncMode {
			if c.queueDepth.Add(1) > int64(c.cfg.maxQueueSize) {
				c.queueDepth.Add(-1)
				c.cfg.reportError(-1, "queue full")
				continue
			}
			c.messages <- msg
		} else if !c.cfg.testMode {
			c.sendInline(msg)
		}
	}

	if c.flags.poller != nil {
		c.flags.poller.stop()
	}

	if c.cfg.asyncMode && c.worker != nil {
		ack := make(chan struct{})
		select {
		case c.control <- workerControl{signal: controlShutdown, ack: ack}:
		case <-c.worker.done:
		}
		<-c.worker.done
	}

	c.transport.close()

	// Close the channels under the write lock; every producer re-checks the
	// shutdown flag while holding the read lock before sending.
	c.mu.Lock()
	close(c.control)
	close(c.messages)
	c.mu.Unlock()

	c.logger.Debug("posthog client shut down")
}
