package posthog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
)

type controlSignal int

const (
	controlFlush controlSignal = iota
	controlShutdown
)

// workerControl carries a flush or shutdown request; ack is closed once the
// request has been fully processed.
type workerControl struct {
	signal controlSignal
	ack    chan struct{}
}

// worker is the single background consumer of the message queue. It batches
// messages, dispatches full batches through the transport, and handles flush
// and shutdown control messages. The worker never drops an enqueued message
// on shutdown: the queue is drained before it exits.
type worker struct {
	cfg       *config
	transport *transport
	messages  <-chan *Message
	control   <-chan workerControl
	onDequeue func()
	logger    *slog.Logger

	// sending is read by Flush to avoid returning mid-request.
	sending atomic.Bool
	done    chan struct{}
}

func newWorker(cfg *config, transport *transport, messages <-chan *Message, control <-chan workerControl, onDequeue func()) *worker {
	return &worker{
		cfg:       cfg,
		transport: transport,
		messages:  messages,
		control:   control,
		onDequeue: onDequeue,
		logger:    cfg.logger,
		done:      make(chan struct{}),
	}
}

// run is the worker loop: Idle -> Running on start, Draining on control,
// Stopped on shutdown. It must not crash the host; panics are recovered,
// logged, and terminate only this loop.
func (w *worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ingestion worker panicked, terminating", "panic", r)
		}
	}()

	batch := newMessageBatch(w.cfg.apiKey, w.cfg.batchSize)
	for {
		select {
		case msg := <-w.messages:
			w.consume(batch, msg)
		case ctl := <-w.control:
			w.drain(batch)
			if ctl.ack != nil {
				close(ctl.ack)
			}
			if ctl.signal == controlShutdown {
				w.logger.Debug("ingestion worker stopped")
				return
			}
		}
	}
}

// consume adds one message to the batch, flushing as limits are reached.
func (w *worker) consume(batch *messageBatch, msg *Message) {
	w.onDequeue()
	switch batch.add(msg) {
	case batchAdded:
		if batch.full() {
			w.flushBatch(batch)
		}
	case batchFull:
		w.flushBatch(batch)
		if batch.add(msg) == messageTooLarge {
			w.dropTooLarge(msg)
		}
	case messageTooLarge:
		w.dropTooLarge(msg)
	}
}

// drain empties everything already queued without blocking, then flushes.
func (w *worker) drain(batch *messageBatch) {
	for {
		select {
		case msg := <-w.messages:
			w.consume(batch, msg)
		default:
			w.flushBatch(batch)
			return
		}
	}
}

// flushBatch dispatches the batch if non-empty; a batch is never transmitted
// empty. Delivery failures are reported, not retried here: the transport
// already exhausted its retry budget.
func (w *worker) flushBatch(batch *messageBatch) {
	if batch.count() == 0 {
		return
	}
	w.sending.Store(true)
	defer w.sending.Store(false)

	payload := batch.encode()
	count := batch.count()
	batch.clear()
	resp := w.transport.send(payload)
	if !resp.Success() {
		w.cfg.reportError(resp.Status, resp.ErrorMessage())
		return
	}
	w.logger.Debug("batch delivered", "messages", count, "bytes", len(payload))
}

func (w *worker) dropTooLarge(msg *Message) {
	data, _ := json.Marshal(msg)
	w.cfg.reportError(-1, fmt.Sprintf("message too large: %d bytes", len(data)))
}
