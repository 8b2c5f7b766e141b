package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize bounds queued records. Only phase and cancel-failure records
	// are dropped once it is reached; a job's start and done records are
	// always kept (default 256).
	BufferSize int
	// MaxBatch is the largest batch handed to a sink (default 64).
	MaxBatch int
	// MaxBatchWait is the longest a record waits before a flush, unless a
	// job finishes first (default 250ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call (default 10s).
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize   = 256
	defaultMaxBatch     = 64
	defaultMaxBatchWait = 250 * time.Millisecond
	defaultSinkTimeout  = 10 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Hub queues job records in emission order and fans them out to sinks on a
// background goroutine. A KindJobDone record flushes the queue at once, so a
// finished job reaches every sink without waiting on the batch timer. Emit
// never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	mu          sync.Mutex
	queue       []Record
	jobDone     bool
	closed      bool
	dropped     int64
	lastDropLog time.Time

	wake      chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the background flushing goroutine for the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.run()
	return h
}

// keep reports whether a record survives a full queue.
func (k Kind) keep() bool {
	return k == KindJobStart || k == KindJobDone
}

// Emit enqueues a record.
func (h *Hub) Emit(rec Record) {
	if h == nil {
		return
	}
	if err := rec.Validate(); err != nil {
		h.logger.Debug("discarding invalid journal record", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if len(h.queue) >= h.cfg.BufferSize && !rec.Kind.keep() {
		h.dropped++
		now := time.Now()
		if now.Sub(h.lastDropLog) < dropLogInterval {
			h.mu.Unlock()
			return
		}
		count := h.dropped
		h.dropped = 0
		h.lastDropLog = now
		h.mu.Unlock()
		h.logger.Warn("journal records dropped due to backpressure",
			zap.Int64("dropped", count),
			zap.String("job_id", rec.JobID),
			zap.String("kind", string(rec.Kind)),
		)
		return
	}
	h.queue = append(h.queue, rec)
	if rec.Kind == KindJobDone {
		h.jobDone = true
	}
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Close flushes what is queued, closes the sinks, and waits for the
// background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	armed := false
	for {
		select {
		case <-h.wake:
			if batch := h.take(false); batch != nil {
				timer.Stop()
				armed = false
				h.flush(batch)
			} else if !armed {
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			h.flush(h.take(true))
		case <-h.stopCh:
			timer.Stop()
			h.flush(h.take(true))
			h.closeSinks()
			return
		}
	}
}

// take hands over the queue when a job has finished, a full batch is waiting,
// or force is set. Otherwise it returns nil and leaves the queue in place.
func (h *Hub) take(force bool) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return nil
	}
	if !force && !h.jobDone && len(h.queue) < h.cfg.MaxBatch {
		return nil
	}
	batch := h.queue
	h.queue = nil
	h.jobDone = false
	return batch
}

func (h *Hub) flush(records []Record) {
	for len(records) > 0 {
		n := min(len(records), h.cfg.MaxBatch)
		h.deliver(records[:n:n])
		records = records[n:]
	}
}

func (h *Hub) deliver(batch []Record) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("journal sink consume failed", zap.Error(err), zap.Int("records", len(batch)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("journal sink close failed", zap.Error(err))
		}
	}
}
