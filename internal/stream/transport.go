package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

const defaultReadSize = 4096

// ErrAlreadyOpen is returned by Open while a request is still in flight.
var ErrAlreadyOpen = errors.New("stream already open")

// Handler receives dispatched events. Handlers run on the transport's reader
// goroutine, one at a time, in arrival order.
type Handler func(Event)

// Request describes the single streaming HTTP request.
type Request struct {
	// Method defaults to POST when Body is set and GET otherwise.
	Method string
	URL    string
	Header http.Header
	// Body is kept as bytes so the same request can be opened again.
	Body []byte
}

// Option customises a Transport.
type Option func(*Transport)

// WithLogger sets the structured logger used for dropped callbacks and
// recovered handler panics.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithReadSize sets the size of each body read. Every read is treated as one
// progress notification.
func WithReadSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readSize = n
		}
	}
}

// Transport owns one streaming request and dispatches the events decoded
// from its response body. Transport errors never surface from Open; they are
// delivered as an EventError followed by the transition to StateClosed.
type Transport struct {
	client   *http.Client
	logger   *zap.Logger
	readSize int

	mu       sync.Mutex
	state    State
	gen      uint64
	cancel   context.CancelFunc
	err      error
	handlers map[string][]*subscription
}

type subscription struct {
	fn Handler
}

// New builds a Transport in StateInitializing. A nil client means
// http.DefaultClient; the client should not carry a total timeout because the
// stream is unbounded.
func New(client *http.Client, opts ...Option) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	t := &Transport{
		client:   client,
		logger:   zap.NewNop(),
		readSize: defaultReadSize,
		state:    StateInitializing,
		handlers: make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// On registers fn for events of the given type and returns a function that
// removes the registration. Handlers for one type run in registration order.
func (t *Transport) On(eventType string, fn Handler) func() {
	sub := &subscription{fn: fn}
	t.mu.Lock()
	t.handlers[eventType] = append(t.handlers[eventType], sub)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.handlers[eventType]
		for i, s := range subs {
			if s == sub {
				t.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(t.handlers[eventType]) == 0 {
			delete(t.handlers, eventType)
		}
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure that closed the transport, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Open issues the request and starts reading the response in the
// background. The returned error only reports misuse: a request that cannot
// be built, or a transport that is already connecting or open.
func (t *Transport) Open(ctx context.Context, req Request) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
		if len(req.Body) > 0 {
			method = http.MethodPost
		}
	}
	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return fmt.Errorf("build stream request: %w", err)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	httpReq.Header.Set("Cache-Control", "no-cache")

	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateOpen {
		t.mu.Unlock()
		cancel()
		return ErrAlreadyOpen
	}
	t.gen++
	gen := t.gen
	t.cancel = cancel
	t.err = nil
	t.state = StateConnecting
	t.mu.Unlock()

	go t.run(httpReq, gen)
	return nil
}

// Close aborts the request if it is still in flight and forces StateClosed.
// Calling Close on a closed transport does nothing. Callbacks of the aborted
// request that arrive afterwards are dropped.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return
	}
	t.state = StateClosed
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Transport) run(req *http.Request, gen uint64) {
	resp, err := t.client.Do(req) //nolint:bodyclose // closed below once the status is known
	if err != nil {
		t.fail(gen, fmt.Errorf("stream request: %w", err))
		return
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.logger.Debug("close stream body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		t.fail(gen, &StatusError{Code: resp.StatusCode})
		return
	}

	dec := NewDecoder()
	buf := make([]byte, t.readSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 && !t.progress(gen, dec, buf[:n]) {
			return
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			t.loaded(gen, dec)
			return
		}
		t.fail(gen, fmt.Errorf("read stream: %w", readErr))
		return
	}
}

// progress handles one read of newly arrived bytes. It reports false once the
// request has been superseded or closed.
func (t *Transport) progress(gen uint64, dec *Decoder, chunk []byte) bool {
	if !t.markOpen(gen) {
		t.logger.Debug("dropping late stream data", zap.Int("bytes", len(chunk)))
		return false
	}
	for _, evt := range dec.Feed(chunk) {
		if !t.current(gen) {
			return false
		}
		t.dispatch(evt)
	}
	return true
}

// loaded flushes the final record and closes the transport after a clean EOF.
func (t *Transport) loaded(gen uint64, dec *Decoder) {
	if !t.markOpen(gen) {
		return
	}
	for _, evt := range dec.Flush() {
		if !t.current(gen) {
			return
		}
		t.dispatch(evt)
	}

	t.mu.Lock()
	if t.gen != gen || t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.dispatch(Event{Type: EventClose})
}

func (t *Transport) fail(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen || t.state == StateClosed {
		t.mu.Unlock()
		t.logger.Debug("dropping late stream failure", zap.Error(err))
		return
	}
	t.state = StateClosed
	t.err = err
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	t.logger.Warn("event stream failed", zap.Error(err))
	t.dispatch(Event{Type: EventError, Data: err.Error()})
}

// markOpen moves a connecting transport to StateOpen, dispatching EventOpen
// exactly once. It reports whether gen is still the live request.
func (t *Transport) markOpen(gen uint64) bool {
	t.mu.Lock()
	if t.gen != gen || t.state == StateClosed {
		t.mu.Unlock()
		return false
	}
	opened := t.state == StateConnecting
	if opened {
		t.state = StateOpen
	}
	t.mu.Unlock()
	if opened {
		t.dispatch(Event{Type: EventOpen})
	}
	return true
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && t.state != StateClosed
}

func (t *Transport) dispatch(evt Event) {
	t.mu.Lock()
	subs := append([]*subscription(nil), t.handlers[evt.Type]...)
	t.mu.Unlock()
	for _, sub := range subs {
		t.call(sub.fn, evt)
	}
}

func (t *Transport) call(fn Handler, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("stream handler panicked",
				zap.String("event", evt.Type),
				zap.Any("panic", rec),
			)
		}
	}()
	fn(evt)
}
