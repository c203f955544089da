// Package stream subscribes to the per-run server-sent event channel.
package stream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/r3labs/sse/v2"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/observability"
	"flow-studio/backend/pkg/models"
)

// Handler receives every event of one run, in arrival order.
type Handler func(events.Event)

// Unsubscribe closes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Subscriber keeps at most one live connection per run ID.
type Subscriber struct {
	baseURL    string
	httpClient *http.Client
	metrics    *observability.ClientMetrics
	logger     *logging.Logger
	now        func() time.Time

	root   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscription
}

// Option customizes a Subscriber.
type Option func(*Subscriber)

// WithHTTPClient sets the client used for stream connections. It must not
// carry a response timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Subscriber) {
		if hc != nil {
			s.httpClient = hc
		}
	}
}

// WithMetrics counts delivered events on m.
func WithMetrics(m *observability.ClientMetrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithLogger sets the logger for connection diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSubscriber creates a Subscriber for the server at baseURL.
func NewSubscriber(baseURL string, opts ...Option) *Subscriber {
	root, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logging.Discard(),
		now:        time.Now,
		root:       root,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the stream address for runID.
func (s *Subscriber) URL(runID string) string {
	return s.baseURL + models.RunStreamPath(runID)
}

// Subscribe opens the event stream for runID and delivers each event to
// handler. An existing subscription for the same run is closed first.
//
// Connection failures reach the handler as a synthesized error event, once
// per outage. No handler call starts after the returned Unsubscribe returns;
// the handler itself may call it.
func (s *Subscriber) Subscribe(runID string, handler Handler) Unsubscribe {
	s.mu.Lock()
	prev, replaced := s.subs[runID]
	if replaced {
		delete(s.subs, runID)
		prev.stop()
	}

	ctx, cancel := context.WithCancel(s.root)
	sub := &subscription{
		owner:   s,
		runID:   runID,
		handler: handler,
		cancel:  cancel,
		retry:   newBackOff(ctx),
	}
	s.subs[runID] = sub
	s.mu.Unlock()

	if replaced {
		prev.wait()
	}

	go sub.run(ctx)

	return func() { s.unsubscribe(sub) }
}

// Active reports how many runs have a live subscription.
func (s *Subscriber) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close tears down every subscription.
func (s *Subscriber) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	s.cancel()
	for _, sub := range subs {
		sub.wait()
	}
}

func (s *Subscriber) unsubscribe(sub *subscription) {
	s.mu.Lock()
	if cur, ok := s.subs[sub.runID]; ok && cur == sub {
		delete(s.subs, sub.runID)
	}
	s.mu.Unlock()
	sub.stop()
	sub.wait()
}

type subscription struct {
	owner   *Subscriber
	runID   string
	handler Handler
	cancel  context.CancelFunc
	retry   backoff.BackOff

	closed atomic.Bool
	// inHandler is set while the handler runs, so an Unsubscribe issued from
	// inside it does not wait on itself.
	inHandler atomic.Bool

	// deliverMu serializes handler calls. r3labs reports disconnects from its
	// read goroutine while events arrive on the subscribe goroutine.
	deliverMu sync.Mutex
	outage    bool
}

func (sub *subscription) stop() {
	if sub.closed.Swap(true) {
		return
	}
	sub.cancel()
}

// wait blocks until a delivery already past the closed check has returned.
// Called after stop, so no later delivery can start.
func (sub *subscription) wait() {
	if sub.inHandler.Load() {
		return
	}
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock()
}

func (sub *subscription) run(ctx context.Context) {
	s := sub.owner
	client := sse.NewClient(s.URL(sub.runID))
	client.Connection = s.httpClient
	client.ReconnectStrategy = sub.retry
	client.ReconnectNotify = func(err error, next time.Duration) {
		s.logger.Debug("stream reconnecting", "run_id", sub.runID, "error", err, "retry_in", next)
		sub.lost()
	}
	client.OnConnect(func(*sse.Client) {
		sub.retry.Reset()
		sub.deliverMu.Lock()
		sub.outage = false
		sub.deliverMu.Unlock()
	})
	client.OnDisconnect(func(*sse.Client) {
		sub.lost()
	})

	err := client.SubscribeWithContext(ctx, sub.runID, func(msg *sse.Event) {
		if msg == nil || len(msg.Data) == 0 {
			return
		}
		ev, err := events.Decode(string(msg.Event), msg.Data)
		if err != nil {
			s.logger.Debug("dropping malformed stream event", "run_id", sub.runID, "event", string(msg.Event), "error", err)
			return
		}
		s.metrics.StreamEvent(ctx, string(ev.Kind()))
		sub.deliver(ev, false)
	})
	if sub.closed.Load() {
		return
	}
	if err != nil {
		s.logger.Debug("stream ended", "run_id", sub.runID, "error", err)
	}
	sub.lost()
}

// lost reports the first failure of an outage to the handler.
func (sub *subscription) lost() {
	sub.deliver(events.ConnectionLost(sub.runID, sub.owner.now()), true)
}

func (sub *subscription) deliver(ev events.Event, outage bool) {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()
	if sub.closed.Load() {
		return
	}
	if outage {
		if sub.outage {
			return
		}
		sub.outage = true
	} else {
		sub.outage = false
	}
	sub.inHandler.Store(true)
	defer sub.inHandler.Store(false)
	sub.handler(ev)
}
