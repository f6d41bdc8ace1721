// Package bus provides the inter-agent message fabric: push subscriptions
// with per-recipient ordering, a pull-style priority channel, and
// request/response correlation with deadlines.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshwork-ai/swarmd/internal/otel"
)

const (
	// Broadcast addresses a message to every subscriber.
	Broadcast = "*"

	defaultHistorySize = 100
)

// Kind identifies the kind of inter-agent message.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindBroadcast Kind = "broadcast"
	KindAlert     Kind = "alert"
	KindUpdate    Kind = "update"
)

func (k Kind) valid() bool {
	switch k {
	case KindRequest, KindResponse, KindBroadcast, KindAlert, KindUpdate:
		return true
	}
	return false
}

// Priority orders messages on the pull channel: critical > high > medium > low.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) valid() bool { return p >= PriorityCritical && p <= PriorityLow }

// Message is a communication unit between agents. Immutable once published.
type Message struct {
	ID               string
	From             string
	To               string // agent id or Broadcast
	Kind             Kind
	Priority         Priority
	Payload          any
	Timestamp        time.Time
	RequiresResponse bool
	Deadline         time.Time // zero means no deadline
	CorrelationIDs   []string  // for responses: the request ids being answered
}

// Handler processes messages pushed to a subscription. Handlers for one
// subscription run sequentially in publish order; distinct subscriptions
// run concurrently.
type Handler func(ctx context.Context, msg Message)

// Validation and delivery errors.
var (
	ErrMissingFrom  = errors.New("bus: message missing from")
	ErrMissingTo    = errors.New("bus: message missing to")
	ErrInvalidKind  = errors.New("bus: invalid message kind")
	ErrPastDeadline = errors.New("bus: message deadline already elapsed")
	ErrTimeout      = errors.New("bus: request timed out")
	ErrClosed       = errors.New("bus: closed")
)

// Health is the liveness report for the bus.
type Health struct {
	Status      string // "healthy", "degraded", "unhealthy"
	Backlog     int    // undelivered push messages across all subscriptions
	Pending     int    // messages waiting on the priority channel
	Subscribers int
	Published   uint64
	Latency     time.Duration // publish-to-handler delay of the latest push delivery
}

// Delivery thresholds for the health classification.
const (
	backlogDegraded  = 200
	backlogUnhealthy = 1000
	latencyDegraded  = time.Second
	latencyUnhealthy = 5 * time.Second
)

// Bus delivers Messages with priority ordering, at-least-once push delivery,
// and optional synchronous request/response.
type Bus struct {
	logger  *slog.Logger
	metrics *otel.Metrics

	lastLatency atomic.Int64 // nanoseconds, latest push delivery

	mu        sync.RWMutex
	subs      map[int]*subscriber
	nextSubID int
	history   map[string][]Message // per-recipient, bounded ring
	waiters   map[string]chan Message
	published uint64
	closed    bool

	pq *priorityQueue
}

// New creates a Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:  logger,
		subs:    make(map[int]*subscriber),
		history: make(map[string][]Message),
		waiters: make(map[string]chan Message),
		pq:      newPriorityQueue(),
	}
}

// Instrument attaches metric instruments to the bus. Call once at wiring
// time, before traffic flows.
func (b *Bus) Instrument(m *otel.Metrics) { b.metrics = m }

// Publish validates and stamps the message, appends it to the recipient's
// history, resolves any pending request waiter, and delivers it to matching
// subscriptions. Handler failures are isolated from each other and from the
// publisher; Publish never blocks on a slow consumer.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if err := b.validate(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = time.Now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published++
	b.appendHistoryLocked(msg)

	// A response resolves at most one waiter per correlated request;
	// the waiter slot is consumed so later responses are discarded.
	if msg.Kind == KindResponse {
		for _, cid := range msg.CorrelationIDs {
			if ch, ok := b.waiters[cid]; ok {
				delete(b.waiters, cid)
				ch <- msg // buffered, never blocks
			}
		}
	}

	var targets []*subscriber
	for _, sub := range b.subs {
		if sub.matches(msg.To) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(msg)
	}
	if b.metrics != nil {
		b.metrics.MessagesPublished.Add(ctx, 1, otel.WithKind(string(msg.Kind)))
	}
	return nil
}

// Request publishes the message with RequiresResponse set and blocks until
// the first correlated response arrives, the timeout elapses, or ctx is
// canceled. A response arriving after the timeout is discarded, never
// delivered to the caller.
func (b *Bus) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	msg.RequiresResponse = true
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Deadline.IsZero() && timeout > 0 {
		msg.Deadline = time.Now().Add(timeout)
	}

	ch := make(chan Message, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}
	b.waiters[msg.ID] = ch
	b.mu.Unlock()

	if err := b.Publish(ctx, msg); err != nil {
		b.removeWaiter(msg.ID)
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		b.removeWaiter(msg.ID)
		if b.metrics != nil {
			b.metrics.RequestTimeouts.Add(ctx, 1)
		}
		return Message{}, fmt.Errorf("request %s to %s: %w", msg.ID, msg.To, ErrTimeout)
	case <-ctx.Done():
		b.removeWaiter(msg.ID)
		return Message{}, ctx.Err()
	}
}

// Respond publishes a response correlated to the given request.
func (b *Bus) Respond(ctx context.Context, req Message, from string, payload any) error {
	return b.Publish(ctx, Message{
		From:           from,
		To:             req.From,
		Kind:           KindResponse,
		Priority:       req.Priority,
		Payload:        payload,
		CorrelationIDs: []string{req.ID},
	})
}

// Subscribe registers a handler for messages addressed to target (an agent
// id, or Broadcast for a wildcard receiving everything). Many handlers per
// target are allowed. The returned function removes the subscription.
func (b *Bus) Subscribe(target string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := newSubscriber(b.nextSubID, target, handler, b.logger, b.noteLatency)
	b.subs[sub.id] = sub

	id := sub.id
	return func() {
		b.mu.Lock()
		s, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if ok {
			s.stop()
		}
	}
}

// EnqueuePriority places a message on the pull-style priority channel.
func (b *Bus) EnqueuePriority(msg Message) error {
	if err := b.validate(msg); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = time.Now()
	b.pq.enqueue(msg)
	if b.metrics != nil {
		b.metrics.PriorityDepth.Add(context.Background(), 1)
	}
	return nil
}

// DrainPriority removes up to n messages for the agent, highest priority
// first, FIFO within a priority class.
func (b *Bus) DrainPriority(agentID string, n int) []Message {
	msgs := b.pq.drain(agentID, n)
	if b.metrics != nil && len(msgs) > 0 {
		b.metrics.PriorityDepth.Add(context.Background(), -int64(len(msgs)))
	}
	return msgs
}

// History returns the most recent messages addressed to the agent, oldest
// first, up to limit.
func (b *Bus) History(agentID string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history[agentID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

// HealthCheck reports bus liveness from backlog and delivery-latency
// thresholds.
func (b *Bus) HealthCheck() Health {
	b.mu.RLock()
	backlog := 0
	for _, sub := range b.subs {
		backlog += sub.backlog()
	}
	h := Health{
		Backlog:     backlog,
		Pending:     b.pq.depth(),
		Subscribers: len(b.subs),
		Published:   b.published,
		Latency:     time.Duration(b.lastLatency.Load()),
	}
	b.mu.RUnlock()

	h.Status = healthStatus(h.Backlog, h.Pending, h.Latency)
	return h
}

func healthStatus(backlog, pending int, latency time.Duration) string {
	switch {
	case backlog >= backlogUnhealthy || pending >= backlogUnhealthy || latency >= latencyUnhealthy:
		return "unhealthy"
	case backlog >= backlogDegraded || pending >= backlogDegraded || latency >= latencyDegraded:
		return "degraded"
	default:
		return "healthy"
	}
}

// Close stops all subscriptions. Later publishes fail with ErrClosed;
// messages already handed to subscribers drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) validate(msg Message) error {
	if msg.From == "" {
		return ErrMissingFrom
	}
	if msg.To == "" {
		return ErrMissingTo
	}
	if !msg.Kind.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, msg.Kind)
	}
	if !msg.Priority.valid() {
		return fmt.Errorf("bus: invalid priority %d", msg.Priority)
	}
	if !msg.Deadline.IsZero() && !msg.Deadline.After(time.Now()) {
		return ErrPastDeadline
	}
	return nil
}

func (b *Bus) appendHistoryLocked(msg Message) {
	h := append(b.history[msg.To], msg)
	if len(h) > defaultHistorySize {
		h = h[len(h)-defaultHistorySize:]
	}
	b.history[msg.To] = h
}

func (b *Bus) removeWaiter(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}

// noteLatency samples the publish-to-handler delay of one push delivery.
func (b *Bus) noteLatency(d time.Duration) {
	b.lastLatency.Store(int64(d))
}

// subscriber runs one handler on its own goroutine. Messages queue without
// bound so publishers never block; the goroutine drains in publish order.
type subscriber struct {
	id      int
	target  string
	handler Handler
	logger  *slog.Logger
	observe func(time.Duration) // delivery latency sample

	mu    sync.Mutex
	queue []Message
	wake  chan struct{}
	done  chan struct{}
}

func newSubscriber(id int, target string, handler Handler, logger *slog.Logger, observe func(time.Duration)) *subscriber {
	s := &subscriber{
		id:      id,
		target:  target,
		handler: handler,
		logger:  logger,
		observe: observe,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) matches(to string) bool {
	return s.target == Broadcast || s.target == to || to == Broadcast
}

func (s *subscriber) enqueue(msg Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *subscriber) stop() { close(s.done) }

func (s *subscriber) run() {
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.invoke(ctx, msg)
		}
	}
}

// invoke isolates handler panics so one failing handler never affects
// other subscribers or the publisher.
func (s *subscriber) invoke(ctx context.Context, msg Message) {
	if s.observe != nil && !msg.Timestamp.IsZero() {
		s.observe(time.Since(msg.Timestamp))
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bus: handler panicked",
				"target", s.target,
				"message_id", msg.ID,
				"panic", r,
			)
		}
	}()
	s.handler(ctx, msg)
}
