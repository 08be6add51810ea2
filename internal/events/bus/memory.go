package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

// MemoryEventBus implements EventBus in process. Delivery is synchronous:
// Publish invokes every matching handler on the calling goroutine, in
// subscription order, so subscribers observe events in the exact order they
// were emitted. Handlers must not publish back into the bus from within a
// handler call while holding their own locks on the publish path.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription // insertion order, defines delivery order
	queues map[string]*queueGroup
	logger *logger.Logger
	closed bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil when the subject has no wildcards
	handler EventHandler
	queue   string // empty for regular subscriptions
	mu      sync.Mutex
	active  bool
}

// queueGroup load-balances delivery among queue subscribers.
type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish delivers the event to all matching subscribers before returning.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	// Snapshot so handlers can subscribe/unsubscribe without deadlocking.
	matched := make([]*memorySubscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.IsValid() && matches(subject, sub.subject, sub.pattern) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	deliveredQueues := make(map[string]bool)
	for _, sub := range matched {
		if sub.queue != "" {
			queueKey := sub.queue + ":" + sub.subject
			if !deliveredQueues[queueKey] {
				deliveredQueues[queueKey] = true
				b.publishToQueue(ctx, queueKey, subject, event)
			}
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe creates a queue subscription. Each event is delivered to
// one subscriber in the group, round-robin.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		queueKey := queue + ":" + subject
		qg, ok := b.queues[queueKey]
		if !ok {
			qg = &queueGroup{}
			b.queues[queueKey] = qg
		}
		qg.subscribers = append(qg.subscribers, sub)
	}

	b.logger.Debug("Subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Request implements a simple request-reply on top of Publish using a
// per-request inbox subject.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates all subscriptions and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// publishToQueue delivers to one active subscriber in the group, round-robin.
func (b *MemoryEventBus) publishToQueue(ctx context.Context, queueKey, subject string, event *Event) {
	b.mu.RLock()
	qg, ok := b.queues[queueKey]
	b.mu.RUnlock()
	if !ok {
		return
	}

	qg.mu.Lock()
	var target *memorySubscription
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (qg.nextIndex + i) % len(qg.subscribers)
		if qg.subscribers[idx].IsValid() {
			target = qg.subscribers[idx]
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			break
		}
	}
	qg.mu.Unlock()

	if target == nil {
		return
	}
	if err := target.handler(ctx, event); err != nil {
		b.logger.Error("Queue handler error",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}

	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches checks if a subject matches a pattern with NATS-style wildcards.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp. Returns nil for
// literal subjects.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
