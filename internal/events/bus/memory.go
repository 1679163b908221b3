package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// MemoryEventBus implements EventBus using in-process delivery. It is the
// default bus when no NATS URL is configured.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // For wildcard matching
	handler EventHandler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish sends an event to all matching subscribers. Handlers run in their
// own goroutines so a slow handler cannot stall the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()

			if !active {
				continue
			}

			if !matches(subject, pattern, sub.pattern) {
				continue
			}

			go func(s *memorySubscription, e *Event) {
				if err := s.handler(ctx, e); err != nil {
					b.logger.Error("Event handler error",
						zap.String("subject", subject),
						zap.Error(err))
				}
			}(sub, event)
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
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
		active:  true,
	}

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}

	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true (always connected for in-memory)
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (multiple tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}

	if regex != nil {
		return regex.MatchString(subject)
	}

	return false
}

// compilePattern converts a NATS-style pattern to a regex
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}

	return regex
}
