// Package broker fans deployment log events out to subscribers and retains a
// bounded history per topic so late subscribers can catch up.
package broker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// TopicAll receives every log event regardless of deployment.
const TopicAll = "all"

// DefaultHistorySize is how many events each topic retains for replay.
const DefaultHistorySize = 100

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind is dropped rather than allowed to stall publishing.
const subscriberBuffer = 256

// Subscription is a live feed of log events for one topic. The channel is
// pre-seeded with the topic's retained history in emission order.
type Subscription struct {
	ID     string
	Topic  string
	events chan *v1.LogEvent
	broker *Broker
}

// Events returns the channel log events are delivered on. The channel closes
// when the subscription is cancelled or the subscriber is dropped.
func (s *Subscription) Events() <-chan *v1.LogEvent {
	return s.events
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.broker.unsubscribe(s)
}

type topic struct {
	history     *ring
	subscribers map[string]*Subscription
}

// Broker routes log events from supervised processes to subscribers. Every
// event is published both to its deployment topic and to TopicAll, in the
// order lines were read from the process.
type Broker struct {
	topics      map[string]*topic
	historySize int
	mu          sync.Mutex
	logger      *logger.Logger
}

// New creates a broker with the default per-topic history size.
func New(log *logger.Logger) *Broker {
	return NewWithHistory(DefaultHistorySize, log)
}

// NewWithHistory creates a broker retaining historySize events per topic.
func NewWithHistory(historySize int, log *logger.Logger) *Broker {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Broker{
		topics:      make(map[string]*topic),
		historySize: historySize,
		logger:      log.WithFields(zap.String("component", "log-broker")),
	}
}

// Publish records an event and delivers it to the deployment's subscribers
// and to TopicAll subscribers. Events from one deployment arrive at every
// subscriber in publish order.
func (b *Broker) Publish(event *v1.LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.publishLocked(event.DeploymentID, event)
	b.publishLocked(TopicAll, event)
}

func (b *Broker) publishLocked(name string, event *v1.LogEvent) {
	t := b.topicLocked(name)
	t.history.push(event)

	for id, sub := range t.subscribers {
		select {
		case sub.events <- event:
		default:
			// Subscriber is not draining its channel. Drop it so one slow
			// consumer cannot block the others.
			delete(t.subscribers, id)
			close(sub.events)
			b.logger.Warn("Dropped slow log subscriber",
				zap.String("subscriber_id", id),
				zap.String("topic", name))
		}
	}
}

// Subscribe attaches a subscriber to a topic. The returned subscription's
// channel already holds the topic's retained history, oldest first; events
// published after the call follow in order.
func (b *Broker) Subscribe(topicName, subscriberID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(topicName)

	// A re-subscribe under the same ID replaces the old feed.
	if old, ok := t.subscribers[subscriberID]; ok {
		delete(t.subscribers, subscriberID)
		close(old.events)
	}

	sub := &Subscription{
		ID:     subscriberID,
		Topic:  topicName,
		events: make(chan *v1.LogEvent, subscriberBuffer+b.historySize),
		broker: b,
	}

	for _, event := range t.history.snapshot() {
		sub.events <- event
	}

	t.subscribers[subscriberID] = sub

	b.logger.Debug("Log subscriber attached",
		zap.String("subscriber_id", subscriberID),
		zap.String("topic", topicName))
	return sub
}

// History returns the retained events for a topic, oldest first.
func (b *Broker) History(topicName string) []*v1.LogEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topicLocked(topicName).history.snapshot()
}

// SubscriberCount returns how many subscribers a topic has.
func (b *Broker) SubscriberCount(topicName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return 0
	}
	return len(t.subscribers)
}

// DropTopic discards a topic's history and closes its subscribers. Called
// when a deployment is torn down and its logs are no longer reachable.
func (b *Broker) DropTopic(topicName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		return
	}
	for id, sub := range t.subscribers {
		delete(t.subscribers, id)
		close(sub.events)
	}
	delete(b.topics, topicName)
}

func (b *Broker) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[s.Topic]
	if !ok {
		return
	}
	if current, ok := t.subscribers[s.ID]; ok && current == s {
		delete(t.subscribers, s.ID)
		close(s.events)
	}
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			history:     newRing(b.historySize),
			subscribers: make(map[string]*Subscription),
		}
		b.topics[name] = t
	}
	return t
}
