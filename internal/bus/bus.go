// Package bus provides the in-process publish/subscribe and
// request/response transport all core components communicate over.
// Channels are named destinations; delivery is at-least-once per
// subscriber and preserves per-sender send order.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivecore/hive/internal/fault"
	"github.com/hivecore/hive/pkg/models"
)

// Handler is invoked once per delivered message. Handlers for one
// subscriber run sequentially in delivery order.
type Handler func(msg models.Message)

// ChannelLog records every publish before delivery is attempted, so a
// delivery failure can never hide that the send occurred. Backed by the
// state store in production.
type ChannelLog interface {
	AppendMessage(channel string, msg models.Message) error
}

// NopLog discards channel log entries. Used in tests and tooling that
// runs without a state store.
type NopLog struct{}

// AppendMessage implements ChannelLog.
func (NopLog) AppendMessage(string, models.Message) error { return nil }

// Bus routes messages between components. The channel registry is
// add/remove only: subscribe and unsubscribe are idempotent set
// operations keyed by subscriber ID.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscriber
	log  ChannelLog

	closed   bool
	debugLog func(format string, args ...interface{})
}

// New creates a bus that appends every publish to log before delivery.
func New(log ChannelLog) *Bus {
	if log == nil {
		log = NopLog{}
	}
	return &Bus{
		subs:     make(map[string]map[string]*subscriber),
		log:      log,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (b *Bus) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		b.debugLog = fn
	}
}

// subscriber owns an unbounded ordered queue drained by a single pump
// goroutine, so enqueue order equals handler invocation order and
// Publish never blocks on a slow handler.
type subscriber struct {
	id      string
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []models.Message
	stopped bool
}

func newSubscriber(id string, handler Handler) *subscriber {
	s := &subscriber{id: id, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) enqueue(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(msg)
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Subscription identifies one subscriber registration on one channel.
type Subscription struct {
	bus          *Bus
	Channel      string
	SubscriberID string
}

// Unsubscribe removes the registration. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.Channel, s.SubscriberID)
}

// Subscribe registers handler for channel under subscriberID. Subscribing
// the same subscriber ID to the same channel twice replaces nothing and
// creates no duplicate delivery: the existing registration wins.
func (b *Bus) Subscribe(channel, subscriberID string, handler Handler) (*Subscription, error) {
	if channel == "" {
		return nil, fault.Validation("channel", "must not be empty")
	}
	if handler == nil {
		return nil, fault.Validation("handler", "must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fault.Communication("subscribe on closed bus", nil)
	}

	chanSubs, ok := b.subs[channel]
	if !ok {
		chanSubs = make(map[string]*subscriber)
		b.subs[channel] = chanSubs
	}
	if _, exists := chanSubs[subscriberID]; !exists {
		chanSubs[subscriberID] = newSubscriber(subscriberID, handler)
		b.debugLog("[bus] subscribed %s to %s", subscriberID, channel)
	}
	return &Subscription{bus: b, Channel: channel, SubscriberID: subscriberID}, nil
}

func (b *Bus) unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chanSubs, ok := b.subs[channel]
	if !ok {
		return
	}
	sub, ok := chanSubs[subscriberID]
	if !ok {
		return
	}
	delete(chanSubs, subscriberID)
	if len(chanSubs) == 0 {
		delete(b.subs, channel)
	}
	sub.stop()
	b.debugLog("[bus] unsubscribed %s from %s", subscriberID, channel)
}

// Publish appends msg to the channel log, then delivers it to every
// current subscriber of channel. The log append happens before any
// delivery attempt; if it fails the publish fails as a communication
// error and nothing is delivered.
func (b *Bus) Publish(channel string, msg models.Message) error {
	if channel == "" {
		return fault.Validation("channel", "must not be empty")
	}
	if !msg.Type.Valid() {
		return fault.Validation("type", fmt.Sprintf("unknown message type %q", msg.Type))
	}

	if err := b.log.AppendMessage(channel, msg); err != nil {
		return fault.Communication(fmt.Sprintf("append to channel log for %s", channel), err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fault.Communication("publish on closed bus", nil)
	}
	targets := make([]*subscriber, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(msg)
	}
	b.debugLog("[bus] published %s message %s to %s (%d subscribers)", msg.Type, msg.ID, channel, len(targets))
	return nil
}

// PublishRetry publishes with capped exponential backoff. It gives up
// after policy.MaxAttempts and returns the final communication error.
func (b *Bus) PublishRetry(ctx context.Context, channel string, msg models.Message, policy Backoff) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fault.Communication("publish retry cancelled", ctx.Err())
			case <-time.After(policy.Delay(attempt)):
			}
		}
		if err := b.Publish(channel, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fault.Communication(fmt.Sprintf("publish to %s failed after %d attempts", channel, policy.MaxAttempts), lastErr)
}

// Request publishes msg with an embedded unique reply channel and waits
// for exactly one reply. The first reply wins; later replies are dropped.
// Returns an operation timeout fault if nothing arrives within timeout.
func (b *Bus) Request(ctx context.Context, channel string, msg models.Message, timeout time.Duration) (models.Message, error) {
	replyChannel := "reply." + uuid.New().String()
	msg.ReplyChannel = replyChannel

	replies := make(chan models.Message, 1)
	sub, err := b.Subscribe(replyChannel, "requester."+msg.ID, func(reply models.Message) {
		select {
		case replies <- reply:
		default:
			// First reply already captured; drop the rest.
		}
	})
	if err != nil {
		return models.Message{}, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(channel, msg); err != nil {
		return models.Message{}, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return models.Message{}, fault.Communication("request cancelled", ctx.Err())
	case <-time.After(timeout):
		return models.Message{}, fault.Timeout(fmt.Sprintf("no reply on %s within %v", channel, timeout))
	}
}

// Close stops all subscriber pumps. Publishing after Close fails.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for channel, chanSubs := range b.subs {
		for _, sub := range chanSubs {
			sub.stop()
		}
		delete(b.subs, channel)
	}
}
