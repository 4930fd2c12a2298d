// Package bus provides event bus implementations for FraudWatch.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// ChannelBus implements EventBus with in-process Go channels.
// Used as the Community tier event bus.
//
// Delivery is at-most-once: a subscriber whose buffer is full misses the
// message, and the drop is counted.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]*topicSubs
	closed     bool
	dropped    atomic.Int64
}

// topicSubs holds the fan-out subscribers and queue groups of one topic.
type topicSubs struct {
	fanout []*channelSubscription
	groups map[string]*queueGroup
}

type queueGroup struct {
	members []*channelSubscription
	next    atomic.Uint64
}

type channelSubscription struct {
	id      string
	topic   string
	queue   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
	once    sync.Once
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]*topicSubs),
	}
}

// Publish delivers payload to every fan-out subscriber of topic and to one
// member of each queue group. It never blocks on slow subscribers.
func (b *ChannelBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	subs, ok := b.topics[topic]
	if !ok {
		return nil
	}

	msg := newMessage(topic, payload)
	for _, sub := range subs.fanout {
		b.offer(sub, msg)
	}
	for _, g := range subs.groups {
		if len(g.members) == 0 {
			continue
		}
		i := g.next.Add(1) - 1
		b.offer(g.members[i%uint64(len(g.members))], msg)
	}
	return nil
}

func (b *ChannelBus) offer(sub *channelSubscription, msg *domain.Message) {
	select {
	case sub.inbox <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("event dropped, subscriber buffer full",
			"topic", msg.Topic,
			"subscription_id", sub.id,
		)
	}
}

// Subscribe registers a fan-out handler for topic.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, topic, "", handler)
}

// QueueSubscribe registers handler as a member of the named queue group.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	return b.subscribe(ctx, topic, queue, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		queue:   queue,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		done:    make(chan struct{}),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}

	subs, ok := b.topics[topic]
	if !ok {
		subs = &topicSubs{groups: make(map[string]*queueGroup)}
		b.topics[topic] = subs
	}
	if queue == "" {
		subs.fanout = append(subs.fanout, sub)
	} else {
		g, ok := subs.groups[queue]
		if !ok {
			g = &queueGroup{}
			subs.groups[queue] = g
		}
		g.members = append(g.members, sub)
	}

	go sub.run()
	return sub, nil
}

// run drains the inbox until the subscription is cancelled.
func (s *channelSubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("event handler failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Dropped returns the number of messages dropped on full buffers.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

// Ping checks bus health.
func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close cancels every subscription and waits for in-flight handlers.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var all []*channelSubscription
	for _, subs := range b.topics {
		all = append(all, subs.fanout...)
		for _, g := range subs.groups {
			all = append(all, g.members...)
		}
	}
	b.topics = make(map[string]*topicSubs)
	b.mu.Unlock()

	for _, sub := range all {
		sub.cancel()
		<-sub.done
	}
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	if sub.queue == "" {
		subs.fanout = without(subs.fanout, sub)
		return
	}
	if g, ok := subs.groups[sub.queue]; ok {
		g.members = without(g.members, sub)
		if len(g.members) == 0 {
			delete(subs.groups, sub.queue)
		}
	}
}

func without(list []*channelSubscription, sub *channelSubscription) []*channelSubscription {
	out := make([]*channelSubscription, 0, len(list))
	for _, s := range list {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

// Unsubscribe detaches the subscription and waits for its handler to return.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.remove(s)
		s.cancel()
		<-s.done
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
