package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrBrokerClosed is returned by broker operations after Close.
var ErrBrokerClosed = errors.New("realtime broker closed")

const defaultSubscriptionBuffer = 64

// Subscription is a live feed of events from a single channel. Close is
// idempotent and drains the feed.
type Subscription interface {
	// Events yields decoded events until the subscription closes. The
	// channel is closed after Close or broker shutdown.
	Events() <-chan Event
	// Close tears the subscription down. Safe to call more than once.
	Close() error
}

// Broker fans events out to channel subscribers. Implementations deliver
// each published event to every subscription open on the channel at publish
// time; there is no replay for late subscribers.
type Broker interface {
	// Channel opens a subscription on the named channel.
	Channel(ctx context.Context, name string) (Subscription, error)
	// Publish delivers an event to the named channel's subscribers.
	Publish(ctx context.Context, name string, event Event) error
	// Close releases broker resources and closes open subscriptions.
	Close() error
}

// PresenceBroker extends Broker with peer liveness on presence channels.
// Track announces a peer, Untrack withdraws it, and PresenceSnapshot reports
// the authoritative roster at call time.
type PresenceBroker interface {
	Broker

	Track(ctx context.Context, channel, peer string) error
	Untrack(ctx context.Context, channel, peer string) error
	PresenceSnapshot(ctx context.Context, channel string) ([]string, error)
}

// MemoryBroker is an in-process PresenceBroker for single-node deployments
// and tests. Delivery is best effort: a subscriber whose buffer is full
// drops the event rather than blocking publishers.
type MemoryBroker struct {
	mu       sync.Mutex
	channels map[string]map[*memorySubscription]struct{}
	presence map[string]map[string]struct{}
	closed   bool
}

// NewMemoryBroker constructs an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		channels: make(map[string]map[*memorySubscription]struct{}),
		presence: make(map[string]map[string]struct{}),
	}
}

// Channel opens a buffered subscription on the named channel.
func (b *MemoryBroker) Channel(ctx context.Context, name string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("channel name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	sub := &memorySubscription{
		broker:  b,
		channel: name,
		events:  make(chan Event, defaultSubscriptionBuffer),
	}
	subs, ok := b.channels[name]
	if !ok {
		subs = make(map[*memorySubscription]struct{})
		b.channels[name] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers the event to current subscribers of the channel.
func (b *MemoryBroker) Publish(ctx context.Context, name string, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.channels[name] {
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

// Track marks the peer online on the channel and broadcasts a join event.
func (b *MemoryBroker) Track(ctx context.Context, channel, peer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	peers, ok := b.presence[channel]
	if !ok {
		peers = make(map[string]struct{})
		b.presence[channel] = peers
	}
	_, known := peers[peer]
	peers[peer] = struct{}{}
	b.mu.Unlock()
	if known {
		return nil
	}
	return b.Publish(ctx, channel, Event{
		Kind:     EventKindPresence,
		Presence: &PresenceEvent{Type: PresenceJoin, Peer: peer},
	})
}

// Untrack withdraws the peer from the channel and broadcasts a leave event.
func (b *MemoryBroker) Untrack(ctx context.Context, channel, peer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	peers := b.presence[channel]
	_, known := peers[peer]
	delete(peers, peer)
	b.mu.Unlock()
	if !known {
		return nil
	}
	return b.Publish(ctx, channel, Event{
		Kind:     EventKindPresence,
		Presence: &PresenceEvent{Type: PresenceLeave, Peer: peer},
	})
}

// PresenceSnapshot reports the peers currently tracked on the channel.
func (b *MemoryBroker) PresenceSnapshot(ctx context.Context, channel string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	peers := make([]string, 0, len(b.presence[channel]))
	for peer := range b.presence[channel] {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers, nil
}

// Close shuts the broker down and closes every open subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.channels {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	b.channels = make(map[string]map[*memorySubscription]struct{})
	b.presence = make(map[string]map[string]struct{})
	return nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	events  chan Event
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if subs, ok := s.broker.channels[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.broker.channels, s.channel)
		}
	}
	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	s.once.Do(func() {
		close(s.events)
	})
}
