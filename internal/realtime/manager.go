package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"harborchat/internal/observability/metrics"
)

// HandlerFunc receives events matching a subscription's spec. Handlers run on
// the subscription's delivery goroutine; a panicking handler is recovered and
// logged without tearing the subscription down.
type HandlerFunc func(event Event)

// EventSpec narrows a subscription to the events it cares about. Zero-valued
// fields match everything: an empty Kind matches any kind, an empty
// Schema/Table matches any insert source.
type EventSpec struct {
	Kind   EventKind
	Schema string
	Table  string
}

func (s EventSpec) matches(event Event) bool {
	if s.Kind != "" && event.Kind != s.Kind {
		return false
	}
	if event.Kind == EventKindInsert && event.Insert != nil {
		if s.Schema != "" && event.Insert.Schema != s.Schema {
			return false
		}
		if s.Table != "" && event.Insert.Table != s.Table {
			return false
		}
	}
	return true
}

// ManagerConfig configures a subscription manager.
type ManagerConfig struct {
	Broker  Broker
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Manager opens filtered subscriptions against a broker and owns their
// teardown. Every Subscribe returns a Handle whose Unsubscribe is safe to
// call any number of times from any goroutine.
type Manager struct {
	broker  Broker
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// NewManager constructs a manager over the given broker.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Manager{
		broker:  cfg.Broker,
		logger:  logger,
		metrics: recorder,
		handles: make(map[*Handle]struct{}),
	}, nil
}

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("realtime manager closed")

// Subscribe opens a subscription on the named channel and delivers matching
// events to handler until the returned handle is unsubscribed. Malformed
// events are counted and logged but never delivered.
func (m *Manager) Subscribe(ctx context.Context, channel string, spec EventSpec, handler HandlerFunc) (*Handle, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.mu.Unlock()

	sub, err := m.broker.Channel(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("open channel %s: %w", channel, err)
	}
	handle := &Handle{
		manager: m,
		sub:     sub,
		channel: channel,
		done:    make(chan struct{}),
	}

	go m.deliver(handle, spec, handler)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		handle.Unsubscribe()
		return nil, ErrManagerClosed
	}
	m.handles[handle] = struct{}{}
	m.mu.Unlock()
	m.metrics.SubscriptionOpened()
	return handle, nil
}

func (m *Manager) deliver(handle *Handle, spec EventSpec, handler HandlerFunc) {
	defer close(handle.done)
	for event := range handle.sub.Events() {
		if event.Kind == EventKindMalformed {
			m.metrics.ObserveRealtimeEvent("malformed")
			m.logger.Warn("dropping malformed realtime event",
				"channel", handle.channel, "bytes", len(event.Raw))
			continue
		}
		if !spec.matches(event) {
			continue
		}
		m.metrics.ObserveRealtimeEvent(string(event.Kind))
		m.invoke(handle.channel, handler, event)
	}
}

func (m *Manager) invoke(channel string, handler HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime handler panicked",
				"channel", channel, "kind", event.Kind, "panic", r)
		}
	}()
	handler(event)
}

// Close unsubscribes every open handle and rejects further Subscribe calls.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for handle := range m.handles {
		handles = append(handles, handle)
	}
	m.mu.Unlock()
	for _, handle := range handles {
		handle.Unsubscribe()
	}
	return nil
}

// Handle represents one live subscription. The zero value is not usable;
// handles come from Manager.Subscribe.
type Handle struct {
	manager *Manager
	sub     Subscription
	channel string
	done    chan struct{}
	once    sync.Once
}

// Channel reports the channel name the handle is subscribed to.
func (h *Handle) Channel() string {
	return h.channel
}

// Unsubscribe tears the subscription down and waits for in-flight handler
// calls to finish. Calling it again, from any goroutine, is a no-op.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.sub.Close()
		<-h.done
		h.manager.mu.Lock()
		delete(h.manager.handles, h)
		h.manager.mu.Unlock()
		h.manager.metrics.SubscriptionClosed()
	})
}

// Done is closed once the delivery loop has exited. Useful in tests.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}
