package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"harborchat/internal/observability/metrics"
)

// DefaultPresenceChannel is the shared roster channel every signed-in user
// joins.
const DefaultPresenceChannel = "online-users"

// PresenceTrackerConfig configures a presence tracker.
type PresenceTrackerConfig struct {
	Broker  PresenceBroker
	Manager *Manager
	// Channel defaults to DefaultPresenceChannel.
	Channel string
	// SelfID is the peer identity announced on Start.
	SelfID string
	// Heartbeat is the re-announcement interval that keeps the peer's
	// liveness key alive. Defaults to 30 seconds.
	Heartbeat time.Duration
	// OnChange, when set, is called after every roster mutation with the
	// updated online set.
	OnChange func(online []string)
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// PresenceTracker maintains the online-user roster for one signed-in user.
// Start announces the user and seeds the roster from the broker's snapshot;
// join and leave events mutate it incrementally, and sync events replace it
// wholesale. Stop withdraws the user and tears the subscription down.
type PresenceTracker struct {
	broker    PresenceBroker
	manager   *Manager
	channel   string
	selfID    string
	heartbeat time.Duration
	onChange  func([]string)
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu      sync.Mutex
	online  map[string]struct{}
	handle  *Handle
	stop    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewPresenceTracker constructs a tracker. Start must be called before the
// roster is live.
func NewPresenceTracker(cfg PresenceTrackerConfig) (*PresenceTracker, error) {
	if cfg.Broker == nil {
		return nil, errors.New("presence broker is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("self id is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultPresenceChannel
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &PresenceTracker{
		broker:    cfg.Broker,
		manager:   cfg.Manager,
		channel:   channel,
		selfID:    cfg.SelfID,
		heartbeat: heartbeat,
		onChange:  cfg.OnChange,
		logger:    logger,
		metrics:   recorder,
		online:    make(map[string]struct{}),
	}, nil
}

// Start subscribes to the presence channel, announces the user, and seeds
// the roster from the broker snapshot. Calling Start on a started tracker
// returns an error.
func (t *PresenceTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("presence tracker already started")
	}
	t.started = true
	t.stop = make(chan struct{})
	t.mu.Unlock()

	handle, err := t.manager.Subscribe(ctx, t.channel, EventSpec{Kind: EventKindPresence}, t.onEvent)
	if err != nil {
		t.reset()
		return fmt.Errorf("presence subscribe: %w", err)
	}
	if err := t.broker.Track(ctx, t.channel, t.selfID); err != nil {
		handle.Unsubscribe()
		t.reset()
		return fmt.Errorf("presence announce: %w", err)
	}
	peers, err := t.broker.PresenceSnapshot(ctx, t.channel)
	if err != nil {
		t.logger.Warn("presence snapshot failed, roster converges via events", "error", err)
	} else {
		t.applySync(peers)
	}

	t.mu.Lock()
	t.handle = handle
	stop := t.stop
	t.mu.Unlock()

	t.wg.Add(1)
	go t.heartbeatLoop(stop)
	return nil
}

func (t *PresenceTracker) reset() {
	t.mu.Lock()
	t.started = false
	t.handle = nil
	t.stop = nil
	t.mu.Unlock()
}

func (t *PresenceTracker) heartbeatLoop(stop <-chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.broker.Track(ctx, t.channel, t.selfID); err != nil {
				t.logger.Warn("presence heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

func (t *PresenceTracker) onEvent(event Event) {
	if event.Presence == nil {
		return
	}
	switch event.Presence.Type {
	case PresenceSync:
		t.metrics.ObservePresenceEvent("sync")
		t.applySync(event.Presence.Peers)
	case PresenceJoin:
		t.metrics.ObservePresenceEvent("join")
		t.mu.Lock()
		_, known := t.online[event.Presence.Peer]
		t.online[event.Presence.Peer] = struct{}{}
		t.mu.Unlock()
		if !known {
			t.notify()
		}
	case PresenceLeave:
		t.metrics.ObservePresenceEvent("leave")
		t.mu.Lock()
		_, known := t.online[event.Presence.Peer]
		delete(t.online, event.Presence.Peer)
		t.mu.Unlock()
		if known {
			t.notify()
		}
	}
}

// applySync replaces the roster with the authoritative peer list.
func (t *PresenceTracker) applySync(peers []string) {
	next := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		if peer != "" {
			next[peer] = struct{}{}
		}
	}
	t.mu.Lock()
	t.online = next
	t.mu.Unlock()
	t.notify()
}

func (t *PresenceTracker) notify() {
	if t.onChange == nil {
		return
	}
	t.onChange(t.Snapshot())
}

// IsOnline reports whether the peer is in the current roster.
func (t *PresenceTracker) IsOnline(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[peer]
	return ok
}

// Snapshot returns the current roster sorted by peer id.
func (t *PresenceTracker) Snapshot() []string {
	t.mu.Lock()
	peers := make([]string, 0, len(t.online))
	for peer := range t.online {
		peers = append(peers, peer)
	}
	t.mu.Unlock()
	sort.Strings(peers)
	return peers
}

// Stop withdraws the user from the channel and tears the subscription down.
// Safe to call on a stopped tracker.
func (t *PresenceTracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	handle := t.handle
	t.handle = nil
	close(t.stop)
	t.stop = nil
	t.mu.Unlock()

	t.wg.Wait()
	var err error
	if untrackErr := t.broker.Untrack(ctx, t.channel, t.selfID); untrackErr != nil {
		err = fmt.Errorf("presence withdraw: %w", untrackErr)
	}
	if handle != nil {
		handle.Unsubscribe()
	}
	t.mu.Lock()
	t.online = make(map[string]struct{})
	t.mu.Unlock()
	return err
}
