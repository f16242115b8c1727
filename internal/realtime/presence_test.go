package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"harborchat/internal/realtime"
)

func startTracker(t *testing.T, broker realtime.PresenceBroker, manager *realtime.Manager, selfID string, onChange func([]string)) *realtime.PresenceTracker {
	t.Helper()
	tracker, err := realtime.NewPresenceTracker(realtime.PresenceTrackerConfig{
		Broker:    broker,
		Manager:   manager,
		SelfID:    selfID,
		Heartbeat: 50 * time.Millisecond,
		OnChange:  onChange,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start tracker: %v", err)
	}
	t.Cleanup(func() { tracker.Stop(context.Background()) })
	return tracker
}

func TestPresenceTrackerSeedsFromSnapshot(t *testing.T) {
	broker := realtime.NewMemoryBroker()
	defer broker.Close()
	manager, _ := newTestManager(t, broker)
	ctx := context.Background()

	if err := broker.Track(ctx, realtime.DefaultPresenceChannel, "early-bird"); err != nil {
		t.Fatalf("track early-bird: %v", err)
	}
	tracker := startTracker(t, broker, manager, "self", nil)

	if !tracker.IsOnline("early-bird") {
		t.Fatal("expected early-bird in seeded roster")
	}
	if !tracker.IsOnline("self") {
		t.Fatal("expected self in seeded roster")
	}
}

func TestPresenceTrackerJoinAndLeave(t *testing.T) {
	broker := realtime.NewMemoryBroker()
	defer broker.Close()
	manager, _ := newTestManager(t, broker)
	ctx := context.Background()

	var mu sync.Mutex
	var latest []string
	tracker := startTracker(t, broker, manager, "self", func(online []string) {
		mu.Lock()
		latest = append([]string(nil), online...)
		mu.Unlock()
	})

	if err := broker.Track(ctx, realtime.DefaultPresenceChannel, "friend"); err != nil {
		t.Fatalf("track friend: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return tracker.IsOnline("friend")
	})
	mu.Lock()
	if len(latest) == 0 {
		mu.Unlock()
		t.Fatal("expected roster change callback")
	}
	mu.Unlock()

	if err := broker.Untrack(ctx, realtime.DefaultPresenceChannel, "friend"); err != nil {
		t.Fatalf("untrack friend: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return !tracker.IsOnline("friend")
	})
}

func TestPresenceTrackerSyncReplacesRoster(t *testing.T) {
	broker := realtime.NewMemoryBroker()
	defer broker.Close()
	manager, _ := newTestManager(t, broker)
	ctx := context.Background()

	tracker := startTracker(t, broker, manager, "self", nil)
	if err := broker.Track(ctx, realtime.DefaultPresenceChannel, "transient"); err != nil {
		t.Fatalf("track transient: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return tracker.IsOnline("transient")
	})

	err := broker.Publish(ctx, realtime.DefaultPresenceChannel, realtime.Event{
		Kind: realtime.EventKindPresence,
		Presence: &realtime.PresenceEvent{
			Type:  realtime.PresenceSync,
			Peers: []string{"self", "replacement"},
		},
	})
	if err != nil {
		t.Fatalf("publish sync: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return tracker.IsOnline("replacement") && !tracker.IsOnline("transient")
	})
	snapshot := tracker.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("unexpected roster %v", snapshot)
	}
}

func TestPresenceTrackerStopWithdraws(t *testing.T) {
	broker := realtime.NewMemoryBroker()
	defer broker.Close()
	manager, _ := newTestManager(t, broker)
	ctx := context.Background()

	tracker := startTracker(t, broker, manager, "self", nil)
	if err := tracker.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stop on a stopped tracker is a no-op.
	if err := tracker.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	peers, err := broker.PresenceSnapshot(ctx, realtime.DefaultPresenceChannel)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, peer := range peers {
		if peer == "self" {
			t.Fatal("self should be withdrawn after stop")
		}
	}
	if tracker.IsOnline("self") {
		t.Fatal("roster should be cleared after stop")
	}
}
