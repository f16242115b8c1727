package realtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"harborchat/internal/testsupport/redisstub"
)

func startRedisBroker(t *testing.T, useTLS bool) PresenceBroker {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	cfg := RedisBrokerConfig{
		Addr:        srv.Addr(),
		Password:    "secret",
		PresenceTTL: 30 * time.Second,
		Buffer:      8,
	}
	if useTLS {
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
			t.Fatalf("write ca: %v", err)
		}
		cfg.TLS = RedisTLSConfig{CAFile: caPath, ServerName: "127.0.0.1"}
	}
	broker, err := NewRedisBroker(cfg)
	if err != nil {
		t.Fatalf("create broker: %v", err)
	}
	t.Cleanup(func() {
		_ = broker.Close()
	})
	return broker
}

func TestRedisBrokerFanoutPlain(t *testing.T) {
	runRedisBrokerFanout(t, false)
}

func TestRedisBrokerFanoutTLS(t *testing.T) {
	runRedisBrokerFanout(t, true)
}

func runRedisBrokerFanout(t *testing.T, useTLS bool) {
	t.Helper()
	broker := startRedisBroker(t, useTLS)
	ctx := context.Background()

	sub, err := broker.Channel(ctx, "sidebar_global:u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	event := Event{
		Kind: EventKindInsert,
		Insert: &InsertEvent{
			Schema: "public",
			Table:  "messages",
			Row:    json.RawMessage(`{"conversation_id":"c1","sender_id":"u2"}`),
		},
	}
	if err := broker.Publish(ctx, "sidebar_global:u1", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case received, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed early")
		}
		if received.Kind != EventKindInsert || received.Insert == nil {
			t.Fatalf("unexpected event %+v", received)
		}
		if received.Insert.Table != "messages" {
			t.Fatalf("unexpected table %q", received.Insert.Table)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisBrokerSurfacesMalformedPayloads(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	broker, err := NewRedisBroker(RedisBrokerConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("create broker: %v", err)
	}
	t.Cleanup(func() {
		_ = broker.Close()
	})
	ctx := context.Background()

	sub, err := broker.Channel(ctx, "chan")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	raw := broker.(*redisBroker)
	if err := raw.client.Publish(ctx, raw.topic("chan"), "{not json").Err(); err != nil {
		t.Fatalf("publish raw: %v", err)
	}

	select {
	case received, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed early")
		}
		if received.Kind != EventKindMalformed {
			t.Fatalf("expected malformed marker, got %+v", received)
		}
		if len(received.Raw) == 0 {
			t.Fatal("raw payload should be preserved")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRedisBrokerPresenceLifecycle(t *testing.T) {
	broker := startRedisBroker(t, false)
	ctx := context.Background()

	sub, err := broker.Channel(ctx, "online-users")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := broker.Track(ctx, "online-users", "u1"); err != nil {
		t.Fatalf("track: %v", err)
	}
	// A second announcement refreshes the TTL without a second join event.
	if err := broker.Track(ctx, "online-users", "u1"); err != nil {
		t.Fatalf("re-track: %v", err)
	}

	select {
	case event := <-sub.Events():
		if event.Presence == nil || event.Presence.Type != PresenceJoin || event.Presence.Peer != "u1" {
			t.Fatalf("expected join for u1, got %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for join")
	}

	peers, err := broker.PresenceSnapshot(ctx, "online-users")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(peers) != 1 || peers[0] != "u1" {
		t.Fatalf("unexpected snapshot %v", peers)
	}

	if err := broker.Untrack(ctx, "online-users", "u1"); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	select {
	case event := <-sub.Events():
		if event.Presence == nil || event.Presence.Type != PresenceLeave {
			t.Fatalf("expected leave, got %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for leave")
	}

	peers, err = broker.PresenceSnapshot(ctx, "online-users")
	if err != nil {
		t.Fatalf("snapshot after untrack: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected empty snapshot, got %v", peers)
	}
}
