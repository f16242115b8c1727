package realtime

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisBrokerConfig configures the Redis-backed broker implementation.
type RedisBrokerConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PresenceTTL  time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// NewRedisBroker initialises a broker backed by Redis pub/sub. Presence is
// kept in expiring keys so a crashed peer drops off the roster once its TTL
// lapses. The caller is responsible for ensuring the Redis instance is
// reachable.
func NewRedisBroker(cfg RedisBrokerConfig) (PresenceBroker, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "harborchat"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 45 * time.Second
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	broker := &redisBroker{
		client:      client,
		prefix:      prefix,
		presenceTTL: cfg.PresenceTTL,
		logger:      cfg.Logger,
		buffer:      cfg.Buffer,
	}
	if broker.logger == nil {
		broker.logger = slog.Default()
	}
	return broker, nil
}

type redisBroker struct {
	client      redis.UniversalClient
	prefix      string
	presenceTTL time.Duration
	logger      *slog.Logger
	buffer      int

	closeOnce sync.Once
	closeErr  error
}

func (b *redisBroker) topic(channel string) string {
	return b.prefix + ":channel:" + channel
}

func (b *redisBroker) presenceKey(channel, peer string) string {
	return b.prefix + ":presence:" + channel + ":" + peer
}

func (b *redisBroker) presencePattern(channel string) string {
	return b.prefix + ":presence:" + channel + ":*"
}

func (b *redisBroker) Channel(ctx context.Context, name string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("channel name is required")
	}
	pubsub := b.client.Subscribe(ctx, b.topic(name))
	// Force the SUBSCRIBE round trip so a broken connection surfaces here
	// instead of as a silent dead feed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	sub := &redisSubscription{
		broker:  b,
		pubsub:  pubsub,
		channel: name,
		ch:      make(chan Event, b.buffer),
	}
	go sub.run()
	return sub, nil
}

func (b *redisBroker) Publish(ctx context.Context, name string, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.Publish(ctx, b.topic(name), payload).Err()
}

func (b *redisBroker) Track(ctx context.Context, channel, peer string) error {
	if peer == "" {
		return errors.New("peer is required")
	}
	key := b.presenceKey(channel, peer)
	known, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("presence lookup: %w", err)
	}
	if err := b.client.SetEx(ctx, key, "1", b.presenceTTL).Err(); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	if known > 0 {
		return nil
	}
	return b.Publish(ctx, channel, Event{
		Kind:     EventKindPresence,
		Presence: &PresenceEvent{Type: PresenceJoin, Peer: peer},
	})
}

func (b *redisBroker) Untrack(ctx context.Context, channel, peer string) error {
	if peer == "" {
		return errors.New("peer is required")
	}
	removed, err := b.client.Del(ctx, b.presenceKey(channel, peer)).Result()
	if err != nil {
		return fmt.Errorf("presence withdraw: %w", err)
	}
	if removed == 0 {
		return nil
	}
	return b.Publish(ctx, channel, Event{
		Kind:     EventKindPresence,
		Presence: &PresenceEvent{Type: PresenceLeave, Peer: peer},
	})
}

func (b *redisBroker) PresenceSnapshot(ctx context.Context, channel string) ([]string, error) {
	pattern := b.presencePattern(channel)
	trim := strings.TrimSuffix(pattern, "*")
	var (
		peers  []string
		cursor uint64
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("presence scan: %w", err)
		}
		for _, key := range keys {
			peer := strings.TrimPrefix(key, trim)
			if peer != "" {
				peers = append(peers, peer)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return peers, nil
}

func (b *redisBroker) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.client.Close()
	})
	return b.closeErr
}

type redisSubscription struct {
	broker  *redisBroker
	pubsub  *redis.PubSub
	channel string

	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.pubsub.Close()
	})
	return nil
}

func (s *redisSubscription) run() {
	defer func() {
		s.Close()
		close(s.ch)
	}()
	for msg := range s.pubsub.Channel() {
		event, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			if s.broker.logger != nil {
				s.broker.logger.Error("realtime payload decode failed",
					"channel", s.channel, "error", err)
			}
			event = Event{
				Kind:       EventKindMalformed,
				OccurredAt: time.Now().UTC(),
				Raw:        []byte(msg.Payload),
			}
		}
		select {
		case s.ch <- event:
		default:
			if s.broker.logger != nil {
				s.broker.logger.Warn("realtime subscriber lagging, dropping event",
					"channel", s.channel)
			}
		}
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
