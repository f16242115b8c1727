package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"harborchat/internal/models"
)

// PostgresConfig describes how the store initialises its connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

// Option adjusts a PostgresConfig.
type Option func(*PostgresConfig)

// WithMaxConnections caps the pool size.
func WithMaxConnections(max int32) Option {
	return func(cfg *PostgresConfig) { cfg.MaxConnections = max }
}

// WithMinConnections keeps a floor of warm connections.
func WithMinConnections(min int32) Option {
	return func(cfg *PostgresConfig) { cfg.MinConnections = min }
}

// WithConnLifetime bounds how long a pooled connection is reused.
func WithConnLifetime(lifetime, idle time.Duration) Option {
	return func(cfg *PostgresConfig) {
		cfg.MaxConnLifetime = lifetime
		cfg.MaxConnIdleTime = idle
	}
}

// WithHealthCheckInterval sets the pool's background ping cadence.
func WithHealthCheckInterval(interval time.Duration) Option {
	return func(cfg *PostgresConfig) { cfg.HealthCheckInterval = interval }
}

// WithConnectTimeout bounds dialing a new connection.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) { cfg.ConnectTimeout = timeout }
}

// WithApplicationName sets the application_name runtime parameter.
func WithApplicationName(name string) Option {
	return func(cfg *PostgresConfig) { cfg.ApplicationName = name }
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a Postgres-backed store. The caller must ensure
// migrations have been applied.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg := PostgresConfig{DSN: dsn}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres pool is not configured")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) CreateAttachment(ctx context.Context, params CreateAttachmentParams) (models.Attachment, error) {
	const query = `
INSERT INTO message_attachments
	(message_id, file_url, file_name, file_type, file_size, thumbnail_url, width, height, duration)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, 0), NULLIF($8, 0), NULLIF($9, 0))
RETURNING id, message_id, file_url, file_name, file_type, file_size,
	COALESCE(thumbnail_url, ''), COALESCE(width, 0), COALESCE(height, 0), COALESCE(duration, 0),
	created_at`
	var attachment models.Attachment
	err := s.pool.QueryRow(ctx, query,
		params.MessageID,
		params.FileURL,
		params.FileName,
		params.FileType,
		params.FileSize,
		params.ThumbnailURL,
		params.Width,
		params.Height,
		params.Duration,
	).Scan(
		&attachment.ID,
		&attachment.MessageID,
		&attachment.FileURL,
		&attachment.FileName,
		&attachment.FileType,
		&attachment.FileSize,
		&attachment.ThumbnailURL,
		&attachment.Width,
		&attachment.Height,
		&attachment.Duration,
		&attachment.CreatedAt,
	)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("insert attachment: %w", translatePgError(err))
	}
	return attachment, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, messageID string) ([]models.Attachment, error) {
	const query = `
SELECT id, message_id, file_url, file_name, file_type, file_size,
	COALESCE(thumbnail_url, ''), COALESCE(width, 0), COALESCE(height, 0), COALESCE(duration, 0),
	created_at
FROM message_attachments
WHERE message_id = $1
ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()
	var attachments []models.Attachment
	for rows.Next() {
		var attachment models.Attachment
		if err := rows.Scan(
			&attachment.ID,
			&attachment.MessageID,
			&attachment.FileURL,
			&attachment.FileName,
			&attachment.FileType,
			&attachment.FileSize,
			&attachment.ThumbnailURL,
			&attachment.Width,
			&attachment.Height,
			&attachment.Duration,
			&attachment.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	const query = `
SELECT c.id, COALESCE(c.title, ''), c.last_message_at,
	ARRAY(SELECT m2.user_id FROM conversation_members m2 WHERE m2.conversation_id = c.id ORDER BY m2.user_id),
	COALESCE(m.unread_count, 0)
FROM conversations c
JOIN conversation_members m ON m.conversation_id = c.id
WHERE m.user_id = $1
ORDER BY c.last_message_at DESC`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var conversations []models.Conversation
	for rows.Next() {
		var conversation models.Conversation
		if err := rows.Scan(
			&conversation.ID,
			&conversation.Title,
			&conversation.LastMessageAt,
			&conversation.MemberIDs,
			&conversation.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

func (s *PostgresStore) MarkConversationRead(ctx context.Context, userID, conversationID string) error {
	const query = `
UPDATE conversation_members
SET unread_count = 0, last_read_at = now()
WHERE conversation_id = $1 AND user_id = $2`
	tag, err := s.pool.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

// translatePgError maps the constraint violations callers branch on.
func translatePgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return err
}
