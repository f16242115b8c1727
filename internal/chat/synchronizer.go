package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"harborchat/internal/models"
	"harborchat/internal/observability/metrics"
	"harborchat/internal/realtime"
)

// DefaultDebounceWindow is the quiet period a burst of message inserts must
// observe before the conversation list is reloaded.
const DefaultDebounceWindow = 300 * time.Millisecond

// sidebarChannel names the per-user channel carrying message inserts for
// every conversation the user belongs to.
func sidebarChannel(userID string) string {
	return fmt.Sprintf("sidebar_global:%s", userID)
}

// Notifier receives a cue when another user's message arrives. Implementations
// typically play a sound or raise a desktop notification.
type Notifier interface {
	MessageReceived(conversationID, senderID string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(conversationID, senderID string)

func (f NotifierFunc) MessageReceived(conversationID, senderID string) {
	f(conversationID, senderID)
}

// SynchronizerConfig configures a chat synchronizer.
type SynchronizerConfig struct {
	// UserID is the signed-in user whose sidebar the synchronizer keeps
	// fresh.
	UserID  string
	Manager *realtime.Manager
	// LoadConversations fetches the user's conversation list ordered by
	// recency. Called after each debounced refresh.
	LoadConversations func(ctx context.Context, userID string) ([]models.Conversation, error)
	// OnConversations receives every successfully loaded list.
	OnConversations func(conversations []models.Conversation)
	// MarkRead clears the unread counter of a conversation. Invoked when
	// another sender's message lands in the currently expanded conversation.
	MarkRead func(ctx context.Context, userID, conversationID string) error
	// Notifier is cued for messages sent by other users. Optional.
	Notifier Notifier
	// DebounceWindow defaults to DefaultDebounceWindow.
	DebounceWindow time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Synchronizer keeps a user's conversation sidebar in sync with message
// inserts arriving over the realtime channel. Bursts of inserts collapse
// into a single reload per quiet window; messages from other senders cue
// the notifier, and other senders' messages landing in the expanded
// conversation are marked read immediately.
type Synchronizer struct {
	manager  *realtime.Manager
	load     func(ctx context.Context, userID string) ([]models.Conversation, error)
	publish  func(conversations []models.Conversation)
	markRead func(ctx context.Context, userID, conversationID string) error
	notifier Notifier
	window   time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder

	debounce Debouncer

	mu       sync.Mutex
	userID   string
	handle   *realtime.Handle
	expanded string
	started  bool
}

// NewSynchronizer constructs a synchronizer. Start must be called before
// events flow.
func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if cfg.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if cfg.LoadConversations == nil {
		return nil, errors.New("conversation loader is required")
	}
	window := cfg.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Synchronizer{
		manager:  cfg.Manager,
		load:     cfg.LoadConversations,
		publish:  cfg.OnConversations,
		markRead: cfg.MarkRead,
		notifier: cfg.Notifier,
		window:   window,
		logger:   logger,
		metrics:  recorder,
		userID:   cfg.UserID,
	}, nil
}

// Start subscribes to the user's sidebar channel. Starting a started
// synchronizer returns an error.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("synchronizer already started")
	}
	if err := s.subscribeLocked(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// subscribeLocked opens the sidebar subscription for the current user.
// Callers hold s.mu.
func (s *Synchronizer) subscribeLocked(ctx context.Context) error {
	handle, err := s.manager.Subscribe(ctx, sidebarChannel(s.userID), realtime.EventSpec{
		Kind:   realtime.EventKindInsert,
		Schema: "public",
		Table:  "messages",
	}, s.onEvent)
	if err != nil {
		return fmt.Errorf("sidebar subscribe: %w", err)
	}
	s.handle = handle
	return nil
}

// SwitchUser tears down the current subscription and opens one for the new
// user. The old subscription is fully closed before the new one opens, so
// two subscriptions never run at once. A no-op when the user is unchanged.
func (s *Synchronizer) SwitchUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == s.userID {
		return nil
	}
	if s.handle != nil {
		s.handle.Unsubscribe()
		s.handle = nil
	}
	s.debounce.Cancel()
	s.userID = userID
	s.expanded = ""
	if !s.started {
		return nil
	}
	return s.subscribeLocked(ctx)
}

// SetExpanded records which conversation the user has open. An empty id
// means none. Messages arriving in the expanded conversation are marked
// read as they land.
func (s *Synchronizer) SetExpanded(conversationID string) {
	s.mu.Lock()
	s.expanded = conversationID
	s.mu.Unlock()
}

// Expanded reports the currently open conversation id, empty when none.
func (s *Synchronizer) Expanded() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expanded
}

func (s *Synchronizer) onEvent(event realtime.Event) {
	row, err := realtime.DecodeMessageRow(event.Insert)
	if err != nil {
		s.logger.Warn("dropping undecodable message insert", "error", err)
		return
	}
	s.mu.Lock()
	self := s.userID
	expanded := s.expanded
	s.mu.Unlock()

	// Every insert refreshes the sidebar, own messages included, so the
	// ordering and previews stay correct.
	s.scheduleRefresh()

	if row.SenderID != "" && row.SenderID != self && s.notifier != nil {
		s.notifier.MessageReceived(row.ConversationID, row.SenderID)
	}
	if expanded != "" && row.ConversationID == expanded && row.SenderID != self && s.markRead != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.markRead(ctx, self, row.ConversationID); err != nil {
			s.logger.Warn("mark read failed",
				"conversation", row.ConversationID, "error", err)
		}
	}
}

func (s *Synchronizer) scheduleRefresh() {
	s.metrics.RefreshRequested()
	s.debounce.Schedule(s.window, s.refresh)
}

// Refresh reloads the conversation list immediately, bypassing the debounce
// window. Any pending debounced refresh is dropped.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.debounce.Cancel()
	return s.runRefresh(ctx)
}

func (s *Synchronizer) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.runRefresh(ctx); err != nil {
		s.logger.Error("conversation refresh failed", "error", err)
	}
}

func (s *Synchronizer) runRefresh(ctx context.Context) error {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	conversations, err := s.load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	s.metrics.RefreshExecuted()
	if s.publish != nil {
		s.publish(conversations)
	}
	return nil
}

// Stop tears the subscription down and drops any pending refresh. Safe to
// call on a stopped synchronizer.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.started = false
	s.mu.Unlock()
	s.debounce.Cancel()
	if handle != nil {
		handle.Unsubscribe()
	}
}
