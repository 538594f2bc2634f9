package andrzej

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"slices"
)

// Role identifies the author of a ConversationTurn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const recordSeparator = string(rune(30))

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ConversationTurn is a single stored chat message. ID is assigned on
// insert and is strictly increasing, so it orders turns within a
// conversation.
type ConversationTurn struct {
	ID          uint   `gorm:"primaryKey;autoIncrement;index:idx_ai_chat_history_key,priority:3" json:"id"`
	UserID      string `gorm:"not null;index:idx_ai_chat_history_key,priority:1" json:"user_id"`
	ChannelName string `gorm:"not null;index:idx_ai_chat_history_key,priority:2" json:"channel_name"`
	Role        Role   `gorm:"not null" json:"role"`
	Content     string `gorm:"not null" json:"content"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (ConversationTurn) TableName() string {
	return "ai_chat_history"
}

// ConversationKey identifies a conversation: one user, in one channel.
type ConversationKey struct {
	UserID      string `json:"user_id"`
	ChannelName string `json:"channel_name"`
}

func (k ConversationKey) String() string {
	return k.UserID + recordSeparator + k.ChannelName
}

func (k ConversationKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", k.UserID),
		slog.String("channel_name", k.ChannelName),
	)
}

// Turn is a role/content pair to be appended to a conversation
type Turn struct {
	Role    Role
	Content string
}

// forKey scopes a query to the rows of a single conversation
func forKey(key ConversationKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"user_id = ? AND channel_name = ?",
			key.UserID,
			key.ChannelName,
		)
	}
}

// ConversationStore persists conversation turns, keeping at most
// Window() turns per ConversationKey.
//
// Appends to the same key are serialized, and each append inserts and
// trims in a single transaction, so the retention window holds for
// every committed state. Appends to different keys don't block each
// other, beyond whatever the underlying DBI serializes.
type ConversationStore struct {
	db      DBI
	window  int
	logger  *slog.Logger
	keyLock keyedMutex
}

// NewConversationStore returns a store retaining 2*historyLength turns
// per conversation (one user and one assistant turn per exchange).
func NewConversationStore(
	db DBI,
	historyLength int,
	logger *slog.Logger,
) (*ConversationStore, error) {
	if db == nil {
		return nil, errors.New("nil database")
	}
	if historyLength < 0 {
		return nil, fmt.Errorf("history length must be >= 0, got %d", historyLength)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		db:     db,
		window: 2 * historyLength,
		logger: logger.With(loggerNameKey, "conversation_store"),
	}, nil
}

// Window returns the maximum number of turns kept per conversation
func (s *ConversationStore) Window() int {
	return s.window
}

// Recent returns up to limit of the most recent turns for key, oldest
// first. Storage failures are returned, wrapping ErrStorageUnavailable.
func (s *ConversationStore) Recent(
	ctx context.Context,
	key ConversationKey,
	limit int,
) ([]ConversationTurn, error) {
	turns := []ConversationTurn{}
	if limit <= 0 {
		return turns, nil
	}

	err := s.db.DB().WithContext(ctx).
		Scopes(forKey(key)).
		Order("id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return []ConversationTurn{}, storageError("fetch history", err)
	}
	slices.Reverse(turns)
	return turns, nil
}

// FetchRecent is Recent, but a storage failure is logged and an empty
// history is returned, so a conversation can carry on without context.
func (s *ConversationStore) FetchRecent(
	ctx context.Context,
	key ConversationKey,
	limit int,
) []ConversationTurn {
	turns, err := s.Recent(ctx, key, limit)
	if err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(
			ctx,
			"error fetching conversation history, continuing without it",
			"conversation", key,
			tint.Err(err),
		)
	}
	return turns
}

// Append stores a single turn for key, then trims the conversation to
// the retention window.
func (s *ConversationStore) Append(
	ctx context.Context,
	key ConversationKey,
	role Role,
	content string,
) error {
	return s.AppendTurns(ctx, key, Turn{Role: role, Content: content})
}

// AppendTurns stores turns for key in the given order, then trims the
// conversation to the retention window. The inserts and the trim commit
// together, or not at all.
func (s *ConversationStore) AppendTurns(
	ctx context.Context,
	key ConversationKey,
	turns ...Turn,
) error {
	if len(turns) == 0 {
		return nil
	}
	rows := make([]ConversationTurn, 0, len(turns))
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, t.Role)
		}
		rows = append(
			rows, ConversationTurn{
				UserID:      key.UserID,
				ChannelName: key.ChannelName,
				Role:        t.Role,
				Content:     t.Content,
			},
		)
	}

	unlock := s.keyLock.Lock(key.String())
	defer unlock()

	var trimmed int64
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for i := range rows {
				if err := tx.Create(&rows[i]).Error; err != nil {
					return err
				}
			}
			n, err := trimConversation(tx, key, s.window)
			trimmed = n
			return err
		},
	)
	if err != nil {
		return storageError("append history", err)
	}

	contextLoggerOr(ctx, s.logger).DebugContext(
		ctx,
		"appended conversation turns",
		"conversation", key,
		"added", len(rows),
		"trimmed", trimmed,
	)
	return nil
}

// trimConversation deletes every turn for key older than the window
// newest turns.
func trimConversation(tx *gorm.DB, key ConversationKey, window int) (int64, error) {
	if window <= 0 {
		rv := tx.Scopes(forKey(key)).Delete(&ConversationTurn{})
		return rv.RowsAffected, rv.Error
	}

	// the oldest turn still inside the window
	var boundary []uint
	err := tx.Model(&ConversationTurn{}).
		Scopes(forKey(key)).
		Order("id DESC").
		Offset(window-1).
		Limit(1).
		Pluck("id", &boundary).Error
	if err != nil {
		return 0, err
	}
	if len(boundary) == 0 {
		return 0, nil
	}

	rv := tx.Scopes(forKey(key)).
		Where("id < ?", boundary[0]).
		Delete(&ConversationTurn{})
	return rv.RowsAffected, rv.Error
}

// Clear deletes every turn for key, returning the number deleted
func (s *ConversationStore) Clear(ctx context.Context, key ConversationKey) (int64, error) {
	unlock := s.keyLock.Lock(key.String())
	defer unlock()

	n, err := s.db.Delete(
		ctx,
		&ConversationTurn{},
		"user_id = ? AND channel_name = ?",
		key.UserID,
		key.ChannelName,
	)
	if err != nil {
		return 0, storageError("clear history", err)
	}
	contextLoggerOr(ctx, s.logger).InfoContext(
		ctx,
		"cleared conversation history",
		"conversation", key,
		"deleted", n,
	)
	return n, nil
}

// Count returns the number of stored turns for key
func (s *ConversationStore) Count(ctx context.Context, key ConversationKey) (int64, error) {
	var n int64
	err := s.db.DB().WithContext(ctx).
		Model(&ConversationTurn{}).
		Scopes(forKey(key)).
		Count(&n).Error
	if err != nil {
		return 0, storageError("count history", err)
	}
	return n, nil
}
