package andrzej

import (
	"context"
	_ "embed"
	"errors"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync/atomic"
)

//go:embed prompts/system.txt
var defaultSystemPrompt string

// IncomingMessage is a chat message that passed the event source's
// filters (not from a bot, in the configured channel, not blank)
type IncomingMessage struct {
	UserID      string
	ChannelName string
	Content     string
}

func (m IncomingMessage) Key() ConversationKey {
	return ConversationKey{UserID: m.UserID, ChannelName: m.ChannelName}
}

// Responder answers chat messages using a ChatCompleter, with the
// conversation's stored history as context.
//
// Messages for the same conversation are handled one at a time, so each
// completion sees the previous exchange. Different conversations are
// handled concurrently.
type Responder struct {
	store        *ConversationStore
	completer    ChatCompleter
	config       *ChatConfig
	systemPrompt string
	logger       *slog.Logger
	inflight     keyedMutex

	metricReplies atomic.Int64
	metricErrors  atomic.Int64
}

func NewResponder(
	store *ConversationStore,
	completer ChatCompleter,
	config *ChatConfig,
	logger *slog.Logger,
) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	prompt := strings.TrimSpace(config.SystemPrompt)
	if prompt == "" {
		prompt = strings.TrimSpace(defaultSystemPrompt)
	}
	return &Responder{
		store:        store,
		completer:    completer,
		config:       config,
		systemPrompt: prompt,
		logger:       logger.With(loggerNameKey, "responder"),
	}
}

// buildMessages returns the system prompt, the stored history for the
// conversation, then the new user message.
func (r *Responder) buildMessages(ctx context.Context, msg IncomingMessage) []ChatMessage {
	history := r.store.FetchRecent(ctx, msg.Key(), r.store.Window())

	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: RoleSystem, Content: r.systemPrompt})
	for _, turn := range history {
		messages = append(messages, ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	return append(messages, ChatMessage{Role: RoleUser, Content: msg.Content})
}

// HandleMessage generates a reply to msg.
//
// On success, the user message and the reply are appended to the
// conversation history. Failing to save them is logged, and doesn't
// fail the reply.
//
// On failure, the returned reply is the configured error message for
// the user (RemoteErrorMessage for ErrRemote, otherwise
// TechnicalErrorMessage), and nothing is recorded.
func (r *Responder) HandleMessage(ctx context.Context, msg IncomingMessage) (string, error) {
	key := msg.Key()
	logger := contextLoggerOr(ctx, r.logger).With("conversation", key)
	ctx = WithLogger(ctx, logger)

	unlock := r.inflight.Lock(key.String())
	defer unlock()

	messages := r.buildMessages(ctx, msg)
	logger.DebugContext(ctx, "requesting completion", "messages", len(messages))

	reply, err := r.completer.Complete(ctx, messages)
	if err != nil {
		r.metricErrors.Add(1)
		logger.ErrorContext(ctx, "error generating reply", tint.Err(err))
		if errors.Is(err, ErrRemote) {
			return r.config.RemoteErrorMessage, err
		}
		return r.config.TechnicalErrorMessage, err
	}
	r.metricReplies.Add(1)

	if saveErr := r.store.AppendTurns(
		ctx,
		key,
		Turn{Role: RoleUser, Content: msg.Content},
		Turn{Role: RoleAssistant, Content: reply},
	); saveErr != nil {
		logger.ErrorContext(ctx, "error saving conversation turns", tint.Err(saveErr))
	}
	return reply, nil
}
