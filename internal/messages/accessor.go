// Package messages reads and writes chat messages for a conversation.
package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"go.uber.org/zap"
)

// ErrEmptyContent rejects empty or whitespace-only message bodies
// before any network call is made.
var ErrEmptyContent = errors.New("messages: content is empty")

const opTimeout = 15 * time.Second

// Accessor fetches message history and persists outgoing messages.
type Accessor struct {
	auth   backend.Auth
	msgs   backend.MessageStore
	logger *zap.Logger
}

// New creates an accessor.
func New(auth backend.Auth, msgs backend.MessageStore, logger *zap.Logger) *Accessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accessor{auth: auth, msgs: msgs, logger: logger}
}

// ValidateContent reports whether content would be accepted by Send.
// The controller uses it to avoid rendering an optimistic bubble for
// input that will never leave the client.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// History returns all confirmed messages of a conversation, ascending
// by created_at.
func (a *Accessor) History(ctx context.Context, conversationID string) ([]backend.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	msgs, err := a.msgs.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// Send persists one outgoing message and returns the confirmed row.
// Empty content and unauthenticated callers are rejected locally;
// store rejections (e.g. the sender is not a participant) propagate to
// the caller for UI-level failure handling.
func (a *Accessor) Send(ctx context.Context, conversationID, content string) (*backend.Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	user, err := a.auth.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}

	// Content is stored exactly as typed; validation trims a copy only.
	row, err := a.msgs.InsertMessage(ctx, &backend.Message{
		ConversationID: conversationID,
		SenderID:       user.ID,
		Content:        content,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	a.logger.Debug("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", row.ID))
	return row, nil
}
