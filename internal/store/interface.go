package store

import (
	"context"
	"errors"

	"github.com/weiawesome/yams-chat/internal/domain"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrNotMember    = errors.New("user is not a member of the chat")
)

// ChatStore is what the realtime path needs from chat persistence.
// Implementations are safe for concurrent use.
type ChatStore interface {
	// AppendMessage persists msg in chatID and returns the stored message.
	// It fails with ErrChatNotFound or ErrNotMember when the chat does not
	// exist or the author is not one of its members.
	AppendMessage(ctx context.Context, chatID string, msg *domain.ChatMessage) (*domain.ChatMessage, error)

	// GetChatMembers returns the member user ids of chatID.
	GetChatMembers(ctx context.Context, chatID string) ([]string, error)
}

// MembershipReader answers membership questions.
type MembershipReader interface {
	GetChatMembers(ctx context.Context, chatID string) ([]string, error)
	IsMember(ctx context.Context, chatID, userID string) error
}

// MessageLog appends messages without any membership knowledge.
type MessageLog interface {
	WriteMessage(ctx context.Context, msg *domain.ChatMessage) error
}
