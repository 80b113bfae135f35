package service

import (
	"context"

	"github.com/weiawesome/yams-chat/internal/domain"
)

// ChatService handles inbound realtime events of authenticated sessions.
type ChatService interface {
	HandleSend(ctx context.Context, session *domain.Session, msg *domain.SendMessage) (*domain.ChatMessage, error)
	HandleChatCreated(ctx context.Context, session *domain.Session, msg *domain.ChatCreatedMessage) error
	HandleMembershipChange(ctx context.Context, change domain.MembershipChange) (*domain.FanOutEvent, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Publisher hands fan-out events to the backplane. The bridge implements it.
type Publisher interface {
	Publish(ctx context.Context, ev *domain.FanOutEvent) error
}

// PresenceFilter narrows user ids to those online somewhere in the cluster.
type PresenceFilter interface {
	Online(ctx context.Context, userIDs []string) ([]string, error)
}

// MediaResolver verifies and links media attachments.
type MediaResolver interface {
	ValidateRef(ctx context.Context, chatID, key string) error
	URLFor(ctx context.Context, key string) (string, error)
}
