package store

import (
	"context"

	"github.com/weiawesome/yams-chat/internal/domain"
)

// SplitStore keeps membership in one backend and appends messages to
// another, e.g. chats in Postgres and messages in Cassandra.
type SplitStore struct {
	members  MembershipReader
	messages MessageLog
}

func NewSplitStore(members MembershipReader, messages MessageLog) *SplitStore {
	return &SplitStore{members: members, messages: messages}
}

func (s *SplitStore) AppendMessage(ctx context.Context, chatID string, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if err := s.members.IsMember(ctx, chatID, msg.SentBy.UserID); err != nil {
		return nil, err
	}
	msg.ChatID = chatID
	if err := s.messages.WriteMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SplitStore) GetChatMembers(ctx context.Context, chatID string) ([]string, error) {
	return s.members.GetChatMembers(ctx, chatID)
}
