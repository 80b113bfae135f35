package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/pkg/log"
)

// GormStore implements ChatStore on a relational database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AppendMessage checks chat and membership and inserts the message in one
// transaction.
func (s *GormStore) AppendMessage(ctx context.Context, chatID string, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	msg.ChatID = chatID
	model := MessageToModel(msg)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := isMember(tx, chatID, msg.SentBy.UserID); err != nil {
			return err
		}
		return tx.Create(model).Error
	})
	if err != nil {
		if !errors.Is(err, ErrChatNotFound) && !errors.Is(err, ErrNotMember) {
			l.Error().Err(err).Str(log.FieldChatID, chatID).Msg("failed to append message")
		}
		return nil, err
	}

	l.Debug().Str(log.FieldChatID, chatID).Str(log.FieldMessageID, msg.MessageID).Msg("message appended")
	return model.ToDomain(), nil
}

// GetChatMembers returns members in join order.
func (s *GormStore) GetChatMembers(ctx context.Context, chatID string) ([]string, error) {
	db := s.db.WithContext(ctx)
	if err := chatExists(db, chatID); err != nil {
		return nil, err
	}

	var members []string
	err := db.Model(&ChatMemberModel{}).
		Where("chat_id = ?", chatID).
		Order("joined_at ASC").
		Pluck("user_id", &members).Error
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldChatID, chatID).Msg("failed to get chat members")
		return nil, err
	}
	return members, nil
}

// IsMember returns nil when userID belongs to chatID.
func (s *GormStore) IsMember(ctx context.Context, chatID, userID string) error {
	return isMember(s.db.WithContext(ctx), chatID, userID)
}

// CreateChat creates a chat with its initial members.
func (s *GormStore) CreateChat(ctx context.Context, chat *ChatModel, members ...ChatMemberModel) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		for i := range members {
			members[i].ChatID = chat.ID
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Create(&members).Error
	})
}

// AddMember adds userID to chatID.
func (s *GormStore) AddMember(ctx context.Context, chatID, userID, username string) error {
	db := s.db.WithContext(ctx)
	if err := chatExists(db, chatID); err != nil {
		return err
	}
	return db.Create(&ChatMemberModel{ChatID: chatID, UserID: userID, Username: username}).Error
}

// RemoveMember removes userID from chatID.
func (s *GormStore) RemoveMember(ctx context.Context, chatID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Delete(&ChatMemberModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotMember
	}
	return nil
}

func chatExists(db *gorm.DB, chatID string) error {
	var count int64
	if err := db.Model(&ChatModel{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

func isMember(db *gorm.DB, chatID, userID string) error {
	if err := chatExists(db, chatID); err != nil {
		return err
	}
	var count int64
	err := db.Model(&ChatMemberModel{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotMember
	}
	return nil
}
