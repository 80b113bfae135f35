package store

import (
	"time"

	"github.com/weiawesome/yams-chat/internal/domain"
)

// ChatModel is the GORM model for a chat.
type ChatModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	Name      string    `gorm:"type:varchar(255)"`
	Img       string    `gorm:"type:varchar(1024)"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ChatModel) TableName() string { return "chats" }

// ChatMemberModel is the GORM model for one membership.
type ChatMemberModel struct {
	ChatID   string    `gorm:"primaryKey;type:varchar(64)"`
	UserID   string    `gorm:"primaryKey;type:varchar(64);index"`
	Username string    `gorm:"type:varchar(255)"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

func (ChatMemberModel) TableName() string { return "chat_members" }

// MessageModel is the GORM model for a chat message.
type MessageModel struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)"`
	ChatID         string    `gorm:"type:varchar(64);index:idx_messages_chat_sent,priority:1"`
	SentByUserID   string    `gorm:"type:varchar(64)"`
	SentByUsername string    `gorm:"type:varchar(255)"`
	Content        string    `gorm:"type:text"`
	IsMedia        bool      `gorm:"default:false"`
	SentAt         time.Time `gorm:"index:idx_messages_chat_sent,priority:2"`
}

func (MessageModel) TableName() string { return "messages" }

// Models lists every model for auto-migration.
func Models() []interface{} {
	return []interface{}{&ChatModel{}, &ChatMemberModel{}, &MessageModel{}}
}

func MessageToModel(m *domain.ChatMessage) *MessageModel {
	return &MessageModel{
		ID:             m.MessageID,
		ChatID:         m.ChatID,
		SentByUserID:   m.SentBy.UserID,
		SentByUsername: m.SentBy.Username,
		Content:        m.Content,
		IsMedia:        m.IsMedia,
		SentAt:         m.Timestamp,
	}
}

func (m *MessageModel) ToDomain() *domain.ChatMessage {
	return &domain.ChatMessage{
		MessageID: m.ID,
		ChatID:    m.ChatID,
		SentBy:    domain.Sender{UserID: m.SentByUserID, Username: m.SentByUsername},
		Content:   m.Content,
		IsMedia:   m.IsMedia,
		Timestamp: m.SentAt.UTC(),
	}
}
