package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/pkg/database"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.New(&database.Config{
		Driver:   "sqlite",
		FilePath: filepath.Join(t.TempDir(), "chat.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db, Models()...))
	t.Cleanup(func() { _ = database.Close(db) })
	return NewGormStore(db)
}

func newMessage(userID, content string) *domain.ChatMessage {
	return &domain.ChatMessage{
		MessageID: uuid.NewString(),
		SentBy:    domain.Sender{UserID: userID, Username: userID},
		Content:   content,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestGormStore_AppendMessageMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	// Given a chat with alice and bob
	req.NoError(s.CreateChat(ctx, &ChatModel{ID: "c1", Name: "general"},
		ChatMemberModel{UserID: "alice"}, ChatMemberModel{UserID: "bob"}))

	// When alice sends a message
	msg := newMessage("alice", "hello")
	saved, err := s.AppendMessage(ctx, "c1", msg)

	// Then it is stored with the chat id set
	req.NoError(err)
	req.Equal("c1", saved.ChatID)
	req.Equal(msg.MessageID, saved.MessageID)
	req.Equal(domain.Sender{UserID: "alice", Username: "alice"}, saved.SentBy)
	req.True(msg.Timestamp.Equal(saved.Timestamp))

	var model MessageModel
	req.NoError(s.db.First(&model, "id = ?", msg.MessageID).Error)
	req.Equal("hello", model.Content)
	req.Equal("alice", model.SentByUserID)
	req.True(msg.Timestamp.Equal(model.SentAt.UTC()))
}

func TestGormStore_AppendMessageRejectsNonMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	req.NoError(s.CreateChat(ctx, &ChatModel{ID: "c1"}, ChatMemberModel{UserID: "alice"}))

	// When mallory, who is not a member, sends a message
	_, err := s.AppendMessage(ctx, "c1", newMessage("mallory", "hi"))

	// Then it is refused and nothing is stored
	req.ErrorIs(err, ErrNotMember)
	var count int64
	req.NoError(s.db.Model(&MessageModel{}).Count(&count).Error)
	req.Zero(count)
}

func TestGormStore_AppendMessageUnknownChat(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendMessage(context.Background(), "missing", newMessage("alice", "hi"))

	require.ErrorIs(t, err, ErrChatNotFound)
}

func TestGormStore_GetChatMembers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	req.NoError(s.CreateChat(ctx, &ChatModel{ID: "c1"}, ChatMemberModel{UserID: "alice"}))

	// When bob joins and alice leaves
	req.NoError(s.AddMember(ctx, "c1", "bob", "Bob"))
	req.NoError(s.AddMember(ctx, "c1", "carol", "Carol"))
	req.NoError(s.RemoveMember(ctx, "c1", "alice"))

	// Then the member list reflects it
	members, err := s.GetChatMembers(ctx, "c1")
	req.NoError(err)
	req.ElementsMatch([]string{"bob", "carol"}, members)

	// And removing a non-member reports it
	req.ErrorIs(s.RemoveMember(ctx, "c1", "alice"), ErrNotMember)

	// And unknown chats are reported
	_, err = s.GetChatMembers(ctx, "missing")
	req.ErrorIs(err, ErrChatNotFound)
}

type memoryLog struct {
	written []*domain.ChatMessage
	err     error
}

func (m *memoryLog) WriteMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if m.err != nil {
		return m.err
	}
	m.written = append(m.written, msg)
	return nil
}

func TestSplitStore_ChecksMembershipBeforeWriting(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	members := newTestStore(t)
	req.NoError(members.CreateChat(ctx, &ChatModel{ID: "c1"}, ChatMemberModel{UserID: "alice"}))
	messages := &memoryLog{}
	s := NewSplitStore(members, messages)

	// When a member and a non-member write
	_, err := s.AppendMessage(ctx, "c1", newMessage("alice", "hi"))
	req.NoError(err)
	_, err = s.AppendMessage(ctx, "c1", newMessage("mallory", "hi"))
	req.ErrorIs(err, ErrNotMember)

	// Then only the member's message reached the log
	req.Len(messages.written, 1)
	req.Equal("c1", messages.written[0].ChatID)

	// And log failures surface unchanged
	messages.err = errors.New("cassandra down")
	_, err = s.AppendMessage(ctx, "c1", newMessage("alice", "again"))
	req.EqualError(err, "cassandra down")
}
