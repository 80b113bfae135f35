package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/yams-chat/internal/domain"
)

func TestChatService_ChatCreatedUsesSessionIdentity(t *testing.T) {
	req := require.New(t)

	// Given a chat service over a chat alice and bob belong to
	st := newFakeStore(map[string][]string{"c1": {"alice", "bob"}})
	pub := &fakePublisher{}
	svc := NewChatService(NewDispatcher(st, pub, nil, DispatcherConfig{}), NewNotifier(st, pub, nil, false))
	req.NoError(svc.Start(context.Background()))

	// When alice announces the chat under someone else's name
	err := svc.HandleChatCreated(context.Background(), sessionFor("alice"), &domain.ChatCreatedMessage{ChatID: "c1", ActingUsername: "mallory"})

	// Then the notice is attributed to her session and skips her
	req.NoError(err)
	events := pub.published()
	req.Len(events, 1)
	req.Equal(domain.KindChatCreated, events[0].Kind)
	req.Equal("alice", events[0].ExcludeUserID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(svc.Stop(ctx))
}

func TestChatService_SendThenStop(t *testing.T) {
	req := require.New(t)

	// Given a running chat service
	st := newFakeStore(map[string][]string{"c1": {"alice", "bob"}})
	pub := &fakePublisher{}
	svc := NewChatService(NewDispatcher(st, pub, nil, DispatcherConfig{EchoToSender: true}), NewNotifier(st, pub, nil, false))
	req.NoError(svc.Start(context.Background()))

	// When alice sends and the service stops
	saved, err := svc.HandleSend(context.Background(), sessionFor("alice"), &domain.SendMessage{ChatID: "c1", Content: "hi"})
	req.NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(svc.Stop(ctx))

	// Then the message was persisted and published
	req.Equal([]string{saved.MessageID}, st.appendedIDs())
	req.Len(pub.published(), 1)
}
