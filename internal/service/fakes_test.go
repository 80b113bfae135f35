package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/media"
	"github.com/weiawesome/yams-chat/internal/store"
)

// trace records the order of store and backplane operations.
type trace struct {
	mu      sync.Mutex
	entries []string
}

func (t *trace) add(entry string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
}

func (t *trace) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.entries...)
}

// fakeStore is an in-memory ChatStore with injectable latency and errors.
type fakeStore struct {
	mu        sync.Mutex
	members   map[string][]string
	appended  []*domain.ChatMessage
	trace     *trace
	latency   time.Duration
	appendErr error
}

func newFakeStore(chats map[string][]string) *fakeStore {
	return &fakeStore{members: chats}
}

func (s *fakeStore) AppendMessage(ctx context.Context, chatID string, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	members, ok := s.members[chatID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	if !lo.Contains(members, msg.SentBy.UserID) {
		return nil, store.ErrNotMember
	}
	msg.ChatID = chatID
	s.appended = append(s.appended, msg)
	s.trace.add("persist:" + msg.MessageID)
	return msg, nil
}

func (s *fakeStore) GetChatMembers(ctx context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[chatID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	return append([]string(nil), members...), nil
}

func (s *fakeStore) setMembers(chatID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[chatID] = members
}

func (s *fakeStore) appendedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.appended, func(m *domain.ChatMessage, _ int) string { return m.MessageID })
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.FanOutEvent
	trace  *trace
	delay  time.Duration
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, ev *domain.FanOutEvent) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return domain.NewDeliveryError(ev.ID, p.err)
	}
	p.events = append(p.events, ev)
	p.trace.add("publish:" + messageIDOf(ev))
	return nil
}

func (p *fakePublisher) published() []*domain.FanOutEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.FanOutEvent(nil), p.events...)
}

type fakePresence struct {
	online map[string]bool
	err    error
}

func (f fakePresence) Online(ctx context.Context, userIDs []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return lo.Filter(userIDs, func(id string, _ int) bool { return f.online[id] }), nil
}

type fakeMedia struct {
	known map[string]bool
}

func (f fakeMedia) ValidateRef(ctx context.Context, chatID, key string) error {
	if !f.known[key] {
		return media.ErrNotFound
	}
	return nil
}

func (f fakeMedia) URLFor(ctx context.Context, key string) (string, error) {
	return "https://cdn.example/" + key, nil
}

func sessionFor(userID string) *domain.Session {
	return domain.NewSession("conn-"+userID, domain.Identity{UserID: userID, Username: userID + "-name"}, "")
}

// messageIDOf returns the message id carried by a message event payload.
func messageIDOf(ev *domain.FanOutEvent) string {
	var out domain.MessageOut
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return ""
	}
	return out.MessageID
}
