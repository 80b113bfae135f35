package service

import (
	"context"

	"github.com/weiawesome/yams-chat/internal/audit"
	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/pkg/log"
)

type chatService struct {
	dispatcher *Dispatcher
	notifier   *Notifier
}

func NewChatService(dispatcher *Dispatcher, notifier *Notifier) ChatService {
	return &chatService{
		dispatcher: dispatcher,
		notifier:   notifier,
	}
}

func (s *chatService) HandleSend(ctx context.Context, session *domain.Session, msg *domain.SendMessage) (*domain.ChatMessage, error) {
	saved, err := s.dispatcher.Dispatch(ctx, session, msg)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("send rejected")
		return nil, err
	}

	audit.LogWithTarget(ctx, audit.ActionSendMessage, session.UserID, saved.ChatID, "message sent")
	return saved, nil
}

func (s *chatService) HandleChatCreated(ctx context.Context, session *domain.Session, msg *domain.ChatCreatedMessage) error {
	if msg.ActingUsername != "" && msg.ActingUsername != session.Username {
		l := log.Ctx(ctx)
		l.Warn().
			Str("claimed_username", msg.ActingUsername).
			Str(log.FieldChatID, msg.ChatID).
			Msg("acting_username does not match session, using session identity")
	}

	_, err := s.HandleMembershipChange(ctx, domain.MembershipChange{
		ChatID:       msg.ChatID,
		ActingUserID: session.UserID,
		Kind:         domain.MembershipCreated,
	})
	return err
}

func (s *chatService) HandleMembershipChange(ctx context.Context, change domain.MembershipChange) (*domain.FanOutEvent, error) {
	ev, err := s.notifier.Notify(ctx, change)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).
			Str(log.FieldChatID, change.ChatID).
			Str("kind", string(change.Kind)).
			Msg("membership notice failed")
		return ev, err
	}

	audit.LogWithTarget(ctx, audit.ActionMembershipNotice, change.ActingUserID, change.ChatID, string(change.Kind))
	return ev, nil
}

func (s *chatService) Start(ctx context.Context) error {
	s.dispatcher.Start(ctx)
	l := log.L()
	l.Info().Msg("chat service started")
	return nil
}

// Stop drains queued fan-outs within ctx.
func (s *chatService) Stop(ctx context.Context) error {
	return s.dispatcher.Stop(ctx)
}
