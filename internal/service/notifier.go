package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/store"
	"github.com/weiawesome/yams-chat/pkg/log"
)

// MemberSource lists the members of a chat.
type MemberSource interface {
	GetChatMembers(ctx context.Context, chatID string) ([]string, error)
}

// Notifier tells the online members of a chat about membership changes.
type Notifier struct {
	members     MemberSource
	publisher   Publisher
	presence    PresenceFilter
	notifyActor bool
}

// NewNotifier creates a Notifier. presence may be nil, in which case every
// member is targeted and the bridge skips those without local connections.
func NewNotifier(members MemberSource, publisher Publisher, presence PresenceFilter, notifyActor bool) *Notifier {
	return &Notifier{
		members:     members,
		publisher:   publisher,
		presence:    presence,
		notifyActor: notifyActor,
	}
}

// Notify publishes the notice for change and returns the published event.
// A nil event with a nil error means nobody needed to be told.
func (n *Notifier) Notify(ctx context.Context, change domain.MembershipChange) (*domain.FanOutEvent, error) {
	kind, ok := change.Kind.EventKind()
	if !ok {
		return nil, domain.NewValidationError("unknown membership change kind", nil)
	}
	if change.ChatID == "" || change.ActingUserID == "" {
		return nil, domain.NewValidationError("chat_id and acting user are required", nil)
	}
	if change.Kind != domain.MembershipCreated && change.SubjectUserID == "" {
		return nil, domain.NewValidationError("subject_user_id is required", nil)
	}

	members, err := n.members.GetChatMembers(ctx, change.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			return nil, domain.NewValidationError("chat not found", err)
		}
		return nil, domain.NewStorageError("get_chat_members", err)
	}

	if !n.actorMayAnnounce(change, members) {
		return nil, domain.NewForbiddenError("you are not a member of this chat", store.ErrNotMember)
	}

	targets := members
	if change.Kind == domain.MembershipRemoved {
		// No longer a member, but must still learn about it.
		targets = lo.Uniq(append(lo.Without(targets, change.SubjectUserID), change.SubjectUserID))
	}
	targets = n.onlineOnly(ctx, targets)

	ev := &domain.FanOutEvent{
		ID:      uuid.New().String(),
		Kind:    kind,
		ChatID:  change.ChatID,
		Targets: targets,
	}
	if !n.notifyActor {
		ev.ExcludeUserID = change.ActingUserID
	}
	if len(ev.Recipients()) == 0 {
		return nil, nil
	}

	ev.Payload, err = noticePayload(kind, change)
	if err != nil {
		return nil, err
	}

	if err := n.publisher.Publish(ctx, ev); err != nil {
		return ev, err
	}

	l := log.Ctx(ctx)
	l.Debug().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldEventKind, string(kind)).
		Str(log.FieldChatID, change.ChatID).
		Int("targets", len(ev.Targets)).
		Msg("membership notice published")
	return ev, nil
}

// actorMayAnnounce requires the actor to be a member, except for a user
// announcing their own removal.
func (n *Notifier) actorMayAnnounce(change domain.MembershipChange, members []string) bool {
	if lo.Contains(members, change.ActingUserID) {
		return true
	}
	return change.Kind == domain.MembershipRemoved && change.ActingUserID == change.SubjectUserID
}

// onlineOnly narrows targets through the presence directory. Directory
// failures fall back to every target.
func (n *Notifier) onlineOnly(ctx context.Context, targets []string) []string {
	if n.presence == nil || len(targets) == 0 {
		return targets
	}
	online, err := n.presence.Online(ctx, targets)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("presence lookup failed, notifying all members")
		return targets
	}
	return online
}

func noticePayload(kind domain.EventKind, change domain.MembershipChange) (json.RawMessage, error) {
	var frame interface{}
	switch kind {
	case domain.KindChatCreated:
		frame = &domain.ChatCreatedOut{Type: domain.MsgTypeChatCreated, ChatID: change.ChatID}
	case domain.KindMemberAdded:
		frame = &domain.MemberChangedOut{Type: domain.MsgTypeMemberAdded, ChatID: change.ChatID, UserID: change.SubjectUserID}
	case domain.KindMemberRemoved:
		frame = &domain.MemberChangedOut{Type: domain.MsgTypeMemberRemoved, ChatID: change.ChatID, UserID: change.SubjectUserID}
	default:
		return nil, fmt.Errorf("no notice frame for %q", kind)
	}
	return json.Marshal(frame)
}
