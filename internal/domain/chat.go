package domain

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"
)

// Sender identifies the author of a message.
type Sender struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ChatMessage is a message as persisted. Timestamp is assigned at receipt
// and never changes afterwards.
type ChatMessage struct {
	MessageID string
	ChatID    string
	SentBy    Sender
	Content   string
	IsMedia   bool
	MediaURL  string
	Timestamp time.Time
}

// EventKind is the kind of a fan-out event.
type EventKind string

const (
	KindMessage       EventKind = "message"
	KindChatCreated   EventKind = "chat_created"
	KindMemberAdded   EventKind = "member_added"
	KindMemberRemoved EventKind = "member_removed"
)

// FanOutEvent travels on the backplane. Targets is resolved once by the
// publisher from a fresh membership read; Payload is the client frame
// delivered verbatim to every target connection.
type FanOutEvent struct {
	ID            string          `json:"id"`
	Kind          EventKind       `json:"kind"`
	ChatID        string          `json:"chat_id"`
	Payload       json.RawMessage `json:"payload"`
	ExcludeUserID string          `json:"exclude_user_id,omitempty"`
	Targets       []string        `json:"targets"`
}

// Recipients returns the targets minus the excluded user, without
// duplicates.
func (e *FanOutEvent) Recipients() []string {
	return lo.Without(lo.Uniq(e.Targets), e.ExcludeUserID, "")
}

// MembershipKind is the kind of a membership change.
type MembershipKind string

const (
	MembershipCreated MembershipKind = "created"
	MembershipAdded   MembershipKind = "added"
	MembershipRemoved MembershipKind = "removed"
)

// EventKind maps a membership change to the fan-out kind announcing it.
func (k MembershipKind) EventKind() (EventKind, bool) {
	switch k {
	case MembershipCreated:
		return KindChatCreated, true
	case MembershipAdded:
		return KindMemberAdded, true
	case MembershipRemoved:
		return KindMemberRemoved, true
	default:
		return "", false
	}
}

// MembershipChange describes a change made by the chat CRUD layer that
// members must be told about.
type MembershipChange struct {
	ChatID        string
	ActingUserID  string
	Kind          MembershipKind
	SubjectUserID string
}
