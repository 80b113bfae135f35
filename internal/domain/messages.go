package domain

// WebSocket message types from client.
const (
	MsgTypeSend        = "send"
	MsgTypeChatCreated = "chat_created"
	MsgTypePing        = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeMessage       = "message"
	MsgTypeMemberAdded   = "member_added"
	MsgTypeMemberRemoved = "member_removed"
	MsgTypeError         = "error"
	MsgTypePong          = "pong"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

// SendMessage asks the gateway to persist and fan out a chat message. For
// media messages Content is the object key of an uploaded attachment.
type SendMessage struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id" validate:"required,max=128"`
	Content string `json:"content" validate:"required"`
	IsMedia bool   `json:"is_media"`
}

// ChatCreatedMessage announces a chat the sender just created.
type ChatCreatedMessage struct {
	Type           string `json:"type"`
	ChatID         string `json:"chat_id" validate:"required,max=128"`
	ActingUsername string `json:"acting_username"`
}

// Server -> Client messages

type MessageOut struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	SentBy    Sender `json:"sent_by"`
	Content   string `json:"content"`
	IsMedia   bool   `json:"is_media"`
	MediaURL  string `json:"media_url,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewMessageOut renders a persisted message as the outbound frame.
func NewMessageOut(m *ChatMessage) *MessageOut {
	return &MessageOut{
		Type:      MsgTypeMessage,
		MessageID: m.MessageID,
		ChatID:    m.ChatID,
		SentBy:    m.SentBy,
		Content:   m.Content,
		IsMedia:   m.IsMedia,
		MediaURL:  m.MediaURL,
		Timestamp: m.Timestamp.UnixMilli(),
	}
}

type ChatCreatedOut struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

type MemberChangedOut struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:  MsgTypeError,
		Code:  code,
		Error: message,
	}
}
