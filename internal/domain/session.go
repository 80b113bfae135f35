package domain

import "time"

// Identity is what the credential issuer vouches for.
type Identity struct {
	UserID   string
	Username string
}

// Session is the identity bound to one live connection. It is fixed at
// admission and never changes afterwards, so it needs no locking.
type Session struct {
	ConnectionID string
	UserID       string
	Username     string
	RemoteAddr   string
	ConnectedAt  time.Time
}

func NewSession(connectionID string, id Identity, remoteAddr string) *Session {
	return &Session{
		ConnectionID: connectionID,
		UserID:       id.UserID,
		Username:     id.Username,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  time.Now().UTC(),
	}
}

// Sender returns the author identity stamped on messages from this session.
func (s *Session) Sender() Sender {
	return Sender{UserID: s.UserID, Username: s.Username}
}
