package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/weiawesome/yams-chat/pkg/storage"
)

var (
	ErrDisabled      = errors.New("media storage is not configured")
	ErrNotFound      = errors.New("media object not found")
	ErrForeignObject = errors.New("media object does not belong to this chat")
	ErrUnsupported   = errors.New("unsupported media content type")
	ErrInvalidChatID = errors.New("chat id cannot name a media folder")
)

var allowedContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
}

// UploadTicket tells a client where to PUT an attachment and which key to
// send afterwards as the content of a media message.
type UploadTicket struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service resolves media references against the object store. A nil
// storage disables verification and links.
type Service struct {
	storage storage.Storage
	ttl     time.Duration
	prefix  string
}

func NewService(s storage.Storage, ttl time.Duration, prefix string) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{storage: s, ttl: ttl, prefix: strings.Trim(prefix, "/")}
}

// Enabled reports whether an object store is configured.
func (s *Service) Enabled() bool { return s.storage != nil }

func (s *Service) chatPrefix(chatID string) (string, error) {
	if chatID == "" || strings.Contains(chatID, "/") || strings.Contains(chatID, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidChatID, chatID)
	}
	return path.Join(s.prefix, chatID) + "/", nil
}

// ValidateRef checks that key names an existing object of chatID.
func (s *Service) ValidateRef(ctx context.Context, chatID, key string) error {
	if s.storage == nil {
		return nil
	}
	prefix, err := s.chatPrefix(chatID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForeignObject, err)
	}
	if !strings.HasPrefix(key, prefix) || strings.Contains(key, "..") {
		return ErrForeignObject
	}
	ok, err := s.storage.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check media object: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// URLFor returns a read URL for key, or "" when media is disabled.
func (s *Service) URLFor(ctx context.Context, key string) (string, error) {
	if s.storage == nil {
		return "", nil
	}
	return s.storage.GetURL(ctx, key, s.ttl)
}

// UploadURL reserves a fresh key under chatID and presigns an upload.
func (s *Service) UploadURL(ctx context.Context, chatID, contentType string) (*UploadTicket, error) {
	if s.storage == nil {
		return nil, ErrDisabled
	}
	ext, ok := allowedContentTypes[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, contentType)
	}

	prefix, err := s.chatPrefix(chatID)
	if err != nil {
		return nil, err
	}
	key := prefix + uuid.New().String() + ext
	url, err := s.storage.GetUploadURL(ctx, key, contentType, s.ttl)
	if err != nil {
		return nil, err
	}
	return &UploadTicket{Key: key, URL: url, ExpiresAt: time.Now().Add(s.ttl).UTC()}, nil
}
