package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/media"
	"github.com/weiawesome/yams-chat/internal/registry"
	"github.com/weiawesome/yams-chat/internal/service"
	"github.com/weiawesome/yams-chat/internal/store"
	"github.com/weiawesome/yams-chat/pkg/log"
	"github.com/weiawesome/yams-chat/pkg/middleware"
	"github.com/weiawesome/yams-chat/pkg/response"
	"github.com/weiawesome/yams-chat/pkg/storage"
)

// PresenceLookup answers whether a user is online anywhere in the cluster.
type PresenceLookup interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// HTTPHandler serves the gateway's REST API.
type HTTPHandler struct {
	service        service.ChatService
	registry       *registry.Registry
	presence       PresenceLookup
	members        store.MembershipReader
	media          *media.Service
	authMiddleware *middleware.AuthMiddleware
}

// NewHTTPHandler creates the API handler. presence may be nil.
func NewHTTPHandler(
	svc service.ChatService,
	reg *registry.Registry,
	presence PresenceLookup,
	members store.MembershipReader,
	mediaSvc *media.Service,
	authMiddleware *middleware.AuthMiddleware,
) *HTTPHandler {
	return &HTTPHandler{
		service:        svc,
		registry:       reg,
		presence:       presence,
		members:        members,
		media:          mediaSvc,
		authMiddleware: authMiddleware,
	}
}

// MembershipRequest announces a change made by the chat CRUD layer.
type MembershipRequest struct {
	Kind          string `json:"kind" binding:"required,oneof=created added removed"`
	SubjectUserID string `json:"subject_user_id"`
}

// UploadURLRequest asks for a presigned attachment upload.
type UploadURLRequest struct {
	ContentType string `json:"content_type" binding:"required"`
}

// PresenceResponse is the result of a presence query.
type PresenceResponse struct {
	UserID           string `json:"user_id"`
	LocalConnections int    `json:"local_connections"`
	Online           bool   `json:"online"`
}

func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1", h.authMiddleware.RequireAuth())
	{
		api.GET("/presence/:user_id", h.GetPresence)

		chats := api.Group("/chats/:chat_id")
		{
			chats.POST("/membership", h.NotifyMembership)
			chats.POST("/media/upload-url", h.CreateUploadURL)
		}
	}
}

// Health reports the local connection counts.
func (h *HTTPHandler) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"status":      "ok",
		"connections": h.registry.Len(),
		"users":       h.registry.Users(),
	})
}

// GetPresence handles GET /api/v1/presence/:user_id.
func (h *HTTPHandler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	resp := PresenceResponse{
		UserID:           userID,
		LocalConnections: len(h.registry.LocalConnectionsFor(userID)),
	}
	resp.Online = resp.LocalConnections > 0

	if !resp.Online && h.presence != nil {
		online, err := h.presence.IsOnline(ctx, userID)
		if err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldUserID, userID).Msg("cluster presence lookup failed")
		}
		resp.Online = online
	}

	response.Success(c, resp)
}

// NotifyMembership handles POST /api/v1/chats/:chat_id/membership. The
// caller is the acting user.
func (h *HTTPHandler) NotifyMembership(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req MembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind membership request")
		response.BadRequest(c, err.Error())
		return
	}

	ev, err := h.service.HandleMembershipChange(ctx, domain.MembershipChange{
		ChatID:        c.Param("chat_id"),
		ActingUserID:  middleware.GetUserID(c),
		Kind:          domain.MembershipKind(req.Kind),
		SubjectUserID: req.SubjectUserID,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}

	result := gin.H{"event_id": "", "recipients": 0}
	if ev != nil {
		result = gin.H{"event_id": ev.ID, "recipients": len(ev.Recipients())}
	}
	response.Accepted(c, result)
}

// CreateUploadURL handles POST /api/v1/chats/:chat_id/media/upload-url.
func (h *HTTPHandler) CreateUploadURL(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	chatID := c.Param("chat_id")

	if h.media == nil || !h.media.Enabled() {
		response.ServiceUnavailable(c, "media storage is not configured")
		return
	}

	var req UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.members.IsMember(ctx, chatID, middleware.GetUserID(c)); err != nil {
		switch {
		case errors.Is(err, store.ErrChatNotFound):
			response.NotFound(c, "chat not found")
		case errors.Is(err, store.ErrNotMember):
			response.Forbidden(c, "you are not a member of this chat")
		default:
			l.Error().Err(err).Str(log.FieldChatID, chatID).Msg("membership lookup failed")
			response.Error(c, http.StatusInternalServerError, response.CodeStorageError, "membership lookup failed")
		}
		return
	}

	ticket, err := h.media.UploadURL(ctx, chatID, req.ContentType)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrUnsupported), errors.Is(err, media.ErrInvalidChatID):
			response.BadRequest(c, err.Error())
		case errors.Is(err, storage.ErrUploadNotSupported):
			response.ServiceUnavailable(c, "media storage does not support direct uploads")
		default:
			l.Error().Err(err).Str(log.FieldChatID, chatID).Msg("failed to presign upload")
			response.InternalError(c, "failed to create upload url")
		}
		return
	}

	response.Success(c, ticket)
}

func writeDomainError(c *gin.Context, err error) {
	var valErr *domain.ValidationError
	var storeErr *domain.StorageError
	var delivery *domain.DeliveryError

	switch {
	case errors.As(err, &valErr) && valErr.Code == domain.ErrCodeForbidden:
		response.Forbidden(c, valErr.Message)
	case errors.As(err, &valErr):
		response.BadRequest(c, valErr.Message)
	case errors.As(err, &storeErr):
		response.Error(c, http.StatusInternalServerError, response.CodeStorageError, "membership lookup failed")
	case errors.As(err, &delivery):
		response.ServiceUnavailable(c, "notice could not be published")
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("unexpected error")
		response.InternalError(c, "internal error")
	}
}
