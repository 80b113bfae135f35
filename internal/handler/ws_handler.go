package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/weiawesome/yams-chat/internal/audit"
	"github.com/weiawesome/yams-chat/internal/auth"
	"github.com/weiawesome/yams-chat/internal/config"
	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/hub"
	"github.com/weiawesome/yams-chat/internal/service"
	"github.com/weiawesome/yams-chat/pkg/log"
	"github.com/weiawesome/yams-chat/pkg/response"
)

type WSHandler struct {
	hub      *hub.Hub
	service  service.ChatService
	auth     *auth.Authenticator
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, svc service.ChatService, authenticator *auth.Authenticator, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		auth:    authenticator,
		wsCfg:   wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsCfg.ReadBufferSize,
			WriteBufferSize: wsCfg.WriteBufferSize,
			CheckOrigin:     originChecker(wsCfg.AllowedOrigins),
		},
	}
}

// originChecker allows every origin when none are configured.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return lo.Contains(allowed, origin) || lo.Contains(allowed, u.Host)
	}
}

// HandleWebSocket authenticates the request and only then upgrades it. A
// rejected attempt gets a 401 and never touches the registry.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l := log.Ctx(ctx)

	result, err := h.auth.Authenticate(ctx, r)
	if err != nil {
		reason := err.Error()
		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) {
			reason = authErr.Reason
		}
		audit.LogWithDetail(ctx, audit.ActionAuthFailed, "", reason, "handshake rejected")
		writeUnauthorized(w, reason)
		return
	}

	var header http.Header
	if result.Subprotocol != "" {
		header = http.Header{}
		header.Set("Sec-WebSocket-Protocol", result.Subprotocol)
	}
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session := domain.NewSession(uuid.New().String(), result.Identity, r.RemoteAddr)
	// The request context ends with this handler; the connection outlives it.
	client := hub.NewClient(context.WithoutCancel(ctx), h.hub, conn, session, h.wsCfg)

	if err := h.hub.Register(client); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	audit.Log(client.Context(), audit.ActionConnect, session.UserID, "connected")

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleMessage)
		audit.Log(client.Context(), audit.ActionDisconnect, session.UserID, "disconnected")
	}()
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(response.Response{
		Success: false,
		Error:   &response.ErrorInfo{Code: response.CodeUnauthorized, Message: reason},
	})
}

// handleMessage runs on the client's read pump, so one connection's events
// are handled in the order they arrived.
func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	switch base.Type {
	case domain.MsgTypeSend:
		var msg domain.SendMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid send message"))
			return
		}
		// Work past persistence must survive a disconnect.
		if _, err := h.service.HandleSend(context.WithoutCancel(ctx), client.Session, &msg); err != nil {
			h.sendError(client, err)
		}

	case domain.MsgTypeChatCreated:
		var msg domain.ChatCreatedMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid chat_created message"))
			return
		}
		if err := h.service.HandleChatCreated(ctx, client.Session, &msg); err != nil {
			h.sendError(client, err)
		}

	case domain.MsgTypePing:
		client.SendMessage(&domain.PongMessage{Type: domain.MsgTypePong})

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}
}

// sendError reports err to the originating connection only. Delivery
// failures happen after persistence and are not the sender's concern.
func (h *WSHandler) sendError(client *hub.Client, err error) {
	var delivery *domain.DeliveryError
	if errors.As(err, &delivery) {
		return
	}
	code, message := domain.ErrorCode(err)
	client.SendMessage(domain.NewErrorMessage(code, message))
}

func (h *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET(h.wsCfg.Path, gin.WrapF(h.HandleWebSocket))
}
