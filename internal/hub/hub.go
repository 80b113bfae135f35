package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weiawesome/yams-chat/internal/registry"
	"github.com/weiawesome/yams-chat/pkg/log"
)

var ErrShuttingDown = errors.New("gateway is shutting down")

// Presence is the cluster directory a hub reports users to.
type Presence interface {
	Track(ctx context.Context, userID string) error
	Untrack(ctx context.Context, userID string) error
}

// Hub admits clients into the local registry and keeps the cluster
// presence directory in step with it.
type Hub struct {
	registry *registry.Registry
	presence Presence
	timeout  time.Duration

	// mu orders admissions against Shutdown's snapshot.
	mu      sync.RWMutex
	closing bool
}

// NewHub creates a hub. presence may be nil.
func NewHub(reg *registry.Registry, presence Presence) *Hub {
	return &Hub{
		registry: reg,
		presence: presence,
		timeout:  2 * time.Second,
	}
}

// Registry returns the hub's local registry.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Register admits a client. Once it returns the client receives every
// event targeting its user.
func (h *Hub) Register(client *Client) error {
	h.mu.RLock()
	if h.closing {
		h.mu.RUnlock()
		return ErrShuttingDown
	}
	first := h.registry.Admit(client.UserID(), client)
	h.mu.RUnlock()

	l := log.Ctx(client.ctx)
	l.Debug().Bool("first", first).Int("connections", h.registry.Len()).Msg("client registered")

	if first && h.presence != nil {
		ctx, cancel := context.WithTimeout(client.ctx, h.timeout)
		defer cancel()
		if err := h.presence.Track(ctx, client.UserID()); err != nil {
			l.Warn().Err(err).Msg("failed to publish presence")
		}
	}
	return nil
}

// Unregister closes and removes a client. It is safe to call more than
// once.
func (h *Hub) Unregister(client *Client) {
	client.Close()
	if !h.registry.Remove(client.ID(), client.UserID()) {
		return
	}

	l := log.Ctx(client.ctx)
	l.Debug().Msg("last connection of user closed")
	if h.presence == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(client.ctx), h.timeout)
	defer cancel()
	if err := h.presence.Untrack(ctx, client.UserID()); err != nil {
		l.Warn().Err(err).Msg("failed to withdraw presence")
		return
	}
	// A reconnect may have raced the withdrawal.
	if h.registry.IsPresent(client.UserID()) {
		if err := h.presence.Track(ctx, client.UserID()); err != nil {
			l.Warn().Err(err).Msg("failed to restore presence")
		}
	}
}

// Shutdown refuses new clients, closes every open one and waits until
// they are gone or ctx ends.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	conns := h.registry.All()
	for _, conn := range conns {
		if c, ok := conn.(*Client); ok {
			c.Close()
		}
	}
	l := log.L()
	l.Info().Int("connections", len(conns)).Msg("closing client connections")

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for h.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
