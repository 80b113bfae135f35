package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/yams-chat/internal/config"
	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/registry"
)

type recordingPresence struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (p *recordingPresence) Track(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "track:"+userID)
	return p.err
}

func (p *recordingPresence) Untrack(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "untrack:"+userID)
	return p.err
}

func (p *recordingPresence) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newTestClient(h *Hub, connID, userID string, buffer int) *Client {
	session := domain.NewSession(connID, domain.Identity{UserID: userID, Username: userID}, "127.0.0.1")
	return NewClient(context.Background(), h, nil, session, config.WebSocketConfig{SendBuffer: buffer})
}

func TestHub_TracksPresenceOnFirstAndLastConnection(t *testing.T) {
	req := require.New(t)

	// Given a hub reporting to a presence directory
	presence := &recordingPresence{}
	h := NewHub(registry.New(4), presence)
	c1 := newTestClient(h, "c1", "alice", 8)
	c2 := newTestClient(h, "c2", "alice", 8)

	// When alice opens two connections and closes both
	req.NoError(h.Register(c1))
	req.NoError(h.Register(c2))
	h.Unregister(c1)
	req.True(h.Registry().IsPresent("alice"))
	h.Unregister(c2)

	// Then presence was claimed once and withdrawn once
	req.Equal([]string{"track:alice", "untrack:alice"}, presence.recorded())
	req.False(h.Registry().IsPresent("alice"))
}

func TestHub_UnregisterIsIdempotent(t *testing.T) {
	req := require.New(t)

	presence := &recordingPresence{}
	h := NewHub(registry.New(4), presence)
	c := newTestClient(h, "c1", "alice", 8)
	req.NoError(h.Register(c))

	h.Unregister(c)
	h.Unregister(c)

	req.Equal([]string{"track:alice", "untrack:alice"}, presence.recorded())
}

func TestHub_PresenceFailureDoesNotRejectClient(t *testing.T) {
	req := require.New(t)

	// Given a failing presence directory
	h := NewHub(registry.New(4), &recordingPresence{err: errors.New("redis down")})
	c := newTestClient(h, "c1", "alice", 8)

	// When alice connects
	err := h.Register(c)

	// Then she is still admitted locally
	req.NoError(err)
	req.True(h.Registry().IsPresent("alice"))
}

func TestClient_SlowConsumerIsClosed(t *testing.T) {
	req := require.New(t)

	// Given a client with room for one frame
	h := NewHub(registry.New(4), nil)
	c := newTestClient(h, "c1", "alice", 1)

	// When two frames arrive before the write pump drains
	req.True(c.Deliver([]byte("one")))
	req.False(c.Deliver([]byte("two")))

	// Then the client is closed and refuses further frames
	req.False(c.Deliver([]byte("three")))
	select {
	case <-c.Context().Done():
	default:
		t.Fatal("client context not cancelled")
	}
}

func TestHub_ShutdownRefusesNewClients(t *testing.T) {
	req := require.New(t)

	// Given a hub with one open client
	h := NewHub(registry.New(4), nil)
	c := newTestClient(h, "c1", "alice", 8)
	req.NoError(h.Register(c))

	// When it shuts down while the client's read pump unregisters it
	go func() {
		<-c.Context().Done()
		h.Unregister(c)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req.NoError(h.Shutdown(ctx))

	// Then it is empty and refuses newcomers
	req.Equal(0, h.Registry().Len())
	req.ErrorIs(h.Register(newTestClient(h, "c2", "bob", 8)), ErrShuttingDown)
}

func TestHub_ShutdownClosesClientsAdmittedConcurrently(t *testing.T) {
	req := require.New(t)

	// Given clients registering while the hub shuts down
	h := NewHub(registry.New(4), nil)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []*Client
	)
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		c := newTestClient(h, fmt.Sprintf("c%d", i), fmt.Sprintf("user-%d", i%5), 8)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if h.Register(c) != nil {
				return
			}
			mu.Lock()
			admitted = append(admitted, c)
			mu.Unlock()
			<-c.Context().Done()
			h.Unregister(c)
		}()
	}

	// When shutdown races the registrations
	close(start)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Shutdown(ctx)
	wg.Wait()

	// Then every admitted client was closed and the registry drained
	req.NoError(err)
	req.Equal(0, h.Registry().Len())
	mu.Lock()
	defer mu.Unlock()
	for _, c := range admitted {
		req.Error(c.Context().Err())
	}
}
