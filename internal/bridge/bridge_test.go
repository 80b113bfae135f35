package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/registry"
	"github.com/weiawesome/yams-chat/pkg/pubsub"
)

type recordingConn struct {
	id     string
	userID string
	mu     sync.Mutex
	frames [][]byte
}

func newRecordingConn(userID string) *recordingConn {
	return &recordingConn{id: uuid.NewString(), userID: userID}
}

func (c *recordingConn) ID() string     { return c.id }
func (c *recordingConn) UserID() string { return c.userID }

func (c *recordingConn) Deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return true
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// process is one gateway instance: its own registry and bridge on a
// shared broker.
type process struct {
	registry *registry.Registry
	bridge   *Bridge
	ps       pubsub.PubSub
}

func startProcess(t *testing.T, ctx context.Context, broker *pubsub.MemoryBroker, name string) *process {
	t.Helper()
	return startProcessOn(t, ctx, broker.Connect(), name)
}

func startProcessOn(t *testing.T, ctx context.Context, ps pubsub.PubSub, name string) *process {
	t.Helper()
	reg := registry.New(4)
	b := New(ps, reg, Config{
		InstanceID:     name,
		PublishTimeout: time.Second,
		ResubscribeGap: 10 * time.Millisecond,
	})
	go b.Run(ctx)

	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatalf("bridge %s did not subscribe", name)
	}
	return &process{registry: reg, bridge: b, ps: ps}
}

func messageEvent(chatID string, targets ...string) *domain.FanOutEvent {
	payload, _ := json.Marshal(map[string]string{"type": "message", "chat_id": chatID})
	return &domain.FanOutEvent{
		Kind:    domain.KindMessage,
		ChatID:  chatID,
		Payload: payload,
		Targets: targets,
	}
}

func TestBridge_DeliversExactlyOnceAcrossProcesses(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := pubsub.NewMemoryBroker()
	p1 := startProcess(t, ctx, broker, "p1")
	p2 := startProcess(t, ctx, broker, "p2")

	// Given alice is connected to both processes and bob only to p2
	alice1 := newRecordingConn("alice")
	alice2 := newRecordingConn("alice")
	bob := newRecordingConn("bob")
	p1.registry.Admit("alice", alice1)
	p2.registry.Admit("alice", alice2)
	p2.registry.Admit("bob", bob)

	// When p1 publishes an event for alice and bob
	req.NoError(p1.bridge.Publish(ctx, messageEvent("c1", "alice", "bob")))

	// Then every connection gets it exactly once
	req.Eventually(func() bool {
		return alice1.count() == 1 && alice2.count() == 1 && bob.count() == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	req.Equal(1, alice1.count())
	req.Equal(1, alice2.count())
	req.Equal(1, bob.count())
}

func TestBridge_DeliversExactlyOnceOverRedis(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	connect := func() pubsub.PubSub {
		ps, err := pubsub.NewRedisPubSub(pubsub.RedisConfig{Address: mr.Addr()})
		req.NoError(err)
		t.Cleanup(func() { _ = ps.Close() })
		return ps
	}
	p1 := startProcessOn(t, ctx, connect(), "p1")
	p2 := startProcessOn(t, ctx, connect(), "p2")

	// Given alice is connected to both processes and bob only to p2
	alice1 := newRecordingConn("alice")
	alice2 := newRecordingConn("alice")
	bob := newRecordingConn("bob")
	p1.registry.Admit("alice", alice1)
	p2.registry.Admit("alice", alice2)
	p2.registry.Admit("bob", bob)

	// When p2 publishes the same event twice, as a retried publish would
	ev := messageEvent("c1", "alice", "bob")
	req.NoError(p2.bridge.Publish(ctx, ev))
	req.NoError(p2.bridge.Publish(ctx, ev))

	// Then every connection gets it exactly once
	req.Eventually(func() bool {
		return alice1.count() == 1 && alice2.count() == 1 && bob.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	req.Equal(1, alice1.count())
	req.Equal(1, alice2.count())
	req.Equal(1, bob.count())
}

func TestBridge_ExcludedUserGetsNothing(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := startProcess(t, ctx, pubsub.NewMemoryBroker(), "p1")
	alice := newRecordingConn("alice")
	bob := newRecordingConn("bob")
	p.registry.Admit("alice", alice)
	p.registry.Admit("bob", bob)

	// When an event excludes alice
	ev := messageEvent("c1", "alice", "bob")
	ev.ExcludeUserID = "alice"
	req.NoError(p.bridge.Publish(ctx, ev))

	// Then only bob receives it
	req.Eventually(func() bool { return bob.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	req.Equal(0, alice.count())
}

func TestBridge_RedeliveredEventIsDropped(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := startProcess(t, ctx, pubsub.NewMemoryBroker(), "p1")
	alice := newRecordingConn("alice")
	p.registry.Admit("alice", alice)

	// Given the backplane delivers the same event twice
	ev := messageEvent("c1", "alice")
	ev.ID = uuid.NewString()
	req.NoError(p.bridge.Publish(ctx, ev))
	req.NoError(p.bridge.Publish(ctx, ev))

	// And a different event after it
	req.NoError(p.bridge.Publish(ctx, messageEvent("c1", "alice")))

	// Then alice sees two deliveries, not three
	req.Eventually(func() bool { return alice.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	req.Equal(2, alice.count())
}

func TestBridge_OfflineTargetIsSkipped(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := startProcess(t, ctx, pubsub.NewMemoryBroker(), "p1")
	bob := newRecordingConn("bob")
	p.registry.Admit("bob", bob)

	// When an event targets a user with no connection anywhere
	req.NoError(p.bridge.Publish(ctx, messageEvent("c1", "carol", "bob")))

	// Then the others still receive it
	req.Eventually(func() bool { return bob.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridge_ResubscribesAfterStreamEnds(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := startProcess(t, ctx, pubsub.NewMemoryBroker(), "p1")
	alice := newRecordingConn("alice")
	p.registry.Admit("alice", alice)

	// Given the backplane drops the subscription
	req.NoError(p.ps.Unsubscribe(ctx, pubsub.ChannelChatFanout))

	// When events keep being published
	req.Eventually(func() bool {
		_ = p.bridge.Publish(ctx, messageEvent("c1", "alice"))
		return alice.count() > 0
	}, 2*time.Second, 20*time.Millisecond)
}

type flakyPubSub struct {
	pubsub.PubSub
	failures int32
	calls    atomic.Int32
}

func (f *flakyPubSub) Publish(ctx context.Context, channel string, event *pubsub.Event) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("backplane unavailable")
	}
	return nil
}

func TestBridge_PublishRetriesThenSucceeds(t *testing.T) {
	req := require.New(t)
	ps := &flakyPubSub{failures: 2}
	b := New(ps, registry.New(1), Config{
		PublishRetries: 3,
		RetryBackoff:   time.Millisecond,
	})

	err := b.Publish(context.Background(), messageEvent("c1", "alice"))

	req.NoError(err)
	req.Equal(int32(3), ps.calls.Load())
}

func TestBridge_PublishGivesUpWithDeliveryError(t *testing.T) {
	req := require.New(t)
	ps := &flakyPubSub{failures: 100}
	b := New(ps, registry.New(1), Config{
		PublishRetries: 2,
		RetryBackoff:   time.Millisecond,
	})
	ev := messageEvent("c1", "alice")

	err := b.Publish(context.Background(), ev)

	var delErr *domain.DeliveryError
	req.ErrorAs(err, &delErr)
	req.Equal(ev.ID, delErr.EventID)
	req.Equal(int32(3), ps.calls.Load())
}

func TestSeenSet_EvictsOldest(t *testing.T) {
	req := require.New(t)
	s := newSeenSet(2)

	req.True(s.Add("a"))
	req.True(s.Add("b"))
	req.False(s.Add("a"))

	// When a third id pushes "a" out of the window
	req.True(s.Add("c"))

	// Then "a" counts as new again while "c" is remembered
	req.Equal(2, s.Len())
	req.True(s.Add("a"))
	req.False(s.Add("c"))
}
