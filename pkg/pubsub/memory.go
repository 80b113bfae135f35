package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by a MemoryPubSub after Close.
var ErrClosed = errors.New("pubsub: closed")

// MemoryBroker is an in-process backplane. Every MemoryPubSub connected to
// the same broker sees the others' events, which lets several gateway
// instances share a backplane inside one test binary or a single-node
// deployment.
type MemoryBroker struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Connect returns a new client of the broker.
func (b *MemoryBroker) Connect() *MemoryPubSub {
	return &MemoryPubSub{
		broker: b,
		subs:   make(map[string]*memorySubscription),
	}
}

func (b *MemoryBroker) add(channel string, s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}
}

func (b *MemoryBroker) remove(channel string, s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[channel], s)
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

func (b *MemoryBroker) subscribers(channel string) []*memorySubscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*memorySubscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		out = append(out, s)
	}
	return out
}

type memorySubscription struct {
	inbox chan *Event
	done  chan struct{}
	once  sync.Once
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// forward moves events from the inbox to out until stopped; out is closed
// on exit so consumers observe the end of the stream.
func (s *memorySubscription) forward(ctx context.Context, out chan<- *Event) {
	defer close(out)
	for {
		select {
		case ev := <-s.inbox:
			select {
			case out <- ev:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// MemoryPubSub is one client of a MemoryBroker.
type MemoryPubSub struct {
	broker *MemoryBroker
	mu     sync.Mutex
	subs   map[string]*memorySubscription
	closed bool
}

// Publish delivers a copy of the event to every subscriber of the channel,
// this client's own subscriptions included.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	// Encode like a network driver would so subscribers never share memory
	// with the publisher.
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, s := range m.broker.subscribers(channel) {
		var copied Event
		if err := json.Unmarshal(data, &copied); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		select {
		case s.inbox <- &copied:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscription on the channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if existing, ok := m.subs[channel]; ok {
		existing.stop()
		m.broker.remove(channel, existing)
	}

	s := &memorySubscription{
		inbox: make(chan *Event, 1024),
		done:  make(chan struct{}),
	}
	m.subs[channel] = s
	m.broker.add(channel, s)

	out := make(chan *Event)
	go func() {
		s.forward(ctx, out)
		s.stop()
		m.broker.remove(channel, s)
	}()

	return out, nil
}

// Unsubscribe ends the subscription on the channel.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[channel]; ok {
		delete(m.subs, channel)
		s.stop()
		m.broker.remove(channel, s)
	}
	return nil
}

// Close ends every subscription of this client.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for channel, s := range m.subs {
		delete(m.subs, channel)
		s.stop()
		m.broker.remove(channel, s)
	}
	return nil
}
