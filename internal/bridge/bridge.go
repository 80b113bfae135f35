package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/registry"
	"github.com/weiawesome/yams-chat/pkg/log"
	"github.com/weiawesome/yams-chat/pkg/pubsub"
)

// Config tunes publishing and the subscription loop.
type Config struct {
	Channel        string
	InstanceID     string
	PublishTimeout time.Duration
	PublishRetries int
	RetryBackoff   time.Duration
	DedupWindow    int
	ResubscribeGap time.Duration
}

// Bridge is the only fan-out path. Publishers hand it events; every
// process's Bridge receives every event, its own included, and delivers it
// to the local connections of the targets.
type Bridge struct {
	ps       pubsub.PubSub
	registry *registry.Registry
	cfg      Config
	seen     *seenSet

	ready     chan struct{}
	readyOnce sync.Once
	doneCh    chan struct{}
}

func New(ps pubsub.PubSub, reg *registry.Registry, cfg Config) *Bridge {
	if cfg.Channel == "" {
		cfg.Channel = pubsub.ChannelChatFanout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	if cfg.PublishRetries < 0 {
		cfg.PublishRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10000
	}
	if cfg.ResubscribeGap <= 0 {
		cfg.ResubscribeGap = 2 * time.Second
	}
	return &Bridge{
		ps:       ps,
		registry: reg,
		cfg:      cfg,
		seen:     newSeenSet(cfg.DedupWindow),
		ready:    make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Ready is closed once the first subscription is live.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Done is closed when Run returns.
func (b *Bridge) Done() <-chan struct{} { return b.doneCh }

// Publish puts the event on the backplane. Each attempt is bounded by the
// publish timeout; failed attempts are retried with linear backoff. The
// final failure is returned as a *domain.DeliveryError.
func (b *Bridge) Publish(ctx context.Context, ev *domain.FanOutEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return domain.NewDeliveryError(ev.ID, err)
	}
	envelope := &pubsub.Event{
		ID:        ev.ID,
		Type:      string(ev.Kind),
		ChatID:    ev.ChatID,
		Origin:    b.cfg.InstanceID,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}

	l := log.Ctx(ctx)
	for attempt := 0; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
		err = b.ps.Publish(pctx, b.cfg.Channel, envelope)
		cancel()
		if err == nil {
			return nil
		}
		if attempt >= b.cfg.PublishRetries || ctx.Err() != nil {
			break
		}

		l.Warn().Err(err).
			Str(log.FieldEventID, ev.ID).
			Int("attempt", attempt+1).
			Msg("backplane publish failed, retrying")

		select {
		case <-ctx.Done():
			return domain.NewDeliveryError(ev.ID, ctx.Err())
		case <-time.After(b.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}

	return domain.NewDeliveryError(ev.ID, err)
}

// Run subscribes and delivers inbound events until ctx is done. When the
// backplane stream breaks it resubscribes after ResubscribeGap.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.doneCh)
	l := log.L().With().Str("component", "bridge").Str(log.FieldInstance, b.cfg.InstanceID).Logger()

	for {
		err := b.runSubscription(ctx)
		if ctx.Err() != nil {
			return
		}
		ev := l.Warn()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Dur("retry_in", b.cfg.ResubscribeGap).Msg("backplane subscription ended, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.ResubscribeGap):
		}
	}
}

func (b *Bridge) runSubscription(ctx context.Context) error {
	events, err := b.ps.Subscribe(ctx, b.cfg.Channel)
	if err != nil {
		return err
	}
	defer func() {
		// Best effort; the stream may already be gone.
		_ = b.ps.Unsubscribe(context.Background(), b.cfg.Channel)
	}()

	b.readyOnce.Do(func() { close(b.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.handle(ev)
		}
	}
}

// handle delivers one backplane event locally and returns the number of
// connections that accepted it.
func (b *Bridge) handle(env *pubsub.Event) int {
	l := log.L()

	if env.ID == "" || !b.seen.Add(env.ID) {
		l.Debug().Str(log.FieldEventID, env.ID).Msg("duplicate backplane event dropped")
		return 0
	}

	var ev domain.FanOutEvent
	if err := env.UnmarshalPayload(&ev); err != nil {
		l.Warn().Err(err).Str(log.FieldEventID, env.ID).Msg("undecodable backplane event dropped")
		return 0
	}

	delivered := 0
	for _, userID := range ev.Recipients() {
		for _, conn := range b.registry.LocalConnectionsFor(userID) {
			if conn.Deliver(ev.Payload) {
				delivered++
				continue
			}
			l.Debug().
				Str(log.FieldEventID, ev.ID).
				Str(log.FieldConnectionID, conn.ID()).
				Msg("delivery to closed connection dropped")
		}
	}

	l.Debug().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldEventKind, string(ev.Kind)).
		Str(log.FieldChatID, ev.ChatID).
		Int("delivered", delivered).
		Msg("backplane event delivered")
	return delivered
}
