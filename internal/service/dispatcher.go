package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/internal/media"
	"github.com/weiawesome/yams-chat/internal/store"
	"github.com/weiawesome/yams-chat/pkg/log"
)

var errDispatcherStopped = errors.New("dispatcher is stopped")

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	Lanes            int
	LaneBuffer       int
	LockStripes      int
	MaxContentLength int
	StoreTimeout     time.Duration
	EchoToSender     bool
}

type fanoutJob struct {
	msg      *domain.ChatMessage
	exclude  string
	enqueued time.Time
}

// Dispatcher validates, persists and fans out chat messages.
//
// Messages of one chat are persisted under that chat's stripe lock and
// handed, still under the lock, to the lane owning the chat. A lane is a
// single goroutine, so the publish order of a chat equals its persist
// order while different chats proceed in parallel.
type Dispatcher struct {
	store     store.ChatStore
	publisher Publisher
	media     MediaResolver
	validate  *validator.Validate
	cfg       DispatcherConfig
	now       func() time.Time

	locks []sync.Mutex
	lanes []chan fanoutJob

	mu         sync.RWMutex
	stopped    bool
	wg         sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc
}

func NewDispatcher(s store.ChatStore, p Publisher, m MediaResolver, cfg DispatcherConfig) *Dispatcher {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 16
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 1024
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 256
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 4000
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		store:     s,
		publisher: p,
		media:     m,
		validate:  validator.New(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		locks:     make([]sync.Mutex, cfg.LockStripes),
		lanes:     make([]chan fanoutJob, cfg.Lanes),
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan fanoutJob, cfg.LaneBuffer)
	}
	return d
}

// Start launches the lane workers. They outlive ctx cancellation on
// purpose: persisted messages still get published until Stop drains them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.workCtx, d.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	for i, lane := range d.lanes {
		d.wg.Add(1)
		go d.runLane(i, lane)
	}
}

// Stop refuses new messages and waits for queued fan-outs until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.stopWork()
		return nil
	case <-ctx.Done():
		// Abort in-flight publishes; queued jobs then fail fast.
		d.stopWork()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) stopWork() {
	if d.cancelWork != nil {
		d.cancelWork()
	}
}

func (d *Dispatcher) stripe(chatID string) *sync.Mutex {
	return &d.locks[xxhash.Sum64String(chatID)%uint64(len(d.locks))]
}

func (d *Dispatcher) lane(chatID string) chan fanoutJob {
	return d.lanes[xxhash.Sum64String(chatID)%uint64(len(d.lanes))]
}

// Dispatch handles one inbound send. The author is always the session's
// identity. On success the message is persisted and queued for fan-out;
// fan-out failures are logged and never returned. Once Stop has begun,
// sends are refused before anything is persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, session *domain.Session, req *domain.SendMessage) (*domain.ChatMessage, error) {
	if err := d.validateSend(ctx, req); err != nil {
		return nil, err
	}

	// Held until the job is queued so Stop never closes a lane between
	// persist and enqueue.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped || d.workCtx == nil {
		return nil, domain.NewStorageError("dispatch", errDispatcherStopped)
	}

	msg := &domain.ChatMessage{
		MessageID: uuid.New().String(),
		ChatID:    req.ChatID,
		SentBy:    session.Sender(),
		Content:   req.Content,
		IsMedia:   req.IsMedia,
		Timestamp: d.now(),
	}

	lock := d.stripe(req.ChatID)
	lock.Lock()
	defer lock.Unlock()

	saved, err := d.persist(ctx, msg)
	if err != nil {
		return nil, err
	}

	exclude := ""
	if !d.cfg.EchoToSender {
		exclude = session.UserID
	}
	if err := d.enqueue(ctx, fanoutJob{msg: saved, exclude: exclude, enqueued: time.Now()}); err != nil {
		l := log.Ctx(ctx)
		l.Error().
			Err(domain.NewDeliveryError(saved.MessageID, err)).
			Str(log.FieldChatID, saved.ChatID).
			Msg("persisted message was not queued for fan-out")
	}
	return saved, nil
}

func (d *Dispatcher) validateSend(ctx context.Context, req *domain.SendMessage) error {
	if req == nil {
		return domain.NewValidationError("empty message", nil)
	}
	if err := d.validate.Struct(req); err != nil {
		return domain.NewValidationError("chat_id and content are required", err)
	}
	if utf8.RuneCountInString(req.Content) > d.cfg.MaxContentLength {
		return domain.NewValidationError("content is too long", nil)
	}
	if !req.IsMedia || d.media == nil {
		return nil
	}

	err := d.media.ValidateRef(ctx, req.ChatID, req.Content)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, media.ErrNotFound), errors.Is(err, media.ErrForeignObject):
		return domain.NewValidationError("unknown media attachment", err)
	default:
		return domain.NewStorageError("media_lookup", err)
	}
}

func (d *Dispatcher) persist(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	defer cancel()

	saved, err := d.store.AppendMessage(sctx, msg.ChatID, msg)
	switch {
	case err == nil:
		return saved, nil
	case errors.Is(err, store.ErrChatNotFound):
		return nil, domain.NewValidationError("chat not found", err)
	case errors.Is(err, store.ErrNotMember):
		return nil, domain.NewForbiddenError("you are not a member of this chat", err)
	default:
		return nil, domain.NewStorageError("append_message", err)
	}
}

// enqueue blocks while the lane is full so a slow backplane pushes back on
// senders instead of losing persisted messages. The caller holds d.mu.
func (d *Dispatcher) enqueue(ctx context.Context, job fanoutJob) error {
	select {
	case d.lane(job.msg.ChatID) <- job:
		return nil
	default:
	}

	// Lane full: wait, but never past the caller's context.
	select {
	case d.lane(job.msg.ChatID) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runLane(idx int, lane <-chan fanoutJob) {
	defer d.wg.Done()
	l := log.L().With().Str("component", "dispatcher").Int("lane", idx).Logger()

	for job := range lane {
		if err := d.fanOut(job); err != nil {
			l.Error().Err(err).
				Str(log.FieldChatID, job.msg.ChatID).
				Str(log.FieldMessageID, job.msg.MessageID).
				Msg("fan-out failed")
			continue
		}
		l.Debug().
			Str(log.FieldMessageID, job.msg.MessageID).
			Dur("since_persist", time.Since(job.enqueued)).
			Msg("message fanned out")
	}
}

// fanOut resolves the recipients from a fresh membership read and publishes.
func (d *Dispatcher) fanOut(job fanoutJob) error {
	ctx, cancel := context.WithTimeout(d.workCtx, d.cfg.StoreTimeout)
	members, err := d.store.GetChatMembers(ctx, job.msg.ChatID)
	cancel()
	if err != nil {
		return domain.NewDeliveryError(job.msg.MessageID, err)
	}

	out := domain.NewMessageOut(job.msg)
	if job.msg.IsMedia && d.media != nil {
		url, err := d.media.URLFor(d.workCtx, job.msg.Content)
		if err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldMessageID, job.msg.MessageID).Msg("media url unavailable")
		}
		out.MediaURL = url
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return domain.NewDeliveryError(job.msg.MessageID, err)
	}

	return d.publisher.Publish(d.workCtx, &domain.FanOutEvent{
		ID:            uuid.New().String(),
		Kind:          domain.KindMessage,
		ChatID:        job.msg.ChatID,
		Payload:       payload,
		ExcludeUserID: job.exclude,
		Targets:       members,
	})
}
