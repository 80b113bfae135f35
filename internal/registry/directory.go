package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/yams-chat/pkg/log"
)

// DirectoryConfig configures the cluster presence directory.
type DirectoryConfig struct {
	Prefix            string
	InstanceID        string
	HeartbeatInterval time.Duration
	TTL               time.Duration
}

// Directory publishes which users are online anywhere in the cluster.
//
// Each user has a sorted set keyed by prefix:user:<id>; members are the
// instance ids holding a connection for that user and scores are the unix
// millisecond expiry of the instance's claim. An instance refreshes its
// claims on every heartbeat, so a crashed instance's claims lapse after TTL
// without any cleanup.
type Directory struct {
	client            *redis.Client
	prefix            string
	instanceID        string
	ttl               time.Duration
	heartbeatInterval time.Duration
	managedUsers      map[string]struct{}
	now               func() time.Time
	mu                sync.RWMutex
	cancel            context.CancelFunc
	done              chan struct{}
}

// NewDirectory creates a directory on an existing Redis client. The caller
// keeps ownership of the client.
func NewDirectory(client *redis.Client, cfg DirectoryConfig) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.TTL {
		cfg.HeartbeatInterval = cfg.TTL / 3
	}
	return &Directory{
		client:            client,
		prefix:            cfg.Prefix,
		instanceID:        cfg.InstanceID,
		ttl:               cfg.TTL,
		heartbeatInterval: cfg.HeartbeatInterval,
		managedUsers:      make(map[string]struct{}),
		now:               time.Now,
	}
}

func (d *Directory) keyFor(userID string) string {
	return fmt.Sprintf("%s:user:%s", d.prefix, userID)
}

func (d *Directory) claim(ctx context.Context, pipe redis.Pipeliner, userID string) {
	key := d.keyFor(userID)
	now := d.now()
	expiry := now.Add(d.ttl).UnixMilli()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry), Member: d.instanceID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now.UnixMilli(), 10))
	pipe.PExpire(ctx, key, 2*d.ttl)
}

// Track claims the user as online on this instance.
func (d *Directory) Track(ctx context.Context, userID string) error {
	d.mu.Lock()
	d.managedUsers[userID] = struct{}{}
	d.mu.Unlock()

	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		d.claim(ctx, pipe, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track user %s: %w", userID, err)
	}
	return nil
}

// Untrack drops this instance's claim for the user.
func (d *Directory) Untrack(ctx context.Context, userID string) error {
	d.mu.Lock()
	delete(d.managedUsers, userID)
	d.mu.Unlock()

	if err := d.client.ZRem(ctx, d.keyFor(userID), d.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to untrack user %s: %w", userID, err)
	}
	return nil
}

// IsOnline reports whether any instance holds a live claim for the user.
func (d *Directory) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, err := d.Online(ctx, []string{userID})
	if err != nil {
		return false, err
	}
	return len(online) == 1, nil
}

// Online filters userIDs down to the users with a live claim, preserving
// input order.
func (d *Directory) Online(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	now := strconv.FormatInt(d.now().UnixMilli(), 10)
	cmds := make([]*redis.IntCmd, len(userIDs))
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = pipe.ZCount(ctx, d.keyFor(id), "("+now, "+inf")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}

	online := make([]string, 0, len(userIDs))
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

// StartHeartbeat refreshes this instance's claims until StopHeartbeat or
// ctx cancellation.
func (d *Directory) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.heartbeatLoop(ctx)

	l := log.L()
	l.Info().Dur("interval", d.heartbeatInterval).Dur("ttl", d.ttl).Msg("presence heartbeat started")
}

func (d *Directory) heartbeatLoop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshClaims(ctx)
		}
	}
}

func (d *Directory) refreshClaims(ctx context.Context) {
	d.mu.RLock()
	users := make([]string, 0, len(d.managedUsers))
	for u := range d.managedUsers {
		users = append(users, u)
	}
	d.mu.RUnlock()

	if len(users) == 0 {
		return
	}

	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range users {
			d.claim(ctx, pipe, u)
		}
		return nil
	})
	if err != nil {
		l := log.L()
		l.Error().Err(err).Int("users", len(users)).Msg("failed to refresh presence claims")
	}
}

// StopHeartbeat stops the refresh loop and withdraws every claim held by
// this instance.
func (d *Directory) StopHeartbeat(ctx context.Context) {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done

	d.mu.Lock()
	users := make([]string, 0, len(d.managedUsers))
	for u := range d.managedUsers {
		users = append(users, u)
	}
	d.managedUsers = make(map[string]struct{})
	d.mu.Unlock()

	if len(users) == 0 {
		return
	}
	_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, u := range users {
			pipe.ZRem(ctx, d.keyFor(u), d.instanceID)
		}
		return nil
	})
	if err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("failed to withdraw presence claims")
	}
}
