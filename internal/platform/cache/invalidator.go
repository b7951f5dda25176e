package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel carries principal ids whose grants changed.
const DefaultInvalidationChannel = "authz.invalidate"

// Invalidator fans out grant invalidations to every process holding a
// permission cache.
type Invalidator struct {
	client   *redis.Client
	channel  string
	logger   *slog.Logger
	recorder Recorder
}

// Recorder observes publish outcomes.
type Recorder interface {
	Invalidation(path string, err error)
}

// NewInvalidator constructs an Invalidator on the given channel.
func NewInvalidator(client *redis.Client, channel string, logger *slog.Logger) *Invalidator {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{client: client, channel: channel, logger: logger}
}

// WithRecorder returns a copy of i that reports every publish to r under
// the "pubsub" path.
func (i *Invalidator) WithRecorder(r Recorder) *Invalidator {
	cp := *i
	cp.recorder = r
	return &cp
}

// Publish announces that principalID's roles or permissions changed.
func (i *Invalidator) Publish(ctx context.Context, principalID string) error {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return errors.New("platform/cache: principal id required")
	}
	if i == nil || i.client == nil {
		return nil
	}
	err := i.client.Publish(ctx, i.channel, principalID).Err()
	if i.recorder != nil {
		i.recorder.Invalidation("pubsub", err)
	}
	return err
}

// Listen subscribes to invalidations and calls fn for each principal id until
// ctx is cancelled. The subscription is confirmed before Listen returns.
func (i *Invalidator) Listen(ctx context.Context, fn func(principalID string)) error {
	if i == nil || i.client == nil {
		return nil
	}
	pubsub := i.client.Subscribe(ctx, i.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id := strings.TrimSpace(msg.Payload)
				if id == "" {
					i.logger.Warn("authz invalidation without principal", slog.String("channel", msg.Channel))
					continue
				}
				fn(id)
			}
		}
	}()
	return nil
}
