package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
)

// DefaultChannel is the pub/sub channel wakes travel on.
const DefaultChannel = "pulsed:wake"

// Redis fans wakes out to every process subscribed to one channel.
// The caller owns the client.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *zap.SugaredLogger
}

// NewRedis creates a notifier on client.
func NewRedis(client *redis.Client, channel string, log *zap.SugaredLogger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.Logger
	}
	return &Redis{client: client, channel: channel, logger: log.Named("notify")}
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "redis ping"), errors.ErrServiceUnavailable)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, queue string) error {
	if err := r.client.Publish(ctx, r.channel, queue).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish wake for %s", queue)
	}
	return nil
}

// Listen subscribes to the channel. go-redis reconnects the subscription on
// its own; Listen returns when ctx ends or the client is closed.
func (r *Redis) Listen(ctx context.Context, fn func(queue string)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "failed to subscribe to %s", r.channel)
	}
	r.logger.Debugw("Subscribed to wake channel", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

func (r *Redis) Close() error {
	return nil
}
