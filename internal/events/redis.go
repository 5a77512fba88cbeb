package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStream publishes events to a Redis stream and consumes them through a
// consumer group, so several server processes share the work.
type RedisStream struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	maxLen   int64
	logger   *zap.Logger
}

func NewRedisStream(addr string, password string, db int, stream string, consumer string, logger *zap.Logger) *RedisStream {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if logger == nil {
		logger = zap.NewNop()
	}
	if stream == "" {
		stream = "ledger:customer-activity"
	}
	if consumer == "" {
		consumer = "ledger-server"
	}
	return &RedisStream{
		client:   client,
		stream:   stream,
		group:    "customer-aggregate",
		consumer: consumer,
		maxLen:   10000,
		logger:   logger,
	}
}

func (r *RedisStream) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStream) Close() error {
	return r.client.Close()
}

func (r *RedisStream) Publish(ctx context.Context, event CustomerActivity) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"customer_id": event.CustomerID,
			"payload":     string(payload),
		},
	}).Err()
}

// EnsureGroup creates the consumer group if it does not exist yet. Call it
// before the first Publish; entries added earlier are not delivered.
func (r *RedisStream) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Consume reads the stream until ctx is cancelled. Every delivered message is
// acknowledged whether or not the handler succeeded.
func (r *RedisStream) Consume(ctx context.Context, handler Handler) error {
	if err := r.EnsureGroup(ctx); err != nil {
		return err
	}

	for {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    32,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			r.logger.Warn("redis stream read failed", zap.String("stream", r.stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				r.handle(ctx, handler, msg)
			}
		}
	}
}

func (r *RedisStream) handle(ctx context.Context, handler Handler, msg redis.XMessage) {
	defer func() {
		if err := r.client.XAck(ctx, r.stream, r.group, msg.ID).Err(); err != nil {
			r.logger.Warn("redis stream ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}()

	raw, _ := msg.Values["payload"].(string)
	event, err := decode([]byte(raw))
	if err != nil {
		r.logger.Warn("dropping malformed stream message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	dispatch(ctx, handler, event, r.logger)
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
