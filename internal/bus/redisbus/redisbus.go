// Package redisbus implements bus.Bus on Redis lists.
//
// Publish pushes onto <prefix>:bus:<topic>. Each Subscribe call claims
// messages with BRPOPLPUSH into its own processing list and removes them
// once the handler succeeds, so messages claimed by a crashed process stay in
// Redis until Recover moves them back.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"accession/internal/bus"
	"accession/internal/config"
)

// Bus is a Redis-backed bus.Bus.
type Bus struct {
	rdb         *redis.Client
	prefix      string
	consumer    string
	pollTimeout time.Duration
	delay       time.Duration
	ownsClient  bool

	mu      sync.Mutex
	slots   map[string]int
	closed  bool
	closeCh chan struct{}
}

var (
	_ bus.Bus       = (*Bus)(nil)
	_ bus.Recoverer = (*Bus)(nil)
)

// Option customises a Bus.
type Option func(*Bus)

// WithConsumer names the processing lists owned by this process. It must be
// stable across restarts for Recover to find them.
func WithConsumer(name string) Option {
	return func(b *Bus) { b.consumer = name }
}

// WithPollTimeout bounds each blocking claim.
func WithPollTimeout(d time.Duration) Option {
	return func(b *Bus) { b.pollTimeout = d }
}

// WithRedeliveryDelay sets how long a failed message waits before it is put
// back on its topic.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *Bus) { b.delay = d }
}

// New wraps an existing client.
func New(rdb *redis.Client, prefix string, opts ...Option) *Bus {
	prefix = strings.Trim(prefix, ":")
	if prefix != "" {
		prefix += ":"
	}
	b := &Bus{
		rdb:         rdb,
		prefix:      prefix,
		pollTimeout: 2 * time.Second,
		delay:       time.Second,
		slots:       make(map[string]int),
		closeCh:     make(chan struct{}),
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		b.consumer = host
	} else {
		b.consumer = "accessiond"
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open connects using the [bus] section.
func Open(ctx context.Context, cfg *config.Config) (*Bus, error) {
	if cfg == nil {
		return nil, errors.New("redisbus: config is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Bus.RedisAddr,
		Password: cfg.Bus.RedisPassword,
		DB:       cfg.Bus.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Bus.RedisAddr, err)
	}
	b := New(rdb, cfg.Bus.TopicPrefix,
		WithPollTimeout(time.Duration(cfg.Bus.PollTimeout)*time.Second),
		WithRedeliveryDelay(cfg.RedeliveryDelay()),
	)
	b.ownsClient = true
	return b, nil
}

func (b *Bus) queueKey(topic string) string { return b.prefix + "bus:" + topic }

func (b *Bus) processingPattern(topic string) string {
	return b.queueKey(topic) + ":processing:" + b.consumer + ":*"
}

func (b *Bus) nextProcessingKey(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot := b.slots[topic]
	b.slots[topic] = slot + 1
	return fmt.Sprintf("%s:processing:%s:%d", b.queueKey(topic), b.consumer, slot)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish pushes payload onto topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	return b.rdb.LPush(ctx, b.queueKey(topic), payload).Err()
}

// Subscribe claims and handles messages until ctx is cancelled or the bus is
// closed.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler) error {
	queue := b.queueKey(topic)
	processing := b.nextProcessingKey(topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closeCh:
			return nil
		default:
		}

		payload, err := b.rdb.BRPopLPush(ctx, queue, processing, b.pollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.ErrClosed) {
				return bus.ErrClosed
			}
			return fmt.Errorf("claim from %s: %w", queue, err)
		}

		if herr := handler(ctx, []byte(payload)); herr != nil {
			if err := b.retry(ctx, queue, processing, payload); err != nil {
				return err
			}
			continue
		}
		if err := b.rdb.LRem(context.WithoutCancel(ctx), processing, 1, payload).Err(); err != nil {
			return fmt.Errorf("ack on %s: %w", processing, err)
		}
	}
}

// retry waits out the redelivery delay, then moves the payload from the
// processing list back onto the topic. A cancelled wait leaves it in the
// processing list for Recover.
func (b *Bus) retry(ctx context.Context, queue, processing, payload string) error {
	timer := time.NewTimer(b.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-b.closeCh:
		return nil
	case <-timer.C:
	}
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processing, 1, payload)
		pipe.LPush(ctx, queue, payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("requeue on %s: %w", queue, err)
	}
	return nil
}

// Recover moves every message left in this consumer's processing lists for
// topic back onto the topic. Call it before subscribing.
func (b *Bus) Recover(ctx context.Context, topic string) (int, error) {
	queue := b.queueKey(topic)
	var (
		moved  int
		cursor uint64
	)
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, b.processingPattern(topic), 100).Result()
		if err != nil {
			return moved, fmt.Errorf("scan processing lists: %w", err)
		}
		for _, key := range keys {
			for {
				_, err := b.rdb.RPopLPush(ctx, key, queue).Result()
				if errors.Is(err, redis.Nil) {
					break
				}
				if err != nil {
					return moved, fmt.Errorf("requeue from %s: %w", key, err)
				}
				moved++
			}
		}
		cursor = next
		if cursor == 0 {
			return moved, nil
		}
	}
}

// Len reports the number of messages waiting on topic.
func (b *Bus) Len(ctx context.Context, topic string) (int64, error) {
	return b.rdb.LLen(ctx, b.queueKey(topic)).Result()
}

// Close stops subscribers and closes the client when Open created it.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()
	if b.ownsClient {
		return b.rdb.Close()
	}
	return nil
}
