package push

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Stream   string
	Logger   *log.Logger
}

func (cfg RedisConfig) withDefaults() RedisConfig {
	if cfg.Channel == "" {
		cfg.Channel = "task-updates"
	}
	if cfg.Stream == "" {
		cfg.Stream = "task-updates"
	}
	return cfg
}

func connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisFeed subscribes to a Pub/Sub channel. Pub/Sub has no replay: messages
// published while nobody listens are lost, which the polling fallback covers.
type RedisFeed struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

func NewRedisFeed(ctx context.Context, cfg RedisConfig) (*RedisFeed, error) {
	cfg = cfg.withDefaults()
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RedisFeed{client: client, channel: cfg.Channel, logger: cfg.Logger}, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					if f.logger != nil {
						f.logger.Printf("redis feed channel closed channel=%s", f.channel)
					}
					return
				}
				select {
				case out <- []byte(message.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisPublisher publishes task updates on the Pub/Sub channel a RedisFeed reads.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	cfg = cfg.withDefaults()
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client, channel: cfg.Channel}, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) Publish(ctx context.Context, payload []byte) error {
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}
