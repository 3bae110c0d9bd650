package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// StreamsFeed tails a Redis Stream from the newest entry. Each subscription
// reads independently; there is no consumer group because every session needs
// every update.
type StreamsFeed struct {
	client *redis.Client
	stream string
	block  time.Duration
	logger *log.Logger
}

func NewStreamsFeed(ctx context.Context, cfg RedisConfig) (*StreamsFeed, error) {
	cfg = cfg.withDefaults()
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &StreamsFeed{client: client, stream: cfg.Stream, block: 5 * time.Second, logger: cfg.Logger}, nil
}

func (f *StreamsFeed) Close() error {
	return f.client.Close()
}

func (f *StreamsFeed) Subscribe(ctx context.Context) (<-chan []byte, error) {
	lastID, err := f.tailID(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := f.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{f.stream, lastID},
				Count:   50,
				Block:   f.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if f.logger != nil && ctx.Err() == nil {
					f.logger.Printf("streams feed read failed stream=%s err=%v", f.stream, err)
				}
				return
			}

			for _, stream := range streams {
				for _, item := range stream.Messages {
					lastID = item.ID
					payload, parseErr := streamPayload(item)
					if parseErr != nil {
						if f.logger != nil {
							f.logger.Printf("streams feed skipped entry id=%s err=%v", item.ID, parseErr)
						}
						continue
					}
					select {
					case out <- payload:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// tailID returns the newest entry id, "0-0" for an empty stream.
func (f *StreamsFeed) tailID(ctx context.Context) (string, error) {
	entries, err := f.client.XRevRangeN(ctx, f.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("read stream tail: %w", err)
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

// StreamsPublisher appends updates to the stream a StreamsFeed tails, capping
// its length approximately.
type StreamsPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamsPublisher(ctx context.Context, cfg RedisConfig) (*StreamsPublisher, error) {
	cfg = cfg.withDefaults()
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &StreamsPublisher{client: client, stream: cfg.Stream, maxLen: 10000}, nil
}

func (p *StreamsPublisher) Close() error {
	return p.client.Close()
}

func (p *StreamsPublisher) Publish(ctx context.Context, payload []byte) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			payloadField:   string(payload),
			"published_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("append to stream: %w", err)
	}
	return nil
}

func streamPayload(item redis.XMessage) ([]byte, error) {
	value, ok := item.Values[payloadField]
	if !ok {
		return nil, fmt.Errorf("missing field %s", payloadField)
	}
	switch casted := value.(type) {
	case string:
		return []byte(casted), nil
	case []byte:
		return casted, nil
	default:
		return []byte(fmt.Sprintf("%v", casted)), nil
	}
}
