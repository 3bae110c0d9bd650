// Package push delivers task updates from a named channel. Every feed hands
// out raw JSON payloads, one task per message; decoding is left to the consumer.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iago/vestigium-sync/internal/domain"
)

var ErrClosed = errors.New("push feed closed")

// Feed is a subscription source. The returned channel is closed when ctx is
// done or the underlying connection is lost.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// EncodeTask renders the wire form of one task update.
func EncodeTask(task domain.Task) ([]byte, error) {
	encoded, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return encoded, nil
}

// DecodeTask parses one payload. Payloads without an id or status are rejected.
func DecodeTask(payload []byte) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if strings.TrimSpace(task.ID) == "" {
		return domain.Task{}, errors.New("decode task: missing id")
	}
	if task.Status == "" {
		return domain.Task{}, fmt.Errorf("decode task %s: missing status", task.ID)
	}
	return task, nil
}
