package push

import (
	"context"
	"log"
	"sync"
)

// LocalFeed is an in-process fan-out used when Redis is not configured and
// in tests. Slow subscribers lose messages instead of blocking publishers.
type LocalFeed struct {
	bufferSize int
	logger     *log.Logger

	mu          sync.Mutex
	subscribers map[int]chan []byte
	nextID      int
	closed      bool
	dropped     int
}

func NewLocalFeed(bufferSize int, logger *log.Logger) *LocalFeed {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &LocalFeed{
		bufferSize:  bufferSize,
		logger:      logger,
		subscribers: make(map[int]chan []byte),
	}
}

func (f *LocalFeed) Subscribe(ctx context.Context) (<-chan []byte, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	id := f.nextID
	f.nextID++
	ch := make(chan []byte, f.bufferSize)
	f.subscribers[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(id)
	}()
	return ch, nil
}

func (f *LocalFeed) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	for id, ch := range f.subscribers {
		message := append([]byte(nil), payload...)
		select {
		case ch <- message:
		default:
			f.dropped++
			if f.logger != nil {
				f.logger.Printf("local feed dropped message subscriber=%d", id)
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (f *LocalFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, id)
	}
	return nil
}

func (f *LocalFeed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Subscribers counts the live subscriptions.
func (f *LocalFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func (f *LocalFeed) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subscribers[id]; ok {
		close(ch)
		delete(f.subscribers, id)
	}
}
