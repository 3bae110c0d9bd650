package store

import (
	"strconv"
	"sync"
	"time"

	"github.com/iago/vestigium-sync/internal/domain"
)

// DefaultRefreshDelay gives the server time to persist side effects (files,
// thumbnails) before a drained record is fetched again.
const DefaultRefreshDelay = 900 * time.Millisecond

// EdgeDetector fires once each time an observed count drops from above zero
// to zero. The previous count is tracked explicitly, so 2 -> 0 fires too.
type EdgeDetector struct {
	last  int
	fired int
}

func (d *EdgeDetector) Observe(count int) bool {
	count = max(count, 0)
	fire := d.last > 0 && count == 0
	d.last = count
	if fire {
		d.fired++
	}
	return fire
}

func (d *EdgeDetector) Last() int  { return d.last }
func (d *EdgeDetector) Fired() int { return d.fired }

func (d *EdgeDetector) Reset() {
	d.last = 0
}

// EdgeTracker keeps one detector per key, for example per record id.
type EdgeTracker[K comparable] struct {
	mu        sync.Mutex
	detectors map[K]*EdgeDetector
}

func NewEdgeTracker[K comparable]() *EdgeTracker[K] {
	return &EdgeTracker[K]{detectors: make(map[K]*EdgeDetector)}
}

func (t *EdgeTracker[K]) Observe(key K, count int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	detector, ok := t.detectors[key]
	if !ok {
		detector = &EdgeDetector{}
		t.detectors[key] = detector
	}
	return detector.Observe(count)
}

func (t *EdgeTracker[K]) Forget(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.detectors, key)
}

func (t *EdgeTracker[K]) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.detectors)
}

// ThumbnailBuster replaces a record's thumbnail version token whenever its
// thumbnail tasks drain.
type ThumbnailBuster struct {
	now func() time.Time

	mu       sync.Mutex
	detector EdgeDetector
	token    string
}

// NewThumbnailBuster seeds the token from now; a nil now uses time.Now.
func NewThumbnailBuster(now func() time.Time) *ThumbnailBuster {
	if now == nil {
		now = time.Now
	}
	b := &ThumbnailBuster{now: now}
	b.token = b.nextToken()
	return b
}

// Observe feeds the record's task snapshot and reports whether the token changed.
func (b *ThumbnailBuster) Observe(tasks []domain.Task, recordID string) bool {
	count := ActiveCount(tasks, recordID, OfType(domain.TaskTypeRegenerateThumbnail))

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.detector.Observe(count) {
		return false
	}
	b.token = b.nextToken()
	return true
}

func (b *ThumbnailBuster) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *ThumbnailBuster) URL(base string) string {
	return domain.ThumbnailURL(base, b.Token())
}

// nextToken is the current time in milliseconds, bumped when the clock has
// not moved since the previous token.
func (b *ThumbnailBuster) nextToken() string {
	next := b.now().UnixMilli()
	if previous, err := strconv.ParseInt(b.token, 10, 64); err == nil && next <= previous {
		next = previous + 1
	}
	return strconv.FormatInt(next, 10)
}

// Scheduler runs fn after delay and returns a function that cancels it.
type Scheduler func(delay time.Duration, fn func()) (cancel func())

func AfterFunc(delay time.Duration, fn func()) func() {
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}

type interest struct {
	taskType domain.TaskType
	observed bool
}

// PendingRefresh schedules one delayed record refresh when work the user asked
// for has finished. A registered task type fires once it has been seen in the
// task snapshot and none of its tasks are still active. Independently, the
// record's running count falling to zero fires too.
type PendingRefresh struct {
	delay    time.Duration
	schedule Scheduler
	refresh  func()

	mu        sync.Mutex
	interests []interest
	running   EdgeDetector
	cancels   []func()
	scheduled int
}

func NewPendingRefresh(delay time.Duration, schedule Scheduler, refresh func()) *PendingRefresh {
	if delay <= 0 {
		delay = DefaultRefreshDelay
	}
	if schedule == nil {
		schedule = AfterFunc
	}
	return &PendingRefresh{delay: delay, schedule: schedule, refresh: refresh}
}

// Register records interest in taskType. Registering an already pending type is a no-op.
func (p *PendingRefresh) Register(taskType domain.TaskType) {
	if taskType == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.interests {
		if existing.taskType == taskType {
			return
		}
	}
	p.interests = append(p.interests, interest{taskType: taskType})
}

// Pending lists the registered types that have not completed yet.
func (p *PendingRefresh) Pending() []domain.TaskType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.TaskType, 0, len(p.interests))
	for _, item := range p.interests {
		out = append(out, item.taskType)
	}
	return out
}

// Observe evaluates a snapshot of the record's tasks and reports whether a
// refresh was scheduled. At most one refresh is scheduled per call.
func (p *PendingRefresh) Observe(tasks []domain.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fire := false
	remaining := p.interests[:0:0]
	for _, item := range p.interests {
		if !item.observed && hasType(tasks, item.taskType) {
			item.observed = true
		}
		if item.observed && !hasActive(tasks, item.taskType) {
			fire = true
			continue
		}
		remaining = append(remaining, item)
	}
	p.interests = remaining

	if p.running.Observe(RunningCount(tasks)) {
		fire = true
	}
	if !fire {
		return false
	}
	p.scheduled++
	p.cancels = append(p.cancels, p.schedule(p.delay, p.refresh))
	return true
}

func (p *PendingRefresh) Scheduled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduled
}

// Close cancels refreshes that have not run yet.
func (p *PendingRefresh) Close() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func hasType(tasks []domain.Task, taskType domain.TaskType) bool {
	for _, task := range tasks {
		if task.Type == taskType {
			return true
		}
	}
	return false
}

func hasActive(tasks []domain.Task, taskType domain.TaskType) bool {
	for _, task := range tasks {
		if task.Type == taskType && task.Status.Active() {
			return true
		}
	}
	return false
}
