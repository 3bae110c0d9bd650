package store

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/push"
	"github.com/iago/vestigium-sync/internal/reactive"
)

type TaskLister interface {
	ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
}

type RegistryState struct {
	Loading bool
	Error   string
	Loaded  bool
	// Tasks holds at most one task per id. Pushed tasks that were not in the
	// table are prepended.
	Tasks []domain.Task
}

// Find returns the task with the given id.
func (s RegistryState) Find(id string) (domain.Task, bool) {
	for _, task := range s.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return domain.Task{}, false
}

type RegistryConfig struct {
	Lister TaskLister
	Filter domain.TaskFilter
	// RejectRegressions drops a message that would move a terminal task back
	// to an active status without a newer attempt behind it.
	RejectRegressions bool
	// ResubscribeDelay is the wait between Follow subscriptions.
	ResubscribeDelay time.Duration
	Logger           *log.Logger
}

// TaskRegistry is the single shared table of background tasks. It is seeded
// by Load and kept current by Apply; readers derive views from snapshots and
// never write back.
type TaskRegistry struct {
	lister            TaskLister
	filter            domain.TaskFilter
	rejectRegressions bool
	resubscribeDelay  time.Duration
	logger            *log.Logger

	state *reactive.Cell[RegistryState]

	// mu serializes table writes; loadSeq discards overlapping loads that finish out of order.
	mu      sync.Mutex
	loadSeq uint64
	// inFlight is set while the latest load is outstanding; upserts applied
	// meanwhile are kept in arrivals and replayed over its result.
	inFlight bool
	arrivals []domain.Task
}

func NewTaskRegistry(cfg RegistryConfig) *TaskRegistry {
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = 2 * time.Second
	}
	return &TaskRegistry{
		lister:            cfg.Lister,
		filter:            cfg.Filter.WithDefaults(),
		rejectRegressions: cfg.RejectRegressions,
		resubscribeDelay:  cfg.ResubscribeDelay,
		logger:            cfg.Logger,
		state:             reactive.NewCell(RegistryState{Tasks: []domain.Task{}}, nil),
	}
}

func (r *TaskRegistry) State() RegistryState {
	return r.state.Get()
}

func (r *TaskRegistry) Tasks() []domain.Task {
	return r.state.Get().Tasks
}

func (r *TaskRegistry) Filter() domain.TaskFilter {
	return r.filter
}

// Subscribe observes every table change. Listeners run on the goroutine that
// applied the change and must not call Load or Apply synchronously.
func (r *TaskRegistry) Subscribe(listener func(RegistryState)) func() {
	return r.state.Subscribe(listener)
}

// Load replaces the whole table with one fetch. A failure before the first
// successful load leaves the table empty; later failures keep the table.
func (r *TaskRegistry) Load(ctx context.Context) error {
	r.mu.Lock()
	r.loadSeq++
	seq := r.loadSeq
	r.inFlight = true
	r.arrivals = nil
	r.state.Update(func(current RegistryState) RegistryState {
		current.Loading = true
		current.Error = ""
		return current
	})
	r.mu.Unlock()

	tasks, err := r.lister.ListTasks(ctx, r.filter)

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.loadSeq {
		return nil
	}
	arrivals := r.arrivals
	r.inFlight = false
	r.arrivals = nil
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("registry load failed err=%v", err)
		}
		r.state.Update(func(current RegistryState) RegistryState {
			current.Loading = false
			current.Error = err.Error()
			if !current.Loaded {
				current.Tasks = []domain.Task{}
			}
			return current
		})
		return err
	}

	r.state.Set(RegistryState{Loaded: true, Tasks: replayArrivals(dedupeTasks(tasks), arrivals)})
	return nil
}

// replayArrivals applies updates pushed while a load was outstanding on top of
// its result, oldest first. An arrival that would move a loaded terminal task
// back to active is older than the loaded row and is dropped.
func replayArrivals(tasks []domain.Task, arrivals []domain.Task) []domain.Task {
	for _, task := range arrivals {
		index := slices.IndexFunc(tasks, func(existing domain.Task) bool { return existing.ID == task.ID })
		if index < 0 {
			tasks = append([]domain.Task{task}, tasks...)
			continue
		}
		if regresses(tasks[index], task) {
			continue
		}
		tasks[index] = task
	}
	return tasks
}

// Apply decodes one push payload and upserts it. Malformed payloads are
// logged and skipped.
func (r *TaskRegistry) Apply(payload []byte) bool {
	task, err := push.DecodeTask(payload)
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("registry skipped malformed push message err=%v", err)
		}
		return false
	}
	return r.Upsert(task)
}

// Upsert replaces the task with the same id in place or prepends it.
func (r *TaskRegistry) Upsert(task domain.Task) bool {
	if r.filter.RecordID != "" && task.RecordID != r.filter.RecordID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	applied := false
	defer func() {
		if applied && r.inFlight {
			r.arrivals = append(r.arrivals, task)
		}
	}()
	r.state.Update(func(current RegistryState) RegistryState {
		index := slices.IndexFunc(current.Tasks, func(existing domain.Task) bool { return existing.ID == task.ID })
		if index < 0 {
			next := make([]domain.Task, 0, len(current.Tasks)+1)
			next = append(next, task)
			current.Tasks = append(next, current.Tasks...)
			applied = true
			return current
		}
		if r.rejectRegressions && regresses(current.Tasks[index], task) {
			if r.logger != nil {
				r.logger.Printf("registry rejected stale update task_id=%s from=%s to=%s", task.ID, current.Tasks[index].Status, task.Status)
			}
			return current
		}
		next := slices.Clone(current.Tasks)
		next[index] = task
		current.Tasks = next
		applied = true
		return current
	})
	return applied
}

// Follow applies every message from feed until ctx is done, subscribing
// again after the feed closes or fails.
func (r *TaskRegistry) Follow(ctx context.Context, feed push.Feed) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messages, err := feed.Subscribe(ctx)
		if err != nil {
			if r.logger != nil {
				r.logger.Printf("registry subscribe failed err=%v", err)
			}
		} else {
			for payload := range messages {
				r.Apply(payload)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if r.logger != nil {
				r.logger.Printf("registry push feed closed, subscribing again")
			}
		}

		timer := time.NewTimer(r.resubscribeDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Poll reloads the table every interval until ctx is done. A non-positive
// interval disables polling.
func (r *TaskRegistry) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = r.Load(ctx)
		}
	}
}

// regresses reports whether next is an older view of a task that already
// reached a terminal status. A retry keeps the attempt count and returns to
// PENDING, so only a RUNNING message for the same attempt or any message for
// an earlier attempt counts as stale.
func regresses(existing, next domain.Task) bool {
	if !existing.Status.Terminal() || !next.Status.Active() {
		return false
	}
	if next.Attempts < existing.Attempts {
		return true
	}
	return next.Attempts == existing.Attempts && next.Status == domain.TaskStatusRunning
}

func dedupeTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	positions := make(map[string]int, len(tasks))
	for _, task := range tasks {
		if index, ok := positions[task.ID]; ok {
			out[index] = task
			continue
		}
		positions[task.ID] = len(out)
		out = append(out, task)
	}
	return out
}
