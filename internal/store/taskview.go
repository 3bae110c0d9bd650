package store

import (
	"slices"
	"sync"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/reactive"
)

type TaskPredicate func(domain.Task) bool

func AnyTask(domain.Task) bool { return true }

func OfType(types ...domain.TaskType) TaskPredicate {
	return func(task domain.Task) bool {
		return slices.Contains(types, task.Type)
	}
}

// TasksForRecord filters tasks down to the ones owned by recordID that match,
// keeping registry order. activeOnly further restricts to PENDING and RUNNING.
func TasksForRecord(tasks []domain.Task, recordID string, match TaskPredicate, activeOnly bool) []domain.Task {
	if match == nil {
		match = AnyTask
	}
	out := make([]domain.Task, 0)
	for _, task := range tasks {
		if task.RecordID != recordID || !match(task) {
			continue
		}
		if activeOnly && !task.Status.Active() {
			continue
		}
		out = append(out, task)
	}
	return out
}

func ActiveCount(tasks []domain.Task, recordID string, match TaskPredicate) int {
	return len(TasksForRecord(tasks, recordID, match, true))
}

// RunningCount counts RUNNING tasks across every record.
func RunningCount(tasks []domain.Task) int {
	count := 0
	for _, task := range tasks {
		if task.Status == domain.TaskStatusRunning {
			count++
		}
	}
	return count
}

// PanelExpanded is true exactly while something is running.
func PanelExpanded(tasks []domain.Task) bool {
	return RunningCount(tasks) > 0
}

// TaskView keeps the per-record projection of a registry current as either
// the registry or the record id changes.
type TaskView struct {
	registry   *TaskRegistry
	match      TaskPredicate
	activeOnly bool

	mu          sync.Mutex
	recordID    string
	unsubscribe func()

	tasks *reactive.Cell[[]domain.Task]
}

func NewTaskView(registry *TaskRegistry, recordID string, match TaskPredicate, activeOnly bool) *TaskView {
	v := &TaskView{
		registry:   registry,
		match:      match,
		activeOnly: activeOnly,
		recordID:   recordID,
		tasks:      reactive.NewCell([]domain.Task{}, slices.Equal[[]domain.Task]),
	}
	v.recompute(registry.Tasks())
	v.unsubscribe = registry.Subscribe(func(state RegistryState) { v.recompute(state.Tasks) })
	return v
}

func (v *TaskView) SetRecordID(recordID string) {
	v.mu.Lock()
	v.recordID = recordID
	v.mu.Unlock()
	v.recompute(v.registry.Tasks())
}

func (v *TaskView) Tasks() []domain.Task {
	return v.tasks.Get()
}

func (v *TaskView) Subscribe(listener func([]domain.Task)) func() {
	return v.tasks.Subscribe(listener)
}

func (v *TaskView) Close() {
	v.unsubscribe()
}

func (v *TaskView) recompute(tasks []domain.Task) {
	v.mu.Lock()
	recordID := v.recordID
	v.mu.Unlock()
	v.tasks.Set(TasksForRecord(tasks, recordID, v.match, v.activeOnly))
}
