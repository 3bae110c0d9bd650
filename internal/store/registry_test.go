package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/push"
)

func mustEncode(t testing.TB, task domain.Task) []byte {
	t.Helper()
	payload, err := push.EncodeTask(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func taskIDs(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestTaskRegistryLoadReplacesTable(t *testing.T) {
	lister := &fakeTaskLister{tasks: []domain.Task{
		task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1"),
		task("t2", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r2"),
		task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1"),
	}}
	registry := NewTaskRegistry(RegistryConfig{Lister: lister, Logger: discardLogger()})

	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	state := registry.State()
	if !state.Loaded || state.Loading {
		t.Fatalf("unexpected flags %+v", state)
	}
	if got := fmt.Sprint(taskIDs(state.Tasks)); got != "[t1 t2]" {
		t.Fatalf("expected deduplicated table, got %s", got)
	}
	if found, _ := state.Find("t1"); found.Status != domain.TaskStatusRunning {
		t.Fatalf("later duplicate should win, got %s", found.Status)
	}

	lister.set([]domain.Task{task("t9", domain.TaskTypeEnrichRecord, domain.TaskStatusFailed, "r3")}, nil)
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := fmt.Sprint(taskIDs(registry.Tasks())); got != "[t9]" {
		t.Fatalf("reload should replace the table, got %s", got)
	}
}

func TestTaskRegistryDefaultFilter(t *testing.T) {
	registry := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{}})
	filter := registry.Filter()
	if filter.Limit != domain.DefaultTaskLimit {
		t.Fatalf("expected default limit, got %d", filter.Limit)
	}
	if fmt.Sprint(filter.Statuses) != "[PENDING RUNNING FAILED]" {
		t.Fatalf("unexpected default statuses %v", filter.Statuses)
	}
}

func TestTaskRegistryLoadFailure(t *testing.T) {
	lister := &fakeTaskLister{err: errors.New("unavailable")}
	registry := NewTaskRegistry(RegistryConfig{Lister: lister, Logger: discardLogger()})

	if err := registry.Load(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
	state := registry.State()
	if state.Error != "unavailable" || len(state.Tasks) != 0 || state.Loaded {
		t.Fatalf("unexpected state after initial failure %+v", state)
	}

	lister.set([]domain.Task{task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1")}, nil)
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	lister.set(nil, errors.New("unavailable again"))
	_ = registry.Load(context.Background())
	state = registry.State()
	if state.Error != "unavailable again" || len(state.Tasks) != 1 {
		t.Fatalf("later failure should keep the table: %+v", state)
	}
}

func TestTaskRegistryApplyUpserts(t *testing.T) {
	lister := &fakeTaskLister{tasks: []domain.Task{
		task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1"),
		task("t2", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1"),
	}}
	registry := NewTaskRegistry(RegistryConfig{Lister: lister, Logger: discardLogger()})
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if !registry.Apply(mustEncode(t, task("t2", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1"))) {
		t.Fatalf("expected update to apply")
	}
	if !registry.Apply(mustEncode(t, task("t3", domain.TaskTypeRegenerateThumbnail, domain.TaskStatusPending, "r2"))) {
		t.Fatalf("expected insert to apply")
	}

	tasks := registry.Tasks()
	if got := fmt.Sprint(taskIDs(tasks)); got != "[t3 t1 t2]" {
		t.Fatalf("expected new task prepended and update in place, got %s", got)
	}
	if tasks[2].Status != domain.TaskStatusRunning {
		t.Fatalf("expected t2 running, got %s", tasks[2].Status)
	}
}

func TestTaskRegistrySkipsMalformedMessages(t *testing.T) {
	registry := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{}, Logger: discardLogger()})
	for _, payload := range []string{`not json`, `{"status":"RUNNING"}`, `{"id":"t1"}`, ``} {
		if registry.Apply([]byte(payload)) {
			t.Fatalf("malformed payload %q was applied", payload)
		}
	}
	if len(registry.Tasks()) != 0 {
		t.Fatalf("expected empty table")
	}
	if !registry.Apply([]byte(`{"id":"t1","status":"PENDING","type":"ENRICH_ENTRY","entryId":"r1"}`)) {
		t.Fatalf("well-formed payload after malformed ones should apply")
	}
}

func TestTaskRegistryLastMessageWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		statuses := []domain.TaskStatus{
			domain.TaskStatusPending, domain.TaskStatusRunning, domain.TaskStatusSucceeded,
			domain.TaskStatusFailed, domain.TaskStatusCancelled,
		}
		initialSize := rapid.IntRange(0, 6).Draw(t, "initial")
		initial := make([]domain.Task, initialSize)
		for i := range initial {
			initial[i] = task(fmt.Sprintf("t%d", i), domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1")
		}
		registry := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{tasks: initial}})
		if err := registry.Load(context.Background()); err != nil {
			t.Fatalf("load: %v", err)
		}

		expected := map[string]domain.TaskStatus{}
		for _, existing := range initial {
			expected[existing.ID] = existing.Status
		}
		messages := rapid.SliceOfN(rapid.IntRange(0, 11), 0, 40).Draw(t, "messages")
		for i, n := range messages {
			status := rapid.SampledFrom(statuses).Draw(t, "status")
			message := task(fmt.Sprintf("t%d", n), domain.TaskTypeEnrichRecord, status, "r1")
			message.Attempts = i
			registry.Upsert(message)
			expected[message.ID] = status
		}

		tasks := registry.Tasks()
		if len(tasks) != len(expected) {
			t.Fatalf("expected %d tasks, got %d", len(expected), len(tasks))
		}
		for id, status := range expected {
			found, ok := registry.State().Find(id)
			if !ok || found.Status != status {
				t.Fatalf("task %s: expected %s, got %s (found=%t)", id, status, found.Status, ok)
			}
		}
	})
}

func TestTaskRegistryRejectRegressions(t *testing.T) {
	done := task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusSucceeded, "r1")
	running := task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1")
	retried := task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1")
	older := task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1")
	older.Attempts = 0

	strict := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{}, RejectRegressions: true, Logger: discardLogger()})
	strict.Upsert(done)
	if strict.Upsert(running) {
		t.Fatalf("stale RUNNING for the same attempt should be rejected")
	}
	if strict.Upsert(older) {
		t.Fatalf("message for an earlier attempt should be rejected")
	}
	if !strict.Upsert(retried) {
		t.Fatalf("retry back to PENDING should be accepted")
	}
	if found, _ := strict.State().Find("t1"); found.Status != domain.TaskStatusPending {
		t.Fatalf("expected pending after retry, got %s", found.Status)
	}

	lenient := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{}})
	lenient.Upsert(done)
	if !lenient.Upsert(running) {
		t.Fatalf("default registry is last-message-wins")
	}
}

func TestTaskRegistryIgnoresOtherRecords(t *testing.T) {
	registry := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{}, Filter: domain.TaskFilter{RecordID: "r1"}})
	if registry.Upsert(task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r2")) {
		t.Fatalf("task for another record should be ignored")
	}
	if !registry.Upsert(task("t2", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1")) {
		t.Fatalf("task for the record should apply")
	}
}

func TestTaskRegistryFollowsLocalFeed(t *testing.T) {
	feed := push.NewLocalFeed(8, discardLogger())
	registry := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{}, ResubscribeDelay: time.Millisecond, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- registry.Follow(ctx, feed) }()
	waitFor(t, "subscription", func() bool { return feed.Subscribers() == 1 })

	_ = feed.Publish(ctx, mustEncode(t, task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1")))
	_ = feed.Publish(ctx, []byte("garbage"))
	_ = feed.Publish(ctx, mustEncode(t, task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusSucceeded, "r1")))
	waitFor(t, "final status", func() bool {
		found, ok := registry.State().Find("t1")
		return ok && found.Status == domain.TaskStatusSucceeded
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("follow did not stop")
	}
}

type flakyFeed struct {
	attempts chan struct{}
}

func (f *flakyFeed) Subscribe(ctx context.Context) (<-chan []byte, error) {
	f.attempts <- struct{}{}
	return nil, errors.New("connection refused")
}

func TestTaskRegistryFollowResubscribesAfterFailure(t *testing.T) {
	feed := &flakyFeed{attempts: make(chan struct{}, 16)}
	registry := NewTaskRegistry(RegistryConfig{Lister: &fakeTaskLister{}, ResubscribeDelay: time.Millisecond, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = registry.Follow(ctx, feed) }()
	for range 3 {
		select {
		case <-feed.attempts:
		case <-time.After(time.Second):
			t.Fatalf("expected another subscribe attempt")
		}
	}
}

func TestTaskRegistryPollReloads(t *testing.T) {
	lister := &fakeTaskLister{}
	registry := NewTaskRegistry(RegistryConfig{Lister: lister})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- registry.Poll(ctx, 5*time.Millisecond) }()
	waitFor(t, "two polls", func() bool { return lister.Calls() >= 2 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if err := registry.Poll(context.Background(), 0); err != nil {
		t.Fatalf("disabled poll should return nil, got %v", err)
	}
}

type gatedTaskLister struct {
	started chan struct{}
	release chan []domain.Task
}

func newGatedTaskLister() *gatedTaskLister {
	return &gatedTaskLister{started: make(chan struct{}, 1), release: make(chan []domain.Task)}
}

func (l *gatedTaskLister) ListTasks(ctx context.Context, _ domain.TaskFilter) ([]domain.Task, error) {
	l.started <- struct{}{}
	select {
	case tasks := <-l.release:
		return tasks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadBehind starts a load that blocks until the returned function supplies
// its result, then waits for Load to return.
func loadBehind(t *testing.T, registry *TaskRegistry, lister *gatedTaskLister) func([]domain.Task) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- registry.Load(context.Background()) }()
	<-lister.started
	return func(tasks []domain.Task) {
		lister.release <- tasks
		if err := <-done; err != nil {
			t.Fatalf("load: %v", err)
		}
	}
}

func TestTaskRegistryLoadKeepsUpdatesPushedMeanwhile(t *testing.T) {
	lister := newGatedTaskLister()
	registry := NewTaskRegistry(RegistryConfig{Lister: lister, Logger: discardLogger()})
	var active []int
	registry.Subscribe(func(state RegistryState) {
		active = append(active, ActiveCount(state.Tasks, "r1", AnyTask))
	})

	finish := loadBehind(t, registry, lister)
	registry.Upsert(task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusSucceeded, "r1"))
	registry.Upsert(task("t2", domain.TaskTypeEnrichRecord, domain.TaskStatusPending, "r1"))
	finish([]domain.Task{
		task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1"),
		task("t3", domain.TaskTypeEnrichRecord, domain.TaskStatusFailed, "r1"),
	})

	if got := fmt.Sprint(taskIDs(registry.Tasks())); got != "[t2 t1 t3]" {
		t.Fatalf("unexpected table order %s", got)
	}
	if found, _ := registry.State().Find("t1"); found.Status != domain.TaskStatusSucceeded {
		t.Fatalf("pushed SUCCEEDED should survive the load, got %s", found.Status)
	}
	for i, count := range active {
		if count > 1 {
			t.Fatalf("active count went back up at step %d: %v", i, active)
		}
	}
}

func TestTaskRegistryLoadDropsOlderPushedUpdates(t *testing.T) {
	lister := newGatedTaskLister()
	registry := NewTaskRegistry(RegistryConfig{Lister: lister, Logger: discardLogger()})

	registry.Upsert(task("t0", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1"))
	finish := loadBehind(t, registry, lister)
	registry.Upsert(task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1"))
	finish([]domain.Task{task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusSucceeded, "r1")})

	if got := fmt.Sprint(taskIDs(registry.Tasks())); got != "[t1]" {
		t.Fatalf("updates from before the load should be replaced, got %s", got)
	}
	if found, _ := registry.State().Find("t1"); found.Status != domain.TaskStatusSucceeded {
		t.Fatalf("stale RUNNING should not override the loaded row, got %s", found.Status)
	}

	registry.Upsert(task("t1", domain.TaskTypeEnrichRecord, domain.TaskStatusRunning, "r1"))
	if found, _ := registry.State().Find("t1"); found.Status != domain.TaskStatusRunning {
		t.Fatalf("after the load upserts apply directly again, got %s", found.Status)
	}
}
