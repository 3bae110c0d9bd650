package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/push"
	"github.com/iago/vestigium-sync/internal/reactive"
)

const sessionTaskLimit = 50

// RecordService is what a record session needs from the record service.
type RecordService interface {
	TaskLister
	GetRecord(ctx context.Context, id string) (domain.RecordDetails, error)
	EnqueueTask(ctx context.Context, recordID string, taskType domain.TaskType) error
	CancelTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error
}

type SessionState struct {
	Loading bool
	Error   string
	Loaded  bool
	Details domain.RecordDetails
	// Expanded mirrors PanelExpanded for the record's tasks.
	Expanded       bool
	ThumbnailToken string
}

type SessionConfig struct {
	Service  RecordService
	RecordID string
	// RefreshDelay defaults to DefaultRefreshDelay.
	RefreshDelay time.Duration
	Schedule     Scheduler
	Now          func() time.Time
	// OnRecord receives every successfully loaded record, for example to
	// update the row in a collection.
	OnRecord func(domain.Record)
	Logger   *log.Logger
}

// RecordSession is the detail view of one record: the record itself, its
// tasks in every status, the thumbnail version token and the delayed refresh
// that runs once requested work has drained.
type RecordSession struct {
	ctx      context.Context
	service  RecordService
	recordID string
	onRecord func(domain.Record)
	logger   *log.Logger

	registry *TaskRegistry
	view     *TaskView
	buster   *ThumbnailBuster
	pending  *PendingRefresh

	state *reactive.Cell[SessionState]

	mu      sync.Mutex
	loadSeq uint64
	unsub   func()
	closed  bool
}

// NewRecordSession wires the session without fetching anything; call Load.
func NewRecordSession(ctx context.Context, cfg SessionConfig) *RecordSession {
	s := &RecordSession{
		ctx:      ctx,
		service:  cfg.Service,
		recordID: cfg.RecordID,
		onRecord: cfg.OnRecord,
		logger:   cfg.Logger,
		buster:   NewThumbnailBuster(cfg.Now),
	}
	s.registry = NewTaskRegistry(RegistryConfig{
		Lister: cfg.Service,
		Filter: domain.TaskFilter{RecordID: cfg.RecordID, AnyStatus: true, Limit: sessionTaskLimit},
		Logger: cfg.Logger,
	})
	s.view = NewTaskView(s.registry, cfg.RecordID, AnyTask, false)
	s.pending = NewPendingRefresh(cfg.RefreshDelay, cfg.Schedule, s.refresh)
	s.state = reactive.NewCell(SessionState{ThumbnailToken: s.buster.Token()}, nil)
	s.unsub = s.view.Subscribe(s.observe)
	return s
}

func (s *RecordSession) RecordID() string {
	return s.recordID
}

func (s *RecordSession) State() SessionState {
	return s.state.Get()
}

func (s *RecordSession) Subscribe(listener func(SessionState)) func() {
	return s.state.Subscribe(listener)
}

func (s *RecordSession) Tasks() []domain.Task {
	return s.view.Tasks()
}

func (s *RecordSession) SubscribeTasks(listener func([]domain.Task)) func() {
	return s.view.Subscribe(listener)
}

func (s *RecordSession) Registry() *TaskRegistry {
	return s.registry
}

// ThumbnailURL is the record's thumbnail with the current version token.
func (s *RecordSession) ThumbnailURL(large bool) string {
	record := s.state.Get().Details.Record
	base := record.ThumbnailURL
	if large && record.ThumbnailLargeURL != "" {
		base = record.ThumbnailLargeURL
	}
	return s.buster.URL(base)
}

// PendingInterest lists task types whose completion will refresh the record.
func (s *RecordSession) PendingInterest() []domain.TaskType {
	return s.pending.Pending()
}

// Load fetches the record and its tasks.
func (s *RecordSession) Load(ctx context.Context) error {
	recordErr := s.loadRecord(ctx)
	tasksErr := s.registry.Load(ctx)
	if recordErr != nil {
		return recordErr
	}
	if tasksErr != nil {
		return fmt.Errorf("load tasks: %w", tasksErr)
	}
	return nil
}

func (s *RecordSession) ReloadTasks(ctx context.Context) error {
	return s.registry.Load(ctx)
}

// Follow keeps the task table current from feed until ctx is done.
func (s *RecordSession) Follow(ctx context.Context, feed push.Feed) error {
	return s.registry.Follow(ctx, feed)
}

func (s *RecordSession) EnqueueEnrich(ctx context.Context) error {
	return s.enqueue(ctx, domain.TaskTypeEnrichRecord)
}

func (s *RecordSession) EnqueueThumbnail(ctx context.Context) error {
	return s.enqueue(ctx, domain.TaskTypeRegenerateThumbnail)
}

func (s *RecordSession) CancelTask(ctx context.Context, id string) error {
	return s.taskAction(ctx, "cancel", id, s.service.CancelTask)
}

func (s *RecordSession) RetryTask(ctx context.Context, id string) error {
	return s.taskAction(ctx, "retry", id, s.service.RetryTask)
}

func (s *RecordSession) DeleteTask(ctx context.Context, id string) error {
	return s.taskAction(ctx, "delete", id, s.service.DeleteTask)
}

// Close cancels a scheduled refresh and detaches from the task view.
func (s *RecordSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.unsub()
	s.view.Close()
	s.pending.Close()
}

func (s *RecordSession) enqueue(ctx context.Context, taskType domain.TaskType) error {
	if err := s.service.EnqueueTask(ctx, s.recordID, taskType); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	s.pending.Register(taskType)
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("reload tasks: %w", err)
	}
	return nil
}

func (s *RecordSession) taskAction(ctx context.Context, verb, id string, action func(context.Context, string) error) error {
	if err := action(ctx, id); err != nil {
		return fmt.Errorf("%s task %s: %w", verb, id, err)
	}
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("reload tasks: %w", err)
	}
	return nil
}

func (s *RecordSession) loadRecord(ctx context.Context) error {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	s.state.Update(func(current SessionState) SessionState {
		current.Loading = !current.Loaded
		current.Error = ""
		return current
	})

	details, err := s.service.GetRecord(ctx, s.recordID)

	s.mu.Lock()
	stale := seq != s.loadSeq
	s.mu.Unlock()
	if stale {
		return nil
	}

	if err != nil {
		if s.logger != nil {
			s.logger.Printf("session load failed record_id=%s err=%v", s.recordID, err)
		}
		s.state.Update(func(current SessionState) SessionState {
			current.Loading = false
			current.Error = err.Error()
			return current
		})
		return fmt.Errorf("load record: %w", err)
	}

	s.state.Update(func(current SessionState) SessionState {
		current.Loading = false
		current.Loaded = true
		current.Details = details
		return current
	})
	if s.onRecord != nil {
		s.onRecord(details.Record)
	}
	return nil
}

func (s *RecordSession) refresh() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ctx.Err() != nil {
		return
	}
	if s.logger != nil {
		s.logger.Printf("session refreshing record_id=%s after tasks drained", s.recordID)
	}
	_ = s.loadRecord(s.ctx)
}

func (s *RecordSession) observe(tasks []domain.Task) {
	s.buster.Observe(tasks, s.recordID)
	s.pending.Observe(tasks)

	token := s.buster.Token()
	expanded := PanelExpanded(tasks)
	s.state.Update(func(current SessionState) SessionState {
		current.Expanded = expanded
		current.ThumbnailToken = token
		return current
	})
}
