package store

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/prefs"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func recordsWithPrefix(prefix string, n int) []domain.Record {
	out := make([]domain.Record, n)
	for i := range out {
		out[i] = domain.Record{ID: prefix + strconv.Itoa(i), URL: "https://example.com/" + strconv.Itoa(i)}
	}
	return out
}

// fetcherFunc answers every page query immediately.
type fetcherFunc func(ctx context.Context, params domain.ListParams) (domain.ListResult, error)

func (f fetcherFunc) ListRecords(ctx context.Context, params domain.ListParams) (domain.ListResult, error) {
	return f(ctx, params)
}

type recordingFetcher struct {
	mu     sync.Mutex
	calls  []domain.ListParams
	answer func(params domain.ListParams) (domain.ListResult, error)
}

func (f *recordingFetcher) ListRecords(_ context.Context, params domain.ListParams) (domain.ListResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	answer := f.answer
	f.mu.Unlock()
	if answer == nil {
		return domain.ListResult{Items: []domain.Record{}}, nil
	}
	return answer(params)
}

func (f *recordingFetcher) Calls() []domain.ListParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ListParams(nil), f.calls...)
}

type fetchReply struct {
	result domain.ListResult
	err    error
}

type pendingFetch struct {
	params domain.ListParams
	reply  chan fetchReply
}

// gatedFetcher hands every call to the test, which answers it in any order.
// Calls ignore cancellation so late answers reach the store.
type gatedFetcher struct {
	calls chan *pendingFetch
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{calls: make(chan *pendingFetch, 64)}
}

func (f *gatedFetcher) ListRecords(_ context.Context, params domain.ListParams) (domain.ListResult, error) {
	call := &pendingFetch{params: params, reply: make(chan fetchReply, 1)}
	f.calls <- call
	reply := <-call.reply
	return reply.result, reply.err
}

func (f *gatedFetcher) next(t *testing.T) *pendingFetch {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for fetch")
		return nil
	}
}

func (c *pendingFetch) succeed(items []domain.Record, total int) {
	c.reply <- fetchReply{result: domain.ListResult{Items: items, TotalCount: total}}
}

func (c *pendingFetch) fail(err error) {
	c.reply <- fetchReply{err: err}
}

type fakeSettings struct {
	mu        sync.Mutex
	include   bool
	listeners []func(prefs.Values)
}

func newFakeSettings(include bool) *fakeSettings {
	return &fakeSettings{include: include}
}

func (s *fakeSettings) IncludeAdult() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.include
}

func (s *fakeSettings) Subscribe(listener func(prefs.Values)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
	return func() {}
}

func (s *fakeSettings) set(include bool) {
	s.mu.Lock()
	s.include = include
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(prefs.Values{IncludeAdult: include, GroupColumns: prefs.DefaultGroupColumns})
	}
}

type fakeTaskLister struct {
	mu    sync.Mutex
	tasks []domain.Task
	err   error
	calls int
}

func (l *fakeTaskLister) ListTasks(_ context.Context, _ domain.TaskFilter) ([]domain.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return append([]domain.Task(nil), l.tasks...), nil
}

func (l *fakeTaskLister) set(tasks []domain.Task, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = tasks
	l.err = err
}

func (l *fakeTaskLister) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func task(id string, taskType domain.TaskType, status domain.TaskStatus, recordID string) domain.Task {
	return domain.Task{ID: id, Type: taskType, Status: status, RecordID: recordID, Attempts: 1}
}

type scheduledCall struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

// manualScheduler captures scheduled functions; tests run them explicitly.
type manualScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := &scheduledCall{delay: delay, fn: fn}
	s.calls = append(s.calls, call)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		call.cancelled = true
	}
}

func (s *manualScheduler) Calls() []*scheduledCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*scheduledCall(nil), s.calls...)
}

func (s *manualScheduler) RunAll() {
	for _, call := range s.Calls() {
		if !call.cancelled {
			call.fn()
		}
	}
}

func paramsID(params domain.ListParams) string {
	return fmt.Sprintf("q=%s|tags=%v|sort=%s|page=%d|size=%d|adult=%t", params.Query, params.Tags, params.Sort, params.Page, params.PageSize, params.IncludeAdult)
}

func timeoutAfterSecond() <-chan time.Time {
	return time.After(time.Second)
}
