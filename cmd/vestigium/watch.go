package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/push"
	"github.com/iago/vestigium-sync/internal/store"
)

func newSession(ctx context.Context, d *deps, id string, onRecord func(domain.Record)) *store.RecordSession {
	return store.NewRecordSession(ctx, store.SessionConfig{
		Service:      d.client,
		RecordID:     id,
		RefreshDelay: d.cfg.RefreshDelay,
		OnRecord:     onRecord,
		Logger:       d.logger,
	})
}

// follow keeps registry current from feed and polling until ctx is done.
// Cancellation is a clean exit.
func follow(ctx context.Context, d *deps, registry *store.TaskRegistry, feed push.Feed) error {
	if feed == nil && d.cfg.TaskPollInterval <= 0 {
		d.logger.Printf("no push feed and polling disabled, task table stays static")
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	if feed != nil {
		g.Go(func() error { return registry.Follow(ctx, feed) })
	}
	g.Go(func() error { return registry.Poll(ctx, d.cfg.TaskPollInterval) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type panelWatcher struct {
	d        *deps
	mu       sync.Mutex
	expanded bool
	edges    *store.EdgeTracker[string]
	seen     map[string]bool
}

func newPanelWatcher(d *deps) *panelWatcher {
	return &panelWatcher{d: d, edges: store.NewEdgeTracker[string](), seen: make(map[string]bool)}
}

// observe logs panel transitions and per-record drains for one snapshot.
func (w *panelWatcher) observe(tasks []domain.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	expanded := store.PanelExpanded(tasks)
	if expanded != w.expanded {
		w.expanded = expanded
		if expanded {
			w.d.logger.Printf("jobs panel expanded running=%d", store.RunningCount(tasks))
		} else {
			w.d.logger.Printf("jobs panel collapsed")
		}
	}

	for _, task := range tasks {
		w.seen[task.RecordID] = true
	}
	for recordID := range w.seen {
		if w.edges.Observe(recordID, store.ActiveCount(tasks, recordID, store.AnyTask)) {
			w.d.logger.Printf("record tasks finished record_id=%s", recordID)
		}
	}
}

func watchAll(ctx context.Context, d *deps, strict bool) error {
	feed, closeFeed := setupFeed(ctx, d)
	defer closeFeed()

	registry := store.NewTaskRegistry(store.RegistryConfig{
		Lister:            d.client,
		RejectRegressions: strict,
		Logger:            d.logger,
	})
	watcher := newPanelWatcher(d)
	unsubscribe := registry.Subscribe(func(state store.RegistryState) { watcher.observe(state.Tasks) })
	defer unsubscribe()

	if err := registry.Load(ctx); err != nil {
		d.logger.Printf("initial task load failed, continuing err=%v", err)
	}
	d.logger.Printf("watching tasks count=%d", len(registry.Tasks()))
	return follow(ctx, d, registry, feed)
}

func watchRecord(ctx context.Context, d *deps, id string) error {
	feed, closeFeed := setupFeed(ctx, d)
	defer closeFeed()

	session := newSession(ctx, d, id, func(record domain.Record) {
		d.logger.Printf("record loaded record_id=%s title=%q tags=%v", record.ID, recordTitle(record), record.Tags)
	})
	defer session.Close()

	var mu sync.Mutex
	last := session.State()
	unsubscribe := session.Subscribe(func(state store.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		if state.ThumbnailToken != last.ThumbnailToken {
			d.logger.Printf("thumbnail changed url=%s", session.ThumbnailURL(false))
		}
		if state.Expanded != last.Expanded {
			d.logger.Printf("record jobs running=%t", state.Expanded)
		}
		last = state
	})
	defer unsubscribe()

	if err := session.Load(ctx); err != nil {
		return err
	}
	return follow(ctx, d, session.Registry(), feed)
}

// enqueueAndWait queues a task through a record session and returns the
// record once the session refreshed it after the task drained.
func enqueueAndWait(ctx context.Context, d *deps, id string, taskType domain.TaskType) (domain.Record, error) {
	refreshed := make(chan domain.Record, 1)
	var armed sync.Mutex
	ready := false
	session := newSession(ctx, d, id, func(record domain.Record) {
		armed.Lock()
		defer armed.Unlock()
		if !ready {
			return
		}
		select {
		case refreshed <- record:
		default:
		}
	})
	defer session.Close()

	if err := session.Load(ctx); err != nil {
		return domain.Record{}, err
	}
	armed.Lock()
	ready = true
	armed.Unlock()

	var err error
	switch taskType {
	case domain.TaskTypeRegenerateThumbnail:
		err = session.EnqueueThumbnail(ctx)
	default:
		err = session.EnqueueEnrich(ctx)
	}
	if err != nil {
		return domain.Record{}, err
	}
	d.logger.Printf("queued %s record_id=%s, waiting for completion", taskType, id)

	feed, closeFeed := setupFeed(ctx, d)
	defer closeFeed()
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	followErr := make(chan error, 1)
	go func() { followErr <- follow(waitCtx, d, session.Registry(), feed) }()

	select {
	case record := <-refreshed:
		cancel()
		<-followErr
		return record, nil
	case err := <-followErr:
		if err == nil {
			err = ctx.Err()
		}
		return domain.Record{}, fmt.Errorf("waiting for %s: %w", taskType, err)
	}
}
