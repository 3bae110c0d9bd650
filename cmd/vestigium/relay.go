package main

import (
	"context"
	"errors"
	"time"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/push"
)

// relay publishes every task whose state changed between polls. The first
// poll publishes the whole table so fresh subscribers converge.
func relay(ctx context.Context, d *deps, interval time.Duration, all bool) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	publisher, closePublisher, err := setupPublisher(ctx, d)
	if err != nil {
		return err
	}
	defer closePublisher()

	filter := domain.TaskFilter{AnyStatus: all}.WithDefaults()
	known := make(map[string]domain.Task)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tasks, err := d.client.ListTasks(ctx, filter)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			d.logger.Printf("relay poll failed err=%v", err)
		} else {
			published := 0
			for _, task := range changedTasks(known, tasks) {
				payload, err := push.EncodeTask(task)
				if err != nil {
					d.logger.Printf("relay encode failed task_id=%s err=%v", task.ID, err)
					continue
				}
				if err := publisher.Publish(ctx, payload); err != nil {
					d.logger.Printf("relay publish failed task_id=%s err=%v", task.ID, err)
					continue
				}
				known[task.ID] = task
				published++
			}
			if published > 0 {
				d.logger.Printf("relay published count=%d", published)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// changedTasks lists tasks that are new or differ from known, in input order.
func changedTasks(known map[string]domain.Task, tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, 0)
	for _, task := range tasks {
		previous, ok := known[task.ID]
		if ok && sameTask(previous, task) {
			continue
		}
		out = append(out, task)
	}
	return out
}

func sameTask(a, b domain.Task) bool {
	return a.Status == b.Status &&
		a.Attempts == b.Attempts &&
		a.Type == b.Type &&
		a.RecordID == b.RecordID &&
		equalTime(a.LockedAt, b.LockedAt) &&
		equalTime(a.FinishedAt, b.FinishedAt) &&
		equalString(a.LastError, b.LastError)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
