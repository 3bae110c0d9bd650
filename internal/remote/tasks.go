package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iago/vestigium-sync/internal/domain"
)

var enqueuePaths = map[domain.TaskType]string{
	domain.TaskTypeEnrichRecord:        "enqueue-enrich",
	domain.TaskTypeRegenerateThumbnail: "enqueue-thumbnail",
}

// EnqueueTask asks the server to schedule a task for the record. The task
// itself shows up later through ListTasks or the push feed.
func (c *Client) EnqueueTask(ctx context.Context, recordID string, taskType domain.TaskType) error {
	if strings.TrimSpace(recordID) == "" {
		return errors.New("record id is required")
	}
	action, ok := enqueuePaths[taskType]
	if !ok {
		return fmt.Errorf("unsupported task type: %s", taskType)
	}
	return c.do(ctx, http.MethodPost, "/api/entries/"+url.PathEscape(recordID)+"/"+action, nil, nil, nil)
}

func (c *Client) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	query := url.Values{}
	if filter.RecordID != "" {
		query.Set("entryId", filter.RecordID)
	}
	for _, status := range filter.Statuses {
		query.Add("status", string(status))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/api/jobs", query, nil, &tasks); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.taskAction(ctx, http.MethodPost, id, "/cancel")
}

func (c *Client) RetryTask(ctx context.Context, id string) error {
	return c.taskAction(ctx, http.MethodPost, id, "/retry")
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.taskAction(ctx, http.MethodDelete, id, "")
}

func (c *Client) taskAction(ctx context.Context, method, id, suffix string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("task id is required")
	}
	var body any
	if method == http.MethodPost {
		body = struct{}{}
	}
	return c.do(ctx, method, "/api/jobs/"+url.PathEscape(id)+suffix, nil, body, nil)
}
