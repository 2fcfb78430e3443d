package ops

import (
	"context"

	"metaculus/internal/models"
)

// TaskFailed reports a task that exhausted its attempts.
func (c *Client) TaskFailed(_ context.Context, task models.Task, err error) {
	if c == nil {
		return
	}
	details := map[string]any{
		"task_id":   task.ID,
		"name":      task.Name,
		"key":       task.Key,
		"attempts":  task.Attempts,
		"deferrals": task.Deferrals,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	c.LogBestEffort("task_failed", "error", details)
}
