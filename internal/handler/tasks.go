package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"metaculus/internal/repository"
	"metaculus/internal/tasks"
)

type TasksHandler struct {
	Executor *tasks.Executor
}

func (h *TasksHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/tasks", h.list)
}

func (h *TasksHandler) list(c *gin.Context) {
	if h.Executor == nil {
		Error(c, http.StatusInternalServerError, "task executor unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	items, total, err := h.Executor.List(c.Request.Context(), repository.ListTasksParams{
		Limit:  limit,
		Offset: offset,
		Status: stringQueryPtr(c, "status"),
		Name:   stringQueryPtr(c, "name"),
		Key:    stringQueryPtr(c, "key"),
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, t := range items {
		out = append(out, taskView(t))
	}
	Ok(c, out, paginationMeta(limit, offset, total))
}
