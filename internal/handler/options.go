package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"metaculus/internal/service"
)

type OptionsHandler struct {
	Options *service.OptionsService
}

func (h *OptionsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/questions/:id/options")
	g.POST("/rename", h.rename)
	g.POST("/reorder", h.reorder)
	g.POST("/add", h.add)
	g.POST("/delete", h.delete)
}

type renameOptionRequest struct {
	OldLabel string `json:"old_label"`
	NewLabel string `json:"new_label"`
	ActorID  uint64 `json:"actor_id"`
}

type reorderOptionsRequest struct {
	Order   []string `json:"order"`
	ActorID uint64   `json:"actor_id"`
}

type addOptionsRequest struct {
	Labels         []string   `json:"labels"`
	GracePeriodEnd *time.Time `json:"grace_period_end"`
	At             *time.Time `json:"at"`
	ActorID        uint64     `json:"actor_id"`
}

type deleteOptionsRequest struct {
	Labels  []string   `json:"labels"`
	At      *time.Time `json:"at"`
	ActorID uint64     `json:"actor_id"`
}

// bind reads the question id and body shared by every options route.
func (h *OptionsHandler) bind(c *gin.Context, req any) (uint64, bool) {
	if h.Options == nil {
		Error(c, http.StatusInternalServerError, "options service unavailable", nil)
		return 0, false
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return 0, false
	}
	if err := c.ShouldBindJSON(req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return 0, false
	}
	return id, true
}

func (h *OptionsHandler) rename(c *gin.Context) {
	var req renameOptionRequest
	id, ok := h.bind(c, &req)
	if !ok {
		return
	}
	q, err := h.Options.Rename(c.Request.Context(), service.RenameParams{
		QuestionID: id,
		OldLabel:   req.OldLabel,
		NewLabel:   req.NewLabel,
		ActorID:    req.ActorID,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, questionView(q), nil)
}

func (h *OptionsHandler) reorder(c *gin.Context) {
	var req reorderOptionsRequest
	id, ok := h.bind(c, &req)
	if !ok {
		return
	}
	q, err := h.Options.Reorder(c.Request.Context(), service.ReorderParams{
		QuestionID: id,
		Order:      req.Order,
		ActorID:    req.ActorID,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, questionView(q), nil)
}

func (h *OptionsHandler) add(c *gin.Context) {
	var req addOptionsRequest
	id, ok := h.bind(c, &req)
	if !ok {
		return
	}
	if req.GracePeriodEnd == nil {
		Error(c, http.StatusBadRequest, "grace_period_end is required", map[string]any{"field": "grace_period_end"})
		return
	}
	q, err := h.Options.Add(c.Request.Context(), service.AddParams{
		QuestionID:     id,
		Labels:         req.Labels,
		GracePeriodEnd: *req.GracePeriodEnd,
		At:             timeOrZero(req.At),
		ActorID:        req.ActorID,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, questionView(q), nil)
}

func (h *OptionsHandler) delete(c *gin.Context) {
	var req deleteOptionsRequest
	id, ok := h.bind(c, &req)
	if !ok {
		return
	}
	q, err := h.Options.Delete(c.Request.Context(), service.DeleteParams{
		QuestionID: id,
		Labels:     req.Labels,
		At:         timeOrZero(req.At),
		ActorID:    req.ActorID,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, questionView(q), nil)
}
