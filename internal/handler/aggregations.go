package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"metaculus/internal/service"
)

type AggregationsHandler struct {
	Builder *service.AggregationBuilder
}

func (h *AggregationsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/questions/:id/aggregations")
	g.GET("", h.history)
	g.POST("/rebuild", h.rebuild)
}

func (h *AggregationsHandler) history(c *gin.Context) {
	if h.Builder == nil {
		Error(c, http.StatusInternalServerError, "aggregation builder unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return
	}
	items, err := h.Builder.History(c.Request.Context(), id, c.Query("method"))
	if err != nil {
		Fail(c, err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, a := range items {
		out = append(out, aggregateView(a))
	}
	Ok(c, out, map[string]any{"total": len(out)})
}

// rebuild runs the rebuild inline for operators; regular rebuilds go through
// the task executor.
func (h *AggregationsHandler) rebuild(c *gin.Context) {
	if h.Builder == nil {
		Error(c, http.StatusInternalServerError, "aggregation builder unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return
	}
	results, err := h.Builder.RebuildAll(c.Request.Context(), id)
	if errors.Is(err, service.ErrLeaseHeld) {
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, results, nil)
}
