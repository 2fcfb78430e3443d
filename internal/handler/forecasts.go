package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"metaculus/internal/models"
	"metaculus/internal/service"
)

type ForecastsHandler struct {
	Forecasts *service.ForecastService
}

func (h *ForecastsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/questions/:id")
	g.GET("/forecasts", h.list)
	g.POST("/forecasts", h.submit)
	g.POST("/withdraw", h.withdraw)
}

func (h *ForecastsHandler) list(c *gin.Context) {
	if h.Forecasts == nil {
		Error(c, http.StatusInternalServerError, "forecast service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return
	}
	author, ok := uint64QueryPtr(c, "author_id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid author_id", nil)
		return
	}
	activeAt, ok := timeQueryPtr(c, "active_at")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid active_at", nil)
		return
	}
	items, err := h.Forecasts.List(c.Request.Context(), id, author, activeAt)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, forecastViews(items), map[string]any{"total": len(items)})
}

type submitForecastRequest struct {
	AuthorID                  uint64     `json:"author_id"`
	AuthorIsBot               bool       `json:"author_is_bot"`
	ProbabilityYes            *float64   `json:"probability_yes"`
	ProbabilityYesPerCategory []*float64 `json:"probability_yes_per_category"`
	ContinuousCDF             []float64  `json:"continuous_cdf"`
	StartTime                 *time.Time `json:"start_time"`
	EndTime                   *time.Time `json:"end_time"`
	Source                    string     `json:"source"`
}

func (h *ForecastsHandler) submit(c *gin.Context) {
	if h.Forecasts == nil {
		Error(c, http.StatusInternalServerError, "forecast service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return
	}
	var req submitForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	f, err := h.Forecasts.Submit(c.Request.Context(), service.SubmitParams{
		QuestionID: id,
		Forecaster: service.Forecaster{ID: req.AuthorID, IsBot: req.AuthorIsBot},
		Distribution: service.Distribution{
			ProbabilityYes:            req.ProbabilityYes,
			ProbabilityYesPerCategory: req.ProbabilityYesPerCategory,
			ContinuousCDF:             req.ContinuousCDF,
		},
		StartTime: timeOrZero(req.StartTime),
		EndTime:   utcPtr(req.EndTime),
		Source:    models.ForecastSource(req.Source),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, forecastView(*f), nil)
}

type withdrawRequest struct {
	AuthorID   uint64     `json:"author_id"`
	WithdrawAt *time.Time `json:"withdraw_at"`
}

func (h *ForecastsHandler) withdraw(c *gin.Context) {
	if h.Forecasts == nil {
		Error(c, http.StatusInternalServerError, "forecast service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return
	}
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AuthorID == 0 {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	res, err := h.Forecasts.Withdraw(c.Request.Context(), service.WithdrawParams{
		QuestionID:   id,
		ForecasterID: req.AuthorID,
		At:           timeOrZero(req.WithdrawAt),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	out := gin.H{"truncated": nil, "removed": res.Removed}
	if res.Truncated != nil {
		out["truncated"] = forecastView(*res.Truncated)
	}
	Ok(c, out, nil)
}
