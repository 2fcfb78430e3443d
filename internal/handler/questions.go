package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"metaculus/internal/models"
	"metaculus/internal/service"
)

type QuestionsHandler struct {
	Questions *service.QuestionService
}

func (h *QuestionsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/questions")
	g.GET("/:id", h.get)
	g.PUT("/:id", h.put)
}

func (h *QuestionsHandler) get(c *gin.Context) {
	if h.Questions == nil {
		Error(c, http.StatusInternalServerError, "question service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return
	}
	q, err := h.Questions.Get(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, questionView(q), nil)
}

type putQuestionRequest struct {
	Type                     string     `json:"type"`
	OpenTime                 *time.Time `json:"open_time"`
	ScheduledCloseTime       *time.Time `json:"scheduled_close_time"`
	ActualCloseTime          *time.Time `json:"actual_close_time"`
	DefaultAggregationMethod string     `json:"default_aggregation_method"`
	IncludeBotsInAggregates  bool       `json:"include_bots_in_aggregates"`
	Options                  []string   `json:"options"`
	CDFSize                  int        `json:"cdf_size"`
}

// put syncs a question from the owning subsystem. Options of an existing
// multiple-choice question are ignored; they change through the options routes.
func (h *QuestionsHandler) put(c *gin.Context) {
	if h.Questions == nil {
		Error(c, http.StatusInternalServerError, "question service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid question id", nil)
		return
	}
	var req putQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	q, err := h.Questions.Upsert(c.Request.Context(), &models.Question{
		ID:                       id,
		Type:                     models.QuestionType(req.Type),
		OpenTime:                 utcPtr(req.OpenTime),
		ScheduledCloseTime:       utcPtr(req.ScheduledCloseTime),
		ActualCloseTime:          utcPtr(req.ActualCloseTime),
		DefaultAggregationMethod: req.DefaultAggregationMethod,
		IncludeBotsInAggregates:  req.IncludeBotsInAggregates,
		Options:                  req.Options,
		CDFSize:                  req.CDFSize,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, questionView(q), nil)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
