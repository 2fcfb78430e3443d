package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"metaculus/internal/config"
	"metaculus/internal/lease"
	"metaculus/internal/repository/memory"
	"metaculus/internal/service"
	"metaculus/internal/tasks"
)

type testServer struct {
	engine *gin.Engine
	exec   *tasks.Executor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := memory.New()
	exec := tasks.New(repo, config.TasksConfig{}, nil, nil)
	settings := &service.SystemSettingsService{Repo: repo}
	fcfg := config.ForecastingConfig{ExpiryReminderLead: time.Hour}
	builder := &service.AggregationBuilder{
		Repo:   repo,
		Locker: lease.NewMemoryLocker(),
		Config: config.AggregationConfig{Methods: []string{"unweighted"}},
	}

	r := gin.New()
	(&HealthHandler{Checks: map[string]ReadyCheck{}}).Register(r)
	(&QuestionsHandler{Questions: &service.QuestionService{Repo: repo}}).Register(r)
	(&ForecastsHandler{Forecasts: &service.ForecastService{Repo: repo, Scheduler: exec, Settings: settings, Config: fcfg}}).Register(r)
	(&OptionsHandler{Options: &service.OptionsService{Repo: repo, Scheduler: exec, Settings: settings, Config: fcfg}}).Register(r)
	(&AggregationsHandler{Builder: builder}).Register(r)
	(&TasksHandler{Executor: exec}).Register(r)
	(&SystemSettingsHandler{Settings: settings}).Register(r)
	return &testServer{engine: r, exec: exec}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	var resp apiResponse
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w.Code, resp
}

func TestQuestionAndForecastFlow(t *testing.T) {
	s := newTestServer(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	code, resp := s.do(t, http.MethodPut, "/api/v1/questions/5", map[string]any{
		"type":                       "binary",
		"default_aggregation_method": "unweighted",
	})
	if code != http.StatusOK {
		t.Fatalf("put question: %d %s", code, resp.Message)
	}

	code, resp = s.do(t, http.MethodPost, "/api/v1/questions/5/forecasts", map[string]any{
		"author_id":       3,
		"probability_yes": 0.42,
		"start_time":      start,
	})
	if code != http.StatusOK {
		t.Fatalf("submit: %d %s", code, resp.Message)
	}

	code, resp = s.do(t, http.MethodGet, "/api/v1/questions/5/forecasts?author_id=3", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %s", code, resp.Message)
	}
	if items, _ := resp.Data.([]any); len(items) != 1 {
		t.Fatalf("forecasts=%v", resp.Data)
	}

	if err := s.exec.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	code, resp = s.do(t, http.MethodGet, "/api/v1/questions/5/aggregations?method=unweighted", nil)
	if code != http.StatusOK {
		t.Fatalf("aggregations: %d %s", code, resp.Message)
	}
	points, _ := resp.Data.([]any)
	if len(points) != 1 {
		t.Fatalf("points=%v", resp.Data)
	}

	code, resp = s.do(t, http.MethodPost, "/api/v1/questions/5/withdraw", map[string]any{
		"author_id":   3,
		"withdraw_at": start.Add(time.Hour),
	})
	if code != http.StatusOK {
		t.Fatalf("withdraw: %d %s", code, resp.Message)
	}
	withdrawn, _ := resp.Data.(map[string]any)
	if withdrawn["truncated"] == nil || withdrawn["removed"] != float64(0) {
		t.Fatalf("withdraw data=%v", resp.Data)
	}

	code, resp = s.do(t, http.MethodGet, "/api/v1/tasks?name=aggregates.rebuild", nil)
	if code != http.StatusOK || resp.Meta["total"] == nil {
		t.Fatalf("tasks: %d %+v", code, resp)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPut, "/api/v1/questions/1", map[string]any{"type": "binary"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad id", http.MethodGet, "/api/v1/questions/abc", nil, http.StatusBadRequest},
		{"missing question", http.MethodGet, "/api/v1/questions/404", nil, http.StatusNotFound},
		{"bad probability", http.MethodPost, "/api/v1/questions/1/forecasts", map[string]any{"author_id": 1, "probability_yes": 1.5}, http.StatusBadRequest},
		{"nothing to withdraw", http.MethodPost, "/api/v1/questions/1/withdraw", map[string]any{"author_id": 1}, http.StatusNotFound},
		{"options on binary", http.MethodPost, "/api/v1/questions/1/options/rename", map[string]any{"old_label": "a", "new_label": "b"}, http.StatusBadRequest},
		{"add without grace", http.MethodPost, "/api/v1/questions/1/options/add", map[string]any{"labels": []string{"c"}}, http.StatusBadRequest},
		{"unknown switch", http.MethodPut, "/api/v1/system-settings/switches/nope", map[string]any{"enabled": true}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, resp := s.do(t, tc.method, tc.path, tc.body)
		if code != tc.want {
			t.Fatalf("%s: status=%d want %d (%s)", tc.name, code, tc.want, resp.Message)
		}
		if resp.Code != tc.want {
			t.Fatalf("%s: envelope code=%d want %d", tc.name, resp.Code, tc.want)
		}
	}
}

func TestOptionRoutes(t *testing.T) {
	s := newTestServer(t)
	code, resp := s.do(t, http.MethodPut, "/api/v1/questions/2", map[string]any{
		"type":      "multiple_choice",
		"open_time": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"options":   []string{"a", "b", "other"},
	})
	if code != http.StatusOK {
		t.Fatalf("put question: %d %s", code, resp.Message)
	}

	code, resp = s.do(t, http.MethodPost, "/api/v1/questions/2/options/add", map[string]any{
		"labels":           []string{"c"},
		"at":               time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		"grace_period_end": time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	})
	if code != http.StatusOK {
		t.Fatalf("add: %d %s", code, resp.Message)
	}
	data, _ := resp.Data.(map[string]any)
	opts, _ := data["options"].([]any)
	if len(opts) != 4 || opts[2] != "c" || opts[3] != "other" {
		t.Fatalf("options=%v", data["options"])
	}

	code, resp = s.do(t, http.MethodPost, "/api/v1/questions/2/options/reorder", map[string]any{
		"order": []string{"b", "a", "c", "other"},
	})
	if code != http.StatusBadRequest || resp.Meta["field"] != "order" {
		t.Fatalf("reorder after add: %d %+v", code, resp)
	}
}

func TestSwitchesAndHealth(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodPut, "/api/v1/system-settings/switches/aggregate_rebuild", map[string]any{"enabled": false, "updated_by": "oncall"})
	if code != http.StatusOK {
		t.Fatalf("put switch: %d", code)
	}
	code, resp := s.do(t, http.MethodGet, "/api/v1/system-settings/switches/aggregate_rebuild", nil)
	data, _ := resp.Data.(map[string]any)
	if code != http.StatusOK || data["enabled"] != false {
		t.Fatalf("get switch: %d %+v", code, resp)
	}
	code, resp = s.do(t, http.MethodGet, "/api/v1/system-settings/switches", nil)
	list, _ := resp.Data.([]any)
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list switches: %d %+v", code, resp)
	}
	if row, _ := list[0].(map[string]any); row["updated_by"] != "oncall" || row["enabled"] != false {
		t.Fatalf("switch row=%v", list[0])
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, w.Code)
		}
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("go_goroutines")) {
		t.Fatalf("metrics: %d", w.Code)
	}
}

func TestReadyzReportsFailedCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	(&HealthHandler{Checks: map[string]ReadyCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}).Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d want 503", w.Code)
	}
}

func TestFail_HidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.ErrorLevel)
	r := gin.New()
	r.Use(LogErrors(zap.New(core)))
	r.GET("/boom", func(c *gin.Context) {
		Fail(c, errors.New(`pq: relation "forecasts_secret" does not exist`))
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("forecasts_secret")) {
		t.Fatalf("driver error leaked: %s", w.Body.String())
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries want 1", len(entries))
	}
	if got := entries[0].ContextMap()["error"]; got != `pq: relation "forecasts_secret" does not exist` {
		t.Fatalf("logged error=%v", got)
	}
	if got := entries[0].ContextMap()["path"]; got != "/boom" {
		t.Fatalf("logged path=%v", got)
	}
}
