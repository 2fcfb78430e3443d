package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"metaculus/internal/models"
)

type collector struct {
	mu     sync.Mutex
	logins int
	events []Event
}

func (c *collector) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch r.URL.Path {
		case "/api/v1/auth/login":
			c.logins++
			_, _ = w.Write([]byte(`{"token":"tok","expires_at":"2099-01-01T00:00:00Z"}`))
		case "/api/v1/logs":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var ev Event
			_ = json.NewDecoder(r.Body).Decode(&ev)
			c.events = append(c.events, ev)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestNew_DisabledWithoutConfig(t *testing.T) {
	if c := New("", "key", "", nil); c != nil {
		t.Fatalf("expected nil client without base url")
	}
	var c *Client
	c.LogBestEffort("noop", "info", nil)
	c.TaskFailed(context.Background(), models.Task{}, errors.New("x"))
}

func TestClient_TaskFailedLogsInOnce(t *testing.T) {
	col := &collector{}
	srv := col.server(t)
	defer srv.Close()

	c := New(srv.URL, "key", "", nil)
	c.TaskFailed(context.Background(), models.Task{ID: 3, Name: "aggregates.rebuild", Key: "question:1", Attempts: 8}, errors.New("boom"))
	c.TaskFailed(context.Background(), models.Task{ID: 4, Name: "aggregates.rebuild"}, nil)

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.logins != 1 {
		t.Fatalf("logins=%d want 1", col.logins)
	}
	if len(col.events) != 2 {
		t.Fatalf("events=%d want 2", len(col.events))
	}
	ev := col.events[0]
	if ev.Agent != "forecast-core" || ev.Action != "task_failed" || ev.Level != "error" {
		t.Fatalf("event=%+v", ev)
	}
	if ev.Details["error"] != "boom" {
		t.Fatalf("details=%v", ev.Details)
	}
}

func TestRequireBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequireBearer(false))
	r.GET("/api/v1/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		path   string
		auth   string
		status int
	}{
		{"/api/v1/tasks", "", http.StatusUnauthorized},
		{"/api/v1/tasks", "Bearer abc", http.StatusOK},
		{"/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%s auth=%q status=%d want %d", tc.path, tc.auth, w.Code, tc.status)
		}
	}
}
