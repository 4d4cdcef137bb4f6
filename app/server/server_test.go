package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
	"plex-kiosk/app/model"
	"plex-kiosk/app/pipeline"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (http.Handler, *pipeline.Pipeline) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "0", Mode: gin.TestMode},
		Database: config.DatabaseConfig{
			Driver:       "sqlite",
			DSN:          fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano()),
			MaxOpenConns: 1,
		},
		Backend:  config.BackendConfig{Type: "memory", TaskName: "process_request_task", ResultTTL: time.Hour},
		Callback: config.CallbackConfig{Secret: "secret", Issuer: "plex-kiosk", TTL: time.Hour, BaseURL: "http://kiosk/api/tasks/events"},
		Pipeline: config.PipelineConfig{
			MaxRetries:          1,
			SignalTimeout:       time.Hour,
			SubmitTimeout:       time.Second,
			DispatchLease:       time.Minute,
			LedgerWriteAttempts: 3,
			LedgerWriteBackoff:  time.Millisecond,
			PendingGrace:        time.Minute,
			SweepSpec:           "@every 1h",
			SweepBatch:          10,
			MaxRequestsPerDay:   2,
		},
	}
	p, err := pipeline.Open(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("pipeline.Open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	return New(cfg, logger.NewNop(), p).Handler(), p
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func decodeRequest(t *testing.T, env envelope) model.MediaRequest {
	t.Helper()
	var req model.MediaRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		t.Fatalf("decode request: %v (%s)", err, env.Data)
	}
	return req
}

func createRequest(t *testing.T, h http.Handler, externalID, title string) model.MediaRequest {
	t.Helper()
	rec, env := do(t, h, http.MethodPost, "/api/requests", map[string]any{
		"media_type":  "movie",
		"external_id": externalID,
		"title":       title,
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeRequest(t, env)
}

func TestCreateDispatchComplete(t *testing.T) {
	h, p := newTestServer(t)

	req := createRequest(t, h, "129", "Spirited Away")
	if req.Status != model.RequestStatusDispatched || req.TaskID == nil {
		t.Fatalf("created request not dispatched: status=%s task=%v", req.Status, req.TaskID)
	}
	taskID := *req.TaskID

	rec, env := do(t, h, http.MethodGet, "/api/requests/task/"+taskID, nil, "")
	if rec.Code != http.StatusOK || decodeRequest(t, env).ID != req.ID {
		t.Fatalf("lookup by task: %d %s", rec.Code, rec.Body.String())
	}

	token, err := p.Tokens.GenerateToken(req.ID)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	event := map[string]any{"task_id": taskID, "state": "SUCCESS", "result": map[string]any{"path": "/media/movies/Spirited Away (2001)"}}

	rec, _ = do(t, h, http.MethodPost, "/api/tasks/events", event, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("event: %d %s", rec.Code, rec.Body.String())
	}
	// 重复投递
	rec, _ = do(t, h, http.MethodPost, "/api/tasks/events", event, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate event: %d %s", rec.Code, rec.Body.String())
	}

	rec, env = do(t, h, http.MethodGet, fmt.Sprintf("/api/requests/%d", req.ID), nil, "")
	got := decodeRequest(t, env)
	if rec.Code != http.StatusOK || got.Status != model.RequestStatusCompleted {
		t.Fatalf("get: %d status=%s", rec.Code, got.Status)
	}

	rec, env = do(t, h, http.MethodGet, fmt.Sprintf("/api/requests/%d/history", req.ID), nil, "")
	var history []model.RequestTransition
	if err := json.Unmarshal(env.Data, &history); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("history: %d %v", rec.Code, err)
	}
	if len(history) != 3 {
		t.Fatalf("history entries = %d, want 3", len(history))
	}

	rec, env = do(t, h, http.MethodGet, "/api/requests/stats", nil, "")
	var stats map[string]int64
	if err := json.Unmarshal(env.Data, &stats); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("stats: %d %v", rec.Code, err)
	}
	if stats["completed"] != 1 || stats["pending"] != 0 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestCreateValidationAndConflicts(t *testing.T) {
	h, _ := newTestServer(t)

	rec, _ := do(t, h, http.MethodPost, "/api/requests", map[string]any{"media_type": "podcast", "title": "x"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid payload: %d", rec.Code)
	}

	req := createRequest(t, h, "550", "Fight Club")

	rec, _ = do(t, h, http.MethodPost, "/api/requests", map[string]any{"media_type": "movie", "external_id": "550", "title": "Fight Club"}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate request: %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodPost, fmt.Sprintf("/api/requests/%d/dispatch", req.ID), nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second dispatch: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = do(t, h, http.MethodPost, fmt.Sprintf("/api/requests/%d/retry", req.ID), nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry of dispatched request: %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/requests/9999", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing request: %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodGet, "/api/requests/abc", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodGet, "/api/requests/task/unknown", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task: %d", rec.Code)
	}
}

func TestCreateWithoutDispatchAndManualDispatch(t *testing.T) {
	h, _ := newTestServer(t)

	rec, env := do(t, h, http.MethodPost, "/api/requests?dispatch=false", map[string]any{
		"media_type": "anime", "external_id": "21", "source": "anilist", "title": "One Piece", "seasons_requested": "1",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	req := decodeRequest(t, env)
	if req.Status != model.RequestStatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}

	rec, env = do(t, h, http.MethodPost, fmt.Sprintf("/api/requests/%d/dispatch", req.ID), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.TaskID == "" {
		t.Fatalf("dispatch response %s: %v", env.Data, err)
	}

	rec, env = do(t, h, http.MethodGet, "/api/requests?q=one+piece&status=dispatched", nil, "")
	var page struct {
		List  []model.MediaRequest `json:"list"`
		Total int64                `json:"total"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("list: %d %v", rec.Code, err)
	}
	if page.Total != 1 || page.List[0].ID != req.ID {
		t.Fatalf("list = %+v", page)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/requests?status=unknown", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", rec.Code)
	}
}

func TestCreateDailyQuota(t *testing.T) {
	h, _ := newTestServer(t)

	for i, id := range []string{"603", "604", "605"} {
		rec, _ := do(t, h, http.MethodPost, "/api/requests?dispatch=false", map[string]any{
			"media_type": "movie", "external_id": id, "title": "The Matrix " + id, "requested_by": "neo",
		}, "")
		want := http.StatusCreated
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request %d: status %d, want %d (%s)", i+1, rec.Code, want, rec.Body.String())
		}
	}

	rec, _ := do(t, h, http.MethodPost, "/api/requests?dispatch=false", map[string]any{
		"media_type": "movie", "external_id": "606", "title": "The Animatrix", "requested_by": "trinity",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("other requester: %d", rec.Code)
	}
}

func TestTaskEventAuthorization(t *testing.T) {
	h, p := newTestServer(t)
	a := createRequest(t, h, "1", "Alien")
	b := createRequest(t, h, "2", "Aliens")

	event := map[string]any{"task_id": *a.TaskID, "state": "FAILURE", "error": "no seeders"}

	rec, _ := do(t, h, http.MethodPost, "/api/tasks/events", event, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodPost, "/api/tasks/events", event, "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}

	tokenB, _ := p.Tokens.GenerateToken(b.ID)
	rec, _ = do(t, h, http.MethodPost, "/api/tasks/events", event, tokenB)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign token: %d", rec.Code)
	}

	tokenA, _ := p.Tokens.GenerateToken(a.ID)
	rec, _ = do(t, h, http.MethodPost, "/api/tasks/events", map[string]any{"task_id": "", "state": "SUCCESS"}, tokenA)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed event: %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodPost, "/api/tasks/events", event, tokenA)
	if rec.Code != http.StatusOK {
		t.Fatalf("failure event: %d %s", rec.Code, rec.Body.String())
	}

	// 失败后自动重试，拿到新的任务ID
	got, err := p.Ledger.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.RequestStatusDispatched || got.CurrentTaskID() == *a.TaskID {
		t.Fatalf("after failure: status=%s task=%q", got.Status, got.CurrentTaskID())
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec, env := do(t, h, http.MethodGet, "/api/health", nil, "")
	if rec.Code != http.StatusOK || env.Message != "ok" {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}
