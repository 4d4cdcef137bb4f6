package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"plex-kiosk/app/config"
	"plex-kiosk/app/logger"
)

func newFlowerServer(t *testing.T, h http.HandlerFunc) *Flower {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	f := NewFlower(config.BackendConfig{
		FlowerURL: srv.URL,
		TaskName:  "app.workers.request_worker.process_request_task",
		Queue:     "media",
		Username:  "admin",
		Password:  "secret",
	}, logger.NewNop())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFlowerSubmit(t *testing.T) {
	f := newFlowerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/task/async-apply/app.workers.request_worker.process_request_task" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
			t.Errorf("basic auth missing")
		}
		var body flowerApplyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body.Args) != 1 || body.Args[0] != float64(42) {
			t.Errorf("args = %v", body.Args)
		}
		if body.Options["queue"] != "media" || body.Kwargs["callback_token"] != "tok" {
			t.Errorf("options=%v kwargs=%v", body.Options, body.Kwargs)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task-id":"c0ffee","state":"PENDING"}`))
	})

	id, err := f.Submit(context.Background(), Work{RequestID: 42, CallbackURL: "http://cb", CallbackToken: "tok"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "c0ffee" {
		t.Fatalf("task id = %q", id)
	}
}

func TestFlowerSubmitRejected(t *testing.T) {
	f := newFlowerServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unknown task", http.StatusNotFound)
	})
	if _, err := f.Submit(context.Background(), Work{RequestID: 1}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestFlowerSubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := NewFlower(config.BackendConfig{FlowerURL: url, TaskName: "t"}, logger.NewNop())
	defer f.Close()
	if _, err := f.Submit(context.Background(), Work{RequestID: 1}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestFlowerStatus(t *testing.T) {
	f := newFlowerServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/task/result/ok":
			_, _ = w.Write([]byte(`{"task-id":"ok","state":"SUCCESS","result":{"path":"/media/x"}}`))
		case "/api/task/result/bad":
			_, _ = w.Write([]byte(`{"task-id":"bad","state":"FAILURE","result":"ValueError('no torrent')"}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	ok, err := f.Status(ctx, "ok")
	if err != nil {
		t.Fatalf("Status(ok): %v", err)
	}
	if ok.State != StateSuccess || ok.Result["path"] != "/media/x" {
		t.Fatalf("ok = %+v", ok)
	}

	bad, err := f.Status(ctx, "bad")
	if err != nil {
		t.Fatalf("Status(bad): %v", err)
	}
	if bad.State != StateFailure || bad.Error != "ValueError('no torrent')" {
		t.Fatalf("bad = %+v", bad)
	}

	if _, err := f.Status(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("missing: got %v, want ErrTaskNotFound", err)
	}
}

func TestFlowerPing(t *testing.T) {
	f := newFlowerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthcheck" {
			_, _ = w.Write([]byte("OK"))
			return
		}
		http.NotFound(w, r)
	})
	if err := f.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
