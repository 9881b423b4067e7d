package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/datarelay/drivemirror/internal/mirror"
	"github.com/datarelay/drivemirror/internal/store"
)

type idleProcessor struct{}

func (idleProcessor) ProcessTask(ctx context.Context, task mirror.SyncTask) (mirror.BatchResult, error) {
	return mirror.BatchResult{}, nil
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, store.Store, *mirror.Gate) {
	t.Helper()
	st := store.NewMemory()
	gate := mirror.NewGate()
	queue := mirror.NewTaskQueue(gate, idleProcessor{}, mirror.TaskQueueOptions{Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(queue.Close)
	orch := mirror.NewOrchestrator(st, queue, gate, mirror.OrchestratorOptions{Logger: log.New(io.Discard, "", 0)})
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return NewServer(st, queue, orch, gate, cfg), st, gate
}

func TestHealthNeedsNoAuth(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{AuthToken: "secret"})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStatusRequiresBearerToken(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{AuthToken: "secret"})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestStatusSnapshotShape(t *testing.T) {
	server, st, gate := newTestServer(t, ServerConfig{})
	ctx := context.Background()
	st.UpsertFile(ctx, store.File{ID: "a", SyncStatus: store.SyncSuccess})
	st.UpsertFile(ctx, store.File{ID: "b", SyncStatus: store.SyncPending})
	gate.MarkReady()

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snapshot StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snapshot.Ready {
		t.Fatal("expected ready after gate fired")
	}
	if snapshot.FileCounts["success"] != 1 || snapshot.FileCounts["pending"] != 1 {
		t.Fatalf("unexpected counts: %+v", snapshot.FileCounts)
	}
	if snapshot.Watermark != nil {
		t.Fatal("no watermark expected before a discovery pass")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	server, _, _ := newTestServer(t, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not_found") {
		t.Fatalf("expected error body, got %s", rec.Body.String())
	}
}

func TestStatusStreamPushesSnapshots(t *testing.T) {
	server, st, gate := newTestServer(t, ServerConfig{StreamInterval: 20 * time.Millisecond})
	st.UpsertFile(context.Background(), store.File{ID: "a", SyncStatus: store.SyncSuccess})
	gate.MarkReady()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/status/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for i := 0; i < 2; i++ {
		var snapshot StatusSnapshot
		if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
			t.Fatalf("read snapshot %d: %v", i, err)
		}
		if snapshot.FileCounts["success"] != 1 {
			t.Fatalf("snapshot %d: unexpected counts %+v", i, snapshot.FileCounts)
		}
	}
}
