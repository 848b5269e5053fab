package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/labfetch/internal/engine"
	"github.com/maneesh/labfetch/internal/logging"
	"github.com/maneesh/labfetch/internal/models"
	"github.com/maneesh/labfetch/internal/storage"
	"github.com/maneesh/labfetch/internal/transport"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type staticHistory []models.Completion

func (h staticHistory) RecentHistory(_ context.Context, limit int) ([]models.Completion, error) {
	if limit < len(h) {
		return h[:limit], nil
	}
	return h, nil
}

type fixture struct {
	src    *transport.MemorySource
	store  *storage.MemoryTaskStore
	layout engine.Layout
	mgr    *engine.Manager
	router *mux.Router
}

func newFixture(t *testing.T, history HistoryLister) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		src:    transport.NewMemorySource(),
		store:  storage.NewMemoryTaskStore(),
		layout: engine.NewLayout(dir, filepath.Join(dir, ".progress")),
		router: mux.NewRouter(),
	}
	logger := logging.Discard()
	f.mgr = engine.NewManager(f.src, transport.NewPool(f.src, 2, logger), f.store, nil, f.layout, engine.Options{
		PartSize:   1000,
		ReadSize:   512,
		MaxWorkers: 2,
	}, logger)
	NewControlHandler(f.mgr, f.src, history, logger).Register(f.router)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		f.mgr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}
}

func TestEnqueueDownloadsItem(t *testing.T) {
	f := newFixture(t, nil)
	data := []byte(strings.Repeat("labfetch", 500))
	f.src.Add(models.Identity{ChatID: 7, MessageID: 1}, "notes.txt", data)

	rec := f.do(http.MethodPost, "/tasks", `{"chat_id":7,"message_id":1}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp EnqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Queued || resp.TaskID != "7_1" || resp.FileSize != int64(len(data)) {
		t.Fatalf("unexpected response %+v", resp)
	}
	f.waitIdle(t)

	got, err := os.ReadFile(f.layout.FinalPath("notes.txt"))
	if err != nil || string(got) != string(data) {
		t.Fatalf("final file mismatch: %v", err)
	}

	rec = f.do(http.MethodPost, "/tasks", `{"chat_id":7,"message_id":1}`)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"queued":false`) {
		t.Fatalf("expected skip on second enqueue, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestEnqueueErrors(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodPost, "/tasks", `{bad`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/tasks", `{"chat_id":1,"message_id":2}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResumeAndDeleteStatusCodes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now()
	f.store.Save(ctx, &models.Task{
		MessageID: 3,
		ChatID:    7,
		FileName:  "gone.bin",
		FileSize:  10,
		Status:    models.TaskCancelled,
		Parts:     []models.Part{{Index: 0, StartOffset: 0, EndOffset: 9, Status: models.PartPending}},
		CreatedAt: now,
		UpdatedAt: now,
	})

	rec := f.do(http.MethodGet, "/tasks/cancelled", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "gone.bin") {
		t.Fatalf("unexpected cancelled list %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodPost, "/tasks/7/3/resume", ""); rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for unreachable source, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/tasks/7/4/resume", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/tasks/7/x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/tasks/7/3", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/tasks/7/3", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestCancelAndStatusWhenIdle(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/tasks/cancel", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelled":false`) {
		t.Fatalf("unexpected cancel response %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/status", "")
	var st engine.StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.Running || st.Current != nil {
		t.Fatalf("unexpected status %+v (%v)", st, err)
	}
}

func TestEveryRouteOpensHandlerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	f := newFixture(t, nil)
	f.do(http.MethodGet, "/status", "")
	f.do(http.MethodGet, "/tasks/cancelled", "")
	f.do(http.MethodPost, "/tasks/cancel", "")

	seen := map[string]bool{}
	for _, span := range recorder.Ended() {
		seen[span.Name()] = true
	}
	for _, name := range []string{"get_status", "list_cancelled", "cancel_current"} {
		if !seen[name] {
			t.Fatalf("no %s span recorded, got %v", name, seen)
		}
	}
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, staticHistory{
		{FileName: "a.bin", Size: 1},
		{FileName: "b.bin", Size: 2},
	})
	rec := f.do(http.MethodGet, "/history?limit=1", "")
	var got []models.Completion
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 1 || got[0].FileName != "a.bin" {
		t.Fatalf("unexpected history %s (%v)", rec.Body.String(), err)
	}
	if rec := f.do(http.MethodGet, "/history?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	empty := newFixture(t, nil)
	if rec := empty.do(http.MethodGet, "/history", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %q", rec.Body.String())
	}
}
