package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/labfetch/internal/engine"
	"github.com/maneesh/labfetch/internal/models"
	"github.com/maneesh/labfetch/internal/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labfetch-handlers")

const defaultHistoryLimit = 50

// HistoryLister reads completed downloads
type HistoryLister interface {
	RecentHistory(ctx context.Context, limit int) ([]models.Completion, error)
}

// ControlHandler exposes the download queue over HTTP
type ControlHandler struct {
	manager  *engine.Manager
	resolver transport.Resolver
	history  HistoryLister
	logger   *slog.Logger
}

// NewControlHandler creates a new control handler. history may be nil.
func NewControlHandler(manager *engine.Manager, resolver transport.Resolver, history HistoryLister, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		manager:  manager,
		resolver: resolver,
		history:  history,
		logger:   logger,
	}
}

// EnqueueRequest is the body of POST /tasks
type EnqueueRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// EnqueueResponse reports whether the item was queued
type EnqueueResponse struct {
	TaskID   string `json:"task_id"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	Queued   bool   `json:"queued"`
	Message  string `json:"message"`
}

// Register mounts the control routes on router with tracing
func (ch *ControlHandler) Register(router *mux.Router) {
	routes := []struct {
		method, path string
		handler      http.HandlerFunc
	}{
		{http.MethodPost, "/tasks", ch.enqueue},
		{http.MethodPost, "/tasks/cancel", ch.cancel},
		{http.MethodGet, "/tasks/cancelled", ch.listCancelled},
		{http.MethodPost, "/tasks/{chat_id}/{message_id}/resume", ch.resume},
		{http.MethodDelete, "/tasks/{chat_id}/{message_id}", ch.delete},
		{http.MethodGet, "/status", ch.status},
		{http.MethodGet, "/history", ch.listHistory},
	}
	for _, rt := range routes {
		router.Handle(rt.path, otelhttp.NewHandler(rt.handler, rt.method+" "+rt.path)).Methods(rt.method)
	}
}

// enqueue handles POST /tasks
func (ch *ControlHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "enqueue_task",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	id := models.Identity{ChatID: req.ChatID, MessageID: req.MessageID}
	span.SetAttributes(attribute.String("task_id", id.String()))

	item, err := ch.resolver.Resolve(ctx, id)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, transport.ErrNotFound) {
			http.Error(w, fmt.Sprintf("no media for %s", id), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("failed to resolve media: %v", err), http.StatusBadGateway)
		return
	}

	queued, err := ch.manager.Enqueue(ctx, item)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to enqueue: %v", err), http.StatusInternalServerError)
		return
	}

	resp := EnqueueResponse{
		TaskID:   id.String(),
		FileName: item.SuggestedName(),
		FileSize: item.Size(),
		Queued:   queued,
		Message:  "Download queued",
	}
	if !queued {
		resp.Message = "Already queued or downloaded"
	}
	ch.logger.Info("enqueue request", "task", id.String(), "queued", queued)
	writeJSON(w, http.StatusAccepted, resp)
}

// cancel handles POST /tasks/cancel
func (ch *ControlHandler) cancel(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "cancel_current",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	cancelled := ch.manager.CancelCurrent()
	span.SetAttributes(attribute.Bool("cancelled", cancelled))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// listCancelled handles GET /tasks/cancelled
func (ch *ControlHandler) listCancelled(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_cancelled",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	tasks, err := ch.manager.ListCancelled(ctx)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.Int("task_count", len(tasks)))
	writeJSON(w, http.StatusOK, tasks)
}

// resume handles POST /tasks/{chat_id}/{message_id}/resume
func (ch *ControlHandler) resume(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "resume_task",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, err := identityFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("task_id", id.String()))

	if err := ch.manager.Resume(ctx, id); err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	ch.logger.Info("resume request", "task", id.String())
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id.String(), "message": "Download resumed"})
}

// delete handles DELETE /tasks/{chat_id}/{message_id}
func (ch *ControlHandler) delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_task",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, err := identityFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("task_id", id.String()))

	if err := ch.manager.Delete(ctx, id); err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// status handles GET /status
func (ch *ControlHandler) status(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "get_status",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	s := ch.manager.Status()
	span.SetAttributes(
		attribute.Bool("running", s.Running),
		attribute.Int("queue_depth", s.QueueDepth),
	)
	writeJSON(w, http.StatusOK, s)
}

// listHistory handles GET /history?limit=N
func (ch *ControlHandler) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_history",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if ch.history == nil {
		writeJSON(w, http.StatusOK, []models.Completion{})
		return
	}
	entries, err := ch.history.RecentHistory(ctx, limit)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.Completion{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func identityFromPath(r *http.Request) (models.Identity, error) {
	vars := mux.Vars(r)
	chatID, err := strconv.ParseInt(vars["chat_id"], 10, 64)
	if err != nil {
		return models.Identity{}, fmt.Errorf("invalid chat_id %q", vars["chat_id"])
	}
	messageID, err := strconv.ParseInt(vars["message_id"], 10, 64)
	if err != nil {
		return models.Identity{}, fmt.Errorf("invalid message_id %q", vars["message_id"])
	}
	return models.Identity{ChatID: chatID, MessageID: messageID}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrSourceUnreachable):
		return http.StatusGone
	case errors.Is(err, engine.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
