// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskapi serves the submission interface of the task pool over
// HTTP for the web layer and CLI clients:
//
//	POST /api/tasks                 enqueue a task.NewTask, 201 {"id": n}
//	GET  /api/tasks/running         task.Summary list
//	GET  /api/tasks/{id}            the stored task.Task
//	POST /api/tasks/{id}/stop       cancel
//	GET  /api/tasks/{id}/output     NDJSON log records
//
// The output route follows a live task until it finishes (or the client
// goes away), replaying retained records from ?from=<seq>. For a
// finished task it returns the stored records and ends. Every route
// requires "Authorization: Bearer <token>".
package taskapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskpool"
)

const maxBody = 1 << 20

// Pool is the part of the task pool the API drives.
type Pool interface {
	Enqueue(ctx context.Context, submission task.NewTask) (int64, error)
	Cancel(ctx context.Context, taskID int64) error
	SubscribeOutput(ctx context.Context, taskID, fromSeq int64) (*tasklog.Subscription, error)
	ListRunning(ctx context.Context) ([]task.Summary, error)
}

var _ Pool = (*taskpool.Pool)(nil)

// Config configures a Handler.
type Config struct {
	Pool  Pool
	Tasks store.TaskStore

	// Token is the bearer every request must carry. Empty disables
	// the API: every route answers 401.
	Token string

	Logger *slog.Logger
}

type handler struct {
	config Config
	logger *slog.Logger
}

// NewHandler returns the routes of the submission API.
func NewHandler(config Config) http.Handler {
	if config.Pool == nil || config.Tasks == nil {
		panic("taskapi: Pool and Tasks are required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	h := &handler{config: config, logger: config.Logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", h.enqueue)
	mux.HandleFunc("GET /api/tasks/running", h.running)
	mux.HandleFunc("GET /api/tasks/{id}", h.get)
	mux.HandleFunc("POST /api/tasks/{id}/stop", h.stop)
	mux.HandleFunc("GET /api/tasks/{id}/output", h.output)
	return h.authenticate(mux)
}

type errorResponse struct {
	Error   string        `json:"error"`
	Failure *task.Failure `json:"failure,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.config.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid API token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps pool and store errors to responses.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case taskerr.KindOf(err) == task.KindValidation:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Failure: taskerr.Failure(err)})
	case errors.Is(err, taskpool.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
	case errors.Is(err, taskpool.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "server shutting down"})
	default:
		h.logger.Error("task API request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return 0, false
	}
	return id, true
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var submission task.NewTask
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&submission); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decoding task: " + err.Error()})
		return
	}
	id, err := h.config.Pool.Enqueue(r.Context(), submission)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *handler) running(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.config.Pool.ListRunning(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []task.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	got, err := h.config.Tasks.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.config.Pool.Cancel(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) output(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var from int64
	if value := r.URL.Query().Get("from"); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from"})
			return
		}
		from = parsed
	}

	subscription, err := h.config.Pool.SubscribeOutput(r.Context(), id, max(from, 1))
	if errors.Is(err, taskpool.ErrNotLive) {
		h.stored(w, r, id, from)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer subscription.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	for {
		select {
		case record, open := <-subscription.Records():
			if !open {
				return
			}
			if err := encoder.Encode(record); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// stored writes the persisted output of a task the pool no longer holds.
func (h *handler) stored(w http.ResponseWriter, r *http.Request, id, from int64) {
	records, err := h.config.Tasks.ListTaskOutput(r.Context(), id, from)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	encoder := json.NewEncoder(w)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return
		}
	}
}
