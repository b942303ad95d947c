// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package runnerapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/time/rate"

	"github.com/alexandervashurin/semaphore-sub002/lib/artifact"
	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/codec"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/sealed"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskpool"
)

const (
	// maxJSONBody caps request bodies other than output and plans.
	maxJSONBody = 1 << 20

	// maxOutputBody caps one compressed output upload.
	maxOutputBody = 16 << 20

	// maxOutputRecords caps the records accepted in one upload.
	maxOutputRecords = 10000

	// maxPlanBody caps an uploaded plan.
	maxPlanBody = 512 << 20

	// planVerifiedTrailer is set to "true" after a downloaded plan
	// matched its digest. A client that does not see it discards
	// what it received.
	planVerifiedTrailer = "X-Plan-Verified"

	contentEncodingLZ4 = "lz4"
	contentTypeCBORSeq = "application/cbor-seq"
)

// Dispatcher is the part of the task pool the runner API drives.
type Dispatcher interface {
	Heartbeat(ctx context.Context, runnerID int64, jobs []task.JobProgress) (task.Assignment, error)
	ReportStatus(ctx context.Context, runnerID, taskID int64, report task.StatusReport) error
	AppendOutput(ctx context.Context, runnerID, taskID int64, records []task.LogRecord) error
	RunnerJob(ctx context.Context, runnerID, taskID int64) (task.JobData, error)
}

var _ Dispatcher = (*taskpool.Pool)(nil)

// ServerConfig configures a Server.
type ServerConfig struct {
	Pool    Dispatcher
	Runners store.RunnerStore

	// Plans holds plan artifacts for remote Build and Deploy tasks.
	// Nil disables the plan routes.
	Plans *artifact.Cache

	// RegistrationToken is the shared secret a runner presents to
	// register. Empty disables registration.
	RegistrationToken string

	// RegistrationRate and RegistrationBurst limit registration
	// attempts across all clients. Defaults: 1 per second, burst 5.
	RegistrationRate  rate.Limit
	RegistrationBurst int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server serves the runner protocol.
type Server struct {
	config  ServerConfig
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *slog.Logger
}

// NewServer returns a Server. Mount Handler on the server's listener.
func NewServer(config ServerConfig) *Server {
	if config.Pool == nil || config.Runners == nil {
		panic("runnerapi.Server: Pool and Runners are required")
	}
	if config.RegistrationRate <= 0 {
		config.RegistrationRate = 1
	}
	if config.RegistrationBurst <= 0 {
		config.RegistrationBurst = 5
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{
		config:  config,
		limiter: rate.NewLimiter(config.RegistrationRate, config.RegistrationBurst),
		clock:   config.Clock,
		logger:  config.Logger,
	}
}

// Handler returns the routes of the runner protocol.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runners/register", s.register)
	mux.Handle("POST /api/runners/{id}/heartbeat", s.authenticated(s.heartbeat))
	mux.Handle("POST /api/runners/{id}/jobs/{task_id}/output", s.authenticated(s.output))
	mux.Handle("POST /api/runners/{id}/jobs/{task_id}/status", s.authenticated(s.status))
	mux.Handle("PUT /api/runners/{id}/jobs/{task_id}/plan", s.authenticated(s.uploadPlan))
	mux.Handle("GET /api/runners/{id}/jobs/{task_id}/plan", s.authenticated(s.downloadPlan))
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func readJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	return nil
}

// poolError maps a pool error to a response.
func (s *Server) poolError(w http.ResponseWriter, runnerID int64, err error) {
	switch {
	case errors.Is(err, taskpool.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task is not assigned to this runner")
	case errors.Is(err, taskpool.ErrRunnerNotFound):
		writeError(w, http.StatusUnauthorized, "unknown runner")
	case errors.Is(err, taskpool.ErrClosed), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
	default:
		s.logger.Error("runner request failed", "runner_id", runnerID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "registration rate exceeded")
		return
	}
	var request task.Registration
	if err := readJSON(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	expected := s.config.RegistrationToken
	if expected == "" || subtle.ConstantTimeCompare([]byte(request.Token), []byte(expected)) != 1 {
		s.logger.Warn("runner registration rejected", "remote", r.RemoteAddr, "name", request.Name)
		writeError(w, http.StatusUnauthorized, "invalid registration token")
		return
	}
	if err := sealed.ParsePublicKey(request.PublicKey); err != nil {
		writeError(w, http.StatusBadRequest, "invalid public key")
		return
	}
	if request.MaxParallelTasks < 0 {
		writeError(w, http.StatusBadRequest, "max_parallel_tasks must not be negative")
		return
	}

	runner, err := s.config.Runners.CreateRunner(r.Context(), task.Runner{
		ProjectID:        request.ProjectID,
		Token:            uuid.NewString(),
		Name:             request.Name,
		Tags:             request.Tags,
		PublicKey:        request.PublicKey,
		MaxParallelTasks: request.MaxParallelTasks,
		Active:           true,
		LastActive:       s.clock.Now(),
	})
	if err != nil {
		s.logger.Error("creating runner", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("runner registered", "runner_id", runner.ID, "name", runner.Name, "tags", runner.Tags)
	writeJSON(w, http.StatusOK, task.RegistrationReply{
		RunnerID:  runner.ID,
		Token:     runner.Token,
		PublicKey: runner.PublicKey,
	})
}

// runnerHandler is a handler for an authenticated runner.
type runnerHandler func(w http.ResponseWriter, r *http.Request, runner task.Runner)

// authenticated resolves the bearer token to a runner and requires it
// to be the runner the path names.
func (s *Server) authenticated(next runnerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		runner, err := s.config.Runners.GetRunnerByToken(r.Context(), token)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown runner")
			return
		}
		if err != nil {
			s.logger.Error("authenticating runner", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if r.PathValue("id") != strconv.FormatInt(runner.ID, 10) {
			s.logger.Warn("runner addressed another runner's routes", "runner_id", runner.ID, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "token does not belong to this runner")
			return
		}
		next(w, r, runner)
	})
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("task_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", r.PathValue("task_id"))
	}
	return id, nil
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, runner task.Runner) {
	var request task.Heartbeat
	if err := readJSON(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := s.config.Pool.Heartbeat(r.Context(), runner.ID, request.Jobs)
	if err != nil {
		s.poolError(w, runner.ID, err)
		return
	}
	if assignment.NewJobs == nil {
		assignment.NewJobs = []task.JobData{}
	}
	if assignment.Cancel == nil {
		assignment.Cancel = []int64{}
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) output(w http.ResponseWriter, r *http.Request, runner task.Runner) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := decodeRecords(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.config.Pool.AppendOutput(r.Context(), runner.ID, id, records); err != nil {
		s.poolError(w, runner.ID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeRecords reads the CBOR sequence in r's body, lz4 framed when
// Content-Encoding says so.
func decodeRecords(r *http.Request) ([]task.LogRecord, error) {
	var body io.Reader = io.LimitReader(r.Body, maxOutputBody)
	switch encoding := r.Header.Get("Content-Encoding"); encoding {
	case "", "identity":
	case contentEncodingLZ4:
		body = lz4.NewReader(body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	decoder := codec.NewDecoder(body)
	var records []task.LogRecord
	for {
		var record task.LogRecord
		err := decoder.Decode(&record)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding output record %d: %w", len(records), err)
		}
		if len(records) == maxOutputRecords {
			return nil, fmt.Errorf("more than %d records in one upload", maxOutputRecords)
		}
		records = append(records, record)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, runner task.Runner) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var report task.StatusReport
	if err := readJSON(r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !report.Status.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", report.Status))
		return
	}
	if err := s.config.Pool.ReportStatus(r.Context(), runner.ID, id, report); err != nil {
		s.poolError(w, runner.ID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// planJob resolves the task a plan request is about and checks the
// runner holds it.
func (s *Server) planJob(w http.ResponseWriter, r *http.Request, runner task.Runner) (task.JobData, bool) {
	if s.config.Plans == nil {
		writeError(w, http.StatusNotFound, "plan artifacts are not enabled")
		return task.JobData{}, false
	}
	id, err := taskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return task.JobData{}, false
	}
	job, err := s.config.Pool.RunnerJob(r.Context(), runner.ID, id)
	if err != nil {
		s.poolError(w, runner.ID, err)
		return task.JobData{}, false
	}
	return job, true
}

func (s *Server) uploadPlan(w http.ResponseWriter, r *http.Request, runner task.Runner) {
	job, ok := s.planJob(w, r, runner)
	if !ok {
		return
	}
	if job.Template.Type != task.TemplateBuild {
		writeError(w, http.StatusConflict, "only build tasks store plans")
		return
	}
	key := artifact.Key{ProjectID: job.Task.ProjectID, TemplateID: job.Template.ID, TaskID: job.Task.ID}
	body := http.MaxBytesReader(w, r.Body, maxPlanBody)
	if _, err := s.config.Plans.Put(r.Context(), key, body); err != nil {
		s.logger.Warn("storing uploaded plan", "task_id", job.Task.ID, "runner_id", runner.ID, "error", err)
		writeError(w, http.StatusBadRequest, "storing plan failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) downloadPlan(w http.ResponseWriter, r *http.Request, runner task.Runner) {
	job, ok := s.planJob(w, r, runner)
	if !ok {
		return
	}
	if job.Template.Type != task.TemplateDeploy {
		writeError(w, http.StatusConflict, "only deploy tasks load plans")
		return
	}
	key := artifact.Key{ProjectID: job.Task.ProjectID, TemplateID: job.Template.BuildTemplateID, TaskID: job.Task.BuildTaskID}
	release, err := s.config.Plans.Acquire(key)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no plan for the build task")
		return
	}
	if err != nil {
		s.poolError(w, runner.ID, err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Trailer", planVerifiedTrailer)
	w.WriteHeader(http.StatusOK)
	if err := s.config.Plans.WriteTo(r.Context(), key, w); err != nil {
		s.logger.Warn("sending plan", "task_id", job.Task.ID, "build_task_id", job.Task.BuildTaskID, "error", err)
		return
	}
	w.Header().Set(planVerifiedTrailer, "true")
}
