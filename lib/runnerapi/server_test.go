// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package runnerapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/artifact"
	"github.com/alexandervashurin/semaphore-sub002/lib/netutil"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/sealed"
	"github.com/alexandervashurin/semaphore-sub002/lib/store/memstore"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskpool"
)

// fakePool records what the handlers pass to the pool.
type fakePool struct {
	mu         sync.Mutex
	heartbeats []int64
	records    []task.LogRecord
	reports    []task.StatusReport
	jobs       map[int64]task.JobData
	assignment task.Assignment
}

func (f *fakePool) Heartbeat(_ context.Context, runnerID int64, _ []task.JobProgress) (task.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, runnerID)
	return f.assignment, nil
}

func (f *fakePool) ReportStatus(_ context.Context, _, taskID int64, report task.StatusReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[taskID]; !ok {
		return taskpool.ErrTaskNotFound
	}
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakePool) AppendOutput(_ context.Context, _, taskID int64, records []task.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[taskID]; !ok {
		return taskpool.ErrTaskNotFound
	}
	f.records = append(f.records, records...)
	return nil
}

func (f *fakePool) RunnerJob(_ context.Context, _, taskID int64) (task.JobData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[taskID]
	if !ok {
		return task.JobData{}, taskpool.ErrTaskNotFound
	}
	return job, nil
}

type serverFixture struct {
	pool    *fakePool
	store   *memstore.Store
	plans   *artifact.Cache
	server  *httptest.Server
	client  *Client
	api     *Server
}

func newServerFixture(t *testing.T, modify func(*ServerConfig)) *serverFixture {
	t.Helper()
	plans, err := artifact.New(artifact.Config{Dir: filepath.Join(t.TempDir(), "plans")})
	if err != nil {
		t.Fatal(err)
	}
	f := &serverFixture{
		pool: &fakePool{jobs: map[int64]task.JobData{
			7: {Task: task.Task{ID: 7, ProjectID: 1}, Template: task.Template{ID: 30, Type: task.TemplateBuild}},
			8: {Task: task.Task{ID: 8, ProjectID: 1, BuildTaskID: 7}, Template: task.Template{ID: 31, Type: task.TemplateDeploy, BuildTemplateID: 30}},
		}},
		store: memstore.New(),
		plans: plans,
	}
	config := ServerConfig{
		Pool:              f.pool,
		Runners:           f.store,
		Plans:             plans,
		RegistrationToken: "join-secret",
		RegistrationRate:  1000,
		RegistrationBurst: 1000,
	}
	if modify != nil {
		modify(&config)
	}
	f.api = NewServer(config)
	f.server = httptest.NewServer(f.api.Handler())
	t.Cleanup(f.server.Close)
	f.client, err = NewClient(ClientConfig{URL: f.server.URL, Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *serverFixture) register(t *testing.T, tags ...string) *Client {
	t.Helper()
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer keypair.Close()
	reply, err := f.client.Register(t.Context(), task.Registration{
		Token:     "join-secret",
		Name:      "builder",
		Tags:      tags,
		PublicKey: keypair.PublicKey,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reply.RunnerID == 0 || reply.Token == "" || reply.PublicKey != keypair.PublicKey {
		t.Fatalf("reply = %+v", reply)
	}
	return f.client.WithRunner(reply.RunnerID, reply.Token)
}

func TestRegistration(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, nil)
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer keypair.Close()

	tests := []struct {
		name    string
		request task.Registration
		status  int
	}{
		{"wrong token", task.Registration{Token: "guess", PublicKey: keypair.PublicKey}, http.StatusUnauthorized},
		{"bad public key", task.Registration{Token: "join-secret", PublicKey: "not-a-key"}, http.StatusBadRequest},
		{"negative capacity", task.Registration{Token: "join-secret", PublicKey: keypair.PublicKey, MaxParallelTasks: -1}, http.StatusBadRequest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := f.client.Register(t.Context(), test.request)
			if err == nil || !strings.Contains(err.Error(), fmt.Sprintf("HTTP %d", test.status)) {
				t.Fatalf("Register = %v, want HTTP %d", err, test.status)
			}
		})
	}

	runner := f.register(t, "linux")
	if _, err := runner.Heartbeat(t.Context(), task.Heartbeat{}); err != nil {
		t.Fatalf("Heartbeat with issued token: %v", err)
	}
	stored, err := f.store.GetRunner(t.Context(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Active || len(stored.Tags) != 1 || stored.Tags[0] != "linux" {
		t.Errorf("stored runner = %+v", stored)
	}
}

func TestRegistrationDisabledAndRateLimited(t *testing.T) {
	t.Parallel()
	disabled := newServerFixture(t, func(c *ServerConfig) { c.RegistrationToken = "" })
	_, err := disabled.client.Register(t.Context(), task.Registration{Token: ""})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty registration token accepted: %v", err)
	}

	limited := newServerFixture(t, func(c *ServerConfig) {
		c.RegistrationRate = 0.001
		c.RegistrationBurst = 1
	})
	limited.register(t, "linux")
	_, err = limited.client.Register(t.Context(), task.Registration{Token: "join-secret"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("second registration = %v, want HTTP 429", err)
	}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, nil)
	if _, err := f.client.Heartbeat(t.Context(), task.Heartbeat{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("heartbeat without token = %v, want ErrUnauthorized", err)
	}
	if _, err := f.client.WithRunner(1, "forged").Heartbeat(t.Context(), task.Heartbeat{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("heartbeat with unknown token = %v, want ErrUnauthorized", err)
	}
	if len(f.pool.heartbeats) != 0 {
		t.Errorf("pool saw unauthenticated heartbeats: %v", f.pool.heartbeats)
	}
}

func TestRunnerRoutesRejectAnotherRunnersToken(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, nil)
	first := f.register(t, "linux")
	second := f.register(t, "linux")
	impostor := first.WithRunner(second.runnerID, first.token)

	calls := map[string]func() error{
		"heartbeat": func() error {
			_, err := impostor.Heartbeat(t.Context(), task.Heartbeat{})
			return err
		},
		"output": func() error {
			return impostor.SendOutput(t.Context(), 7, []task.LogRecord{{TaskID: 7, Seq: 1, Message: "x"}})
		},
		"status": func() error {
			return impostor.ReportStatus(t.Context(), 7, task.StatusReport{Status: task.StatusRunning})
		},
	}
	for name, call := range calls {
		var httpError *netutil.HTTPError
		if err := call(); !errors.As(err, &httpError) || httpError.StatusCode != http.StatusForbidden {
			t.Errorf("%s with another runner's token = %v, want HTTP 403", name, err)
		}
	}

	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if len(f.pool.heartbeats) != 0 || len(f.pool.records) != 0 || len(f.pool.reports) != 0 {
		t.Errorf("pool saw forbidden calls: heartbeats %v, records %v, reports %v", f.pool.heartbeats, f.pool.records, f.pool.reports)
	}

	if _, err := second.Heartbeat(t.Context(), task.Heartbeat{}); err != nil {
		t.Fatalf("heartbeat on own route: %v", err)
	}
}

func TestOutputAndStatus(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, nil)
	runner := f.register(t, "linux")

	records := []task.LogRecord{
		{TaskID: 7, Seq: 1, Time: time.Now(), Level: task.LevelStdout, Message: "PLAY [all]"},
		{TaskID: 7, Seq: 2, Time: time.Now(), Level: task.LevelStderr, Message: strings.Repeat("x", 4096)},
	}
	if err := runner.SendOutput(t.Context(), 7, records); err != nil {
		t.Fatalf("SendOutput: %v", err)
	}
	if err := runner.ReportStatus(t.Context(), 7, task.StatusReport{Status: task.StatusRunning}); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}

	f.pool.mu.Lock()
	got, reports := f.pool.records, f.pool.reports
	f.pool.mu.Unlock()
	if len(got) != 2 || got[0].Message != "PLAY [all]" || len(got[1].Message) != 4096 {
		t.Errorf("records = %+v", got)
	}
	if len(reports) != 1 || reports[0].Status != task.StatusRunning {
		t.Errorf("reports = %+v", reports)
	}

	if err := runner.SendOutput(t.Context(), 99, records); !errors.Is(err, ErrGone) {
		t.Errorf("output for unassigned task = %v, want ErrGone", err)
	}
	if err := runner.ReportStatus(t.Context(), 7, task.StatusReport{Status: "bogus"}); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestOutputRejectsUnknownEncoding(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, nil)
	runner := f.register(t, "linux")
	request, err := http.NewRequestWithContext(t.Context(), http.MethodPost, f.server.URL+runner.jobPath(7, "output"), bytes.NewReader([]byte{0x01}))
	if err != nil {
		t.Fatal(err)
	}
	request.Header.Set("Authorization", "Bearer "+runner.token)
	request.Header.Set("Content-Encoding", "br")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestPlanHandoff(t *testing.T) {
	t.Parallel()
	f := newServerFixture(t, nil)
	runner := f.register(t, "linux")
	plan := bytes.Repeat([]byte("terraform plan bytes\n"), 1000)
	dir := t.TempDir()

	build := remotePlans{client: runner, taskID: 7}
	planPath := filepath.Join(dir, "plan.bin")
	if err := os.WriteFile(planPath, plan, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := build.Store(t.Context(), artifact.Key{}, planPath); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if f.plans.Len() != 1 {
		t.Fatalf("cache holds %d plans", f.plans.Len())
	}

	deploy := remotePlans{client: runner, taskID: 8}
	loaded := filepath.Join(dir, "loaded.bin")
	release, err := deploy.Load(t.Context(), artifact.Key{}, loaded)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	release()
	got, err := os.ReadFile(loaded)
	if err != nil || !bytes.Equal(got, plan) {
		t.Fatalf("downloaded plan differs (%d bytes, %v)", len(got), err)
	}

	// A build task cannot download and a deploy task cannot upload.
	if _, err := build.Load(t.Context(), artifact.Key{}, loaded); err == nil {
		t.Error("build task downloaded a plan")
	}
	if err := deploy.Store(t.Context(), artifact.Key{}, planPath); err == nil {
		t.Error("deploy task uploaded a plan")
	}
}
