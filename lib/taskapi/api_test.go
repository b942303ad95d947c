// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/git"
	"github.com/alexandervashurin/semaphore-sub002/lib/localjob"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/store/memstore"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskpool"
	"github.com/alexandervashurin/semaphore-sub002/lib/testutil"
)

const (
	project = 1
	token   = "api-token"
)

type checkout map[string]string

func (c checkout) PullOrClone(_ context.Context, request git.Request) (task.CommitInfo, error) {
	if err := os.MkdirAll(request.Dir, 0o700); err != nil {
		return task.CommitInfo{}, err
	}
	for name, content := range c {
		if err := os.WriteFile(filepath.Join(request.Dir, name), []byte(content), 0o755); err != nil {
			return task.CommitInfo{}, err
		}
	}
	return task.CommitInfo{SHA: "abc123"}, nil
}

type fixture struct {
	t      *testing.T
	store  *memstore.Store
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := secretstorage.NewLocal([]byte("taskapi-test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { local.Close() })

	f := &fixture{t: t, store: memstore.New()}
	repository, err := f.store.SaveRepository(t.Context(), task.Repository{ProjectID: project, URL: "https://git.example/ops.git"})
	if err != nil {
		t.Fatal(err)
	}
	for _, template := range []task.Template{
		{ID: 1, Name: "hello", App: task.AppShell, Playbook: "hello.sh"},
		{ID: 2, Name: "sleep", App: task.AppShell, Playbook: "sleep.sh"},
	} {
		template.ProjectID = project
		template.RepositoryID = repository.ID
		if _, err := f.store.SaveTemplate(t.Context(), template); err != nil {
			t.Fatal(err)
		}
	}

	pool := taskpool.New(taskpool.Config{
		Stores: taskpool.Stores{
			Tasks:    f.store,
			Projects: f.store,
			Keys:     f.store,
			Runners:  f.store,
		},
		Decrypter: local,
		Git: git.NewProvider(git.ProviderConfig{Client: checkout{
			"hello.sh": "echo hello api\n",
			"sleep.sh": "exec sleep 120\n",
		}}),
		Apps:                       localjob.Apps{Shell: testutil.RequireBinary(t, "sh")},
		TmpRoot:                    filepath.Join(testutil.ShortTempDir(t), "tmp"),
		BaseEnv:                    []string{"PATH=" + os.Getenv("PATH")},
		MaxParallelTasksPerProject: -1,
		OrphanInterval:             time.Hour,
	})
	if err := pool.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	f.server = httptest.NewServer(NewHandler(Config{Pool: pool, Tasks: f.store, Token: token}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(method, path string, body any, out any) int {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequestWithContext(f.t.Context(), method, f.server.URL+path, reader)
	if err != nil {
		f.t.Fatal(err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		f.t.Fatal(err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			f.t.Fatalf("%s %s: decoding response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func (f *fixture) enqueue(templateID int64) int64 {
	f.t.Helper()
	var created map[string]int64
	if code := f.do(http.MethodPost, "/api/tasks", task.NewTask{ProjectID: project, TemplateID: templateID}, &created); code != http.StatusCreated {
		f.t.Fatalf("enqueue status = %d", code)
	}
	return created["id"]
}

func (f *fixture) status(id int64) task.Status {
	f.t.Helper()
	var got task.Task
	if code := f.do(http.MethodGet, fmt.Sprintf("/api/tasks/%d", id), nil, &got); code != http.StatusOK {
		f.t.Fatalf("get status = %d", code)
	}
	return got.Status
}

// outputLines reads the NDJSON output route until it ends.
func (f *fixture) outputLines(id int64) []task.LogRecord {
	f.t.Helper()
	request, err := http.NewRequestWithContext(f.t.Context(), http.MethodGet, fmt.Sprintf("%s/api/tasks/%d/output", f.server.URL, id), nil)
	if err != nil {
		f.t.Fatal(err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		f.t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		f.t.Fatalf("output status = %d", response.StatusCode)
	}
	var records []task.LogRecord
	scanner := bufio.NewScanner(response.Body)
	for scanner.Scan() {
		var record task.LogRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			f.t.Fatalf("decoding %q: %v", scanner.Text(), err)
		}
		records = append(records, record)
	}
	return records
}

func hasLine(records []task.LogRecord, message string) bool {
	for _, record := range records {
		if record.Level == task.LevelStdout && record.Message == message {
			return true
		}
	}
	return false
}

func TestRequiresToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, header := range []string{"", "Bearer wrong", token} {
		request, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.server.URL+"/api/tasks/running", nil)
		if err != nil {
			t.Fatal(err)
		}
		if header != "" {
			request.Header.Set("Authorization", header)
		}
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			t.Fatal(err)
		}
		response.Body.Close()
		if response.StatusCode != http.StatusUnauthorized {
			t.Errorf("Authorization %q: status = %d, want 401", header, response.StatusCode)
		}
	}
}

func TestEnqueueAndFollowOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id := f.enqueue(1)
	records := f.outputLines(id)
	if !hasLine(records, "hello api") {
		t.Errorf("streamed output lacks the script line: %+v", records)
	}
	testutil.RequireEventually(t, 15*time.Second, func() bool {
		return f.status(id) == task.StatusSuccess
	}, "task %d never succeeded", id)

	// The finished task's output comes from the store.
	stored := f.outputLines(id)
	if !hasLine(stored, "hello api") {
		t.Errorf("stored output lacks the script line: %+v", stored)
	}
	last := stored[len(stored)-1]
	if last.Level != task.LevelStatus || last.Status != task.StatusSuccess {
		t.Errorf("last stored record = %+v, want the Success status", last)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var response errorResponse
	code := f.do(http.MethodPost, "/api/tasks", task.NewTask{ProjectID: project, TemplateID: 404}, &response)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if response.Failure == nil || response.Failure.Kind != task.KindValidation {
		t.Errorf("failure = %+v", response.Failure)
	}

	code = f.do(http.MethodPost, "/api/tasks", map[string]any{"template": 1}, &response)
	if code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", code)
	}
}

func TestStopAndRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id := f.enqueue(2)
	testutil.RequireEventually(t, 15*time.Second, func() bool {
		return f.status(id) == task.StatusRunning
	}, "task %d never started", id)

	var running []task.Summary
	if code := f.do(http.MethodGet, "/api/tasks/running", nil, &running); code != http.StatusOK {
		t.Fatalf("running status = %d", code)
	}
	if len(running) != 1 || running[0].ID != id {
		t.Errorf("running = %+v", running)
	}

	if code := f.do(http.MethodPost, fmt.Sprintf("/api/tasks/%d/stop", id), nil, nil); code != http.StatusNoContent {
		t.Fatalf("stop status = %d", code)
	}
	testutil.RequireEventually(t, 15*time.Second, func() bool {
		return f.status(id) == task.StatusStopped
	}, "task %d never stopped", id)

	if code := f.do(http.MethodPost, "/api/tasks/999/stop", nil, nil); code != http.StatusNotFound {
		t.Errorf("stop unknown task: status = %d, want 404", code)
	}
	if code := f.do(http.MethodGet, "/api/tasks/abc", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", code)
	}
}
