// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package localjob

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/artifact"
	"github.com/alexandervashurin/semaphore-sub002/lib/keyinstall"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/testutil"
)

type lineSink struct {
	mu      sync.Mutex
	records []task.LogRecord
}

func (s *lineSink) Log(level task.Level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, task.LogRecord{Level: level, Message: message})
}

func (s *lineSink) lines(level task.Level) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []string
	for _, record := range s.records {
		if record.Level == level {
			lines = append(lines, record.Message)
		}
	}
	return lines
}

type keyMap map[int64]task.AccessKey

func (m keyMap) GetAccessKey(_ context.Context, _, id int64) (task.AccessKey, error) {
	if key, ok := m[id]; ok {
		return key, nil
	}
	return task.AccessKey{}, store.ErrNotFound
}

// installVaults installs one string key per label for the vault role.
func installVaults(t *testing.T, dir string, labels ...string) *keyinstall.Set {
	t.Helper()
	local, err := secretstorage.NewLocal([]byte("job-test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { local.Close() })
	keys := keyMap{}
	var bindings []keyinstall.Binding
	for i, label := range labels {
		id := int64(i + 1)
		ciphertext, err := local.Encrypt(id, secretstorage.Payload{Value: "vault-pass-" + label})
		if err != nil {
			t.Fatal(err)
		}
		keys[id] = task.AccessKey{ID: id, Name: label, Type: task.KeyString, Secret: ciphertext}
		bindings = append(bindings, keyinstall.Binding{Role: keyinstall.RoleVault, KeyID: id, Label: label})
	}
	set, err := keyinstall.Install(t.Context(), keyinstall.Config{
		Dir: filepath.Join(dir, "keys"), Keys: keys, Decrypter: local,
	}, bindings)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	t.Cleanup(func() { set.Destroy() })
	return set
}

func newJob(t *testing.T, data task.JobData, keys *keyinstall.Set, dir string) (*Job, *lineSink) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "repo"), 0o700); err != nil {
		t.Fatal(err)
	}
	sink := &lineSink{}
	job := New(Config{Job: data, Dir: dir, Keys: keys, Output: sink, BaseEnv: []string{"PATH=" + os.Getenv("PATH")}})
	if err := job.Materialize(t.Context()); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	return job, sink
}

func TestAnsibleArgsWithVaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	keys := installVaults(t, dir, "label1", "label2")
	job, _ := newJob(t, task.JobData{
		Task: task.Task{ID: 5, Params: task.Params{
			DryRun: true, Diff: true, Limit: []string{"web", "db"}, Tags: []string{"deploy"},
		}},
		Template:  task.Template{App: task.AppAnsible, Playbook: "site.yml"},
		Inventory: &task.Inventory{Type: task.InventoryStatic, Inventory: "web1,web2"},
	}, keys, dir)

	args, err := job.AnsibleArgs()
	if err != nil {
		t.Fatalf("AnsibleArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	want := "--vault-id label1@" + filepath.Join(dir, "keys", "vault_1") +
		" --vault-id label2@" + filepath.Join(dir, "keys", "vault_2")
	if !strings.Contains(joined, want) {
		t.Fatalf("argv %q lacks %q", joined, want)
	}
	for _, fragment := range []string{
		filepath.Join(dir, "repo", "site.yml") + " -i web1,web2,",
		"--extra-vars @" + filepath.Join(dir, "env.json"),
		"--check", "--diff", "--limit web,db", "--tags deploy",
	} {
		if !strings.Contains(joined, fragment) {
			t.Errorf("argv %q lacks %q", joined, fragment)
		}
	}
	if slices.Contains(args, "-vvvv") {
		t.Error("debug flag without debug param")
	}

	keys.Destroy()
	for _, vault := range []string{"vault_1", "vault_2"} {
		if _, err := os.Stat(filepath.Join(dir, "keys", vault)); !os.IsNotExist(err) {
			t.Errorf("%s survived teardown", vault)
		}
	}
}

func TestInventoryMaterialization(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		inventory *task.Inventory
		want      string
		wantFile  string
		wantErr   bool
	}{
		{"none", &task.Inventory{Type: task.InventoryNone}, "", "", false},
		{"inline", &task.Inventory{Type: task.InventoryStatic, Inventory: "localhost,"}, "localhost,", "", false},
		{"ini", &task.Inventory{Type: task.InventoryStatic, Inventory: "[web]\nweb1\n"}, "inventory/inventory.ini", "[web]\nweb1\n", false},
		{"yaml", &task.Inventory{Type: task.InventoryStaticYAML, Inventory: "all:\n  hosts:\n    web1: {}\n"}, "inventory/inventory.yml", "all:\n  hosts:\n    web1: {}\n", false},
		{"bad yaml", &task.Inventory{Type: task.InventoryStaticYAML, Inventory: "all: [unclosed"}, "", "", true},
		{"repo file", &task.Inventory{Type: task.InventoryFile, Inventory: "hosts/prod.ini"}, "repo/hosts/prod.ini", "", false},
		{"escaping file", &task.Inventory{Type: task.InventoryFile, Inventory: "../../etc/hosts"}, "", "", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			arg, err := materializeInventory(dir, filepath.Join(dir, "repo"), test.inventory)
			if test.wantErr {
				if err == nil {
					t.Fatalf("accepted, arg %q", arg)
				}
				return
			}
			if err != nil {
				t.Fatalf("materializeInventory: %v", err)
			}
			want := test.want
			if strings.Contains(want, "/") {
				want = filepath.Join(dir, want)
			}
			if arg != want {
				t.Fatalf("arg = %q, want %q", arg, want)
			}
			if test.wantFile != "" {
				data, _ := os.ReadFile(arg)
				if string(data) != test.wantFile {
					t.Fatalf("file = %q", data)
				}
			}
		})
	}
}

func TestTerraformCommandSequence(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	job, _ := newJob(t, task.JobData{
		Task: task.Task{
			ID: 7, ProjectID: 1, Environment: `{"region": "eu", /* comment */ "count": 2,}`,
			Params: task.Params{Mode: task.TerraformDestroy, Upgrade: true},
		},
		Template: task.Template{
			ID: 3, App: task.AppTerragrunt, Playbook: "stacks/prod",
			Terraform: task.TerraformOptions{Workspace: "prod"},
			Arguments: `["-lock=false"]`,
		},
	}, nil, dir)

	commands, err := job.commands(t.Context())
	if err != nil {
		t.Fatalf("commands: %v", err)
	}
	var got []string
	for _, c := range commands {
		got = append(got, c.stage+": "+strings.Join(c.args, " "))
		if c.dir != filepath.Join(dir, "repo", "stacks", "prod") || c.path != "terragrunt" {
			t.Errorf("%s runs %s in %s", c.stage, c.path, c.dir)
		}
	}
	want := []string{
		"init: init -input=false -upgrade --tf-path=terraform",
		"workspace: workspace select -or-create=true prod --tf-path=terraform",
		"destroy: destroy -input=false -auto-approve -var count=2 -var region=eu --tf-path=terraform -lock=false",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("commands:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

type memoryPlans struct {
	mu      sync.Mutex
	stored  map[artifact.Key]string
	release int
}

func (p *memoryPlans) Store(_ context.Context, key artifact.Key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored[key] = string(data)
	return nil
}

func (p *memoryPlans) Load(_ context.Context, key artifact.Key, path string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.stored[key]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return func() {
		p.mu.Lock()
		p.release++
		p.mu.Unlock()
	}, os.WriteFile(path, []byte(data), 0o600)
}

func TestTerraformPlanHandOff(t *testing.T) {
	t.Parallel()
	shell := testutil.RequireBinary(t, "sh")
	plans := &memoryPlans{stored: map[artifact.Key]string{}}

	// A fake terraform: "plan -out=<path>" writes a plan, "apply <path>"
	// prints it.
	bin := t.TempDir()
	fake := filepath.Join(bin, "terraform")
	script := "#!" + shell + `
case "$1" in
plan) for a in "$@"; do case "$a" in -out=*) echo planned > "${a#-out=}";; esac; done;;
apply) for a in "$@"; do last="$a"; done; cat "$last";;
esac
`
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	apps := Apps{Terraform: fake}

	buildDir := t.TempDir()
	os.MkdirAll(filepath.Join(buildDir, "repo"), 0o700)
	build := New(Config{
		Job: task.JobData{
			Task:     task.Task{ID: 10, ProjectID: 1},
			Template: task.Template{ID: 2, App: task.AppTerraform, Type: task.TemplateBuild},
		},
		Dir: buildDir, Apps: apps, Plans: plans, Output: &lineSink{},
	})
	if err := build.Materialize(t.Context()); err != nil {
		t.Fatal(err)
	}
	result, err := build.Run(t.Context())
	if err != nil || !result.Success() {
		t.Fatalf("build: %+v, %v", result, err)
	}
	if plans.stored[artifact.Key{ProjectID: 1, TemplateID: 2, TaskID: 10}] != "planned\n" {
		t.Fatalf("stored plans = %v", plans.stored)
	}

	deployDir := t.TempDir()
	os.MkdirAll(filepath.Join(deployDir, "repo"), 0o700)
	sink := &lineSink{}
	deploy := New(Config{
		Job: task.JobData{
			Task:     task.Task{ID: 11, ProjectID: 1, BuildTaskID: 10},
			Template: task.Template{ID: 3, App: task.AppTerraform, Type: task.TemplateDeploy, BuildTemplateID: 2},
		},
		Dir: deployDir, Apps: apps, Plans: plans, Output: sink,
	})
	if err := deploy.Materialize(t.Context()); err != nil {
		t.Fatal(err)
	}
	result, err = deploy.Run(t.Context())
	if err != nil || !result.Success() {
		t.Fatalf("deploy: %+v, %v", result, err)
	}
	if !slices.Contains(sink.lines(task.LevelStdout), "planned") {
		t.Fatalf("apply output = %v", sink.lines(task.LevelStdout))
	}
	if plans.release != 1 {
		t.Fatalf("plan released %d times", plans.release)
	}
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "repo", name), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestShellRunSuccess(t *testing.T) {
	t.Parallel()
	shell := testutil.RequireBinary(t, "sh")
	dir := t.TempDir()
	data := task.JobData{
		Task: task.Task{ID: 21, ProjectID: 3, Environment: `{"target": "prod"}`, Arguments: `["--last"]`},
		Template: task.Template{
			App: task.AppShell, Playbook: "run.sh", Arguments: `["--first"]`,
			SurveyVars: []task.SurveyVar{{Name: "target"}, {Name: "size", Default: "small"}},
		},
	}
	os.MkdirAll(filepath.Join(dir, "repo"), 0o700)
	writeScript(t, dir, "run.sh", `echo hello
echo "args: $*"
echo "task $SEMAPHORE_TASK_ID in $SEMAPHORE_TASK_PROJECT_ID"
printf 'no newline'
`)
	sink := &lineSink{}
	job := New(Config{Job: data, Dir: dir, Apps: Apps{Shell: shell}, Output: sink})
	if err := job.Materialize(t.Context()); err != nil {
		t.Fatal(err)
	}
	result, err := job.Run(t.Context())
	if err != nil || !result.Success() {
		t.Fatalf("Run: %+v, %v", result, err)
	}
	want := []string{
		"hello",
		"args: --first target=prod size=small --last",
		"task 21 in 3",
		"no newline",
	}
	if got := sink.lines(task.LevelStdout); !slices.Equal(got, want) {
		t.Fatalf("stdout = %q, want %q", got, want)
	}
}

func TestShellRunFailureKeepsStderrTail(t *testing.T) {
	t.Parallel()
	shell := testutil.RequireBinary(t, "sh")
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "repo"), 0o700)
	writeScript(t, dir, "fail.sh", "i=0\nwhile [ $i -lt 30 ]; do echo \"err $i\" >&2; i=$((i+1)); done\nexit 4\n")
	job := New(Config{
		Job: task.JobData{Task: task.Task{ID: 1}, Template: task.Template{App: task.AppShell, Playbook: "fail.sh"}},
		Dir: dir, Apps: Apps{Shell: shell}, Output: &lineSink{},
	})
	if err := job.Materialize(t.Context()); err != nil {
		t.Fatal(err)
	}
	result, err := job.Run(t.Context())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 4 || result.Stopped || result.Stage != "script" {
		t.Fatalf("result = %+v", result)
	}
	if len(result.StderrTail) != stderrTailLines || result.StderrTail[stderrTailLines-1] != "err 29" {
		t.Fatalf("tail = %v", result.StderrTail)
	}
}

func TestShellCancelIsStopped(t *testing.T) {
	t.Parallel()
	shell := testutil.RequireBinary(t, "sh")
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "repo"), 0o700)
	writeScript(t, dir, "long.sh", "echo started\nexec sleep 120\n")
	sink := &lineSink{}
	job := New(Config{
		Job: task.JobData{Task: task.Task{ID: 1}, Template: task.Template{App: task.AppShell, Playbook: "long.sh"}},
		Dir: dir, Apps: Apps{Shell: shell}, Output: sink,
	})
	if err := job.Materialize(t.Context()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan Result, 1)
	go func() {
		result, _ := job.Run(ctx)
		done <- result
	}()
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return slices.Contains(sink.lines(task.LevelStdout), "started")
	}, "script start")
	cancel()

	result := testutil.RequireReceive(t, done, 5*time.Second, "stopped job")
	if !result.Stopped || result.Success() {
		t.Fatalf("result = %+v", result)
	}
}

func TestRedactsSecretsInCommandLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "repo"), 0o700)
	job := New(Config{
		Job:     task.JobData{Template: task.Template{App: task.AppShell, Playbook: "x.sh"}},
		Dir:     dir,
		Secrets: []Secret{{Name: "token", Type: task.SecretVar, Value: "hunter2"}},
		Output:  &lineSink{},
	})
	if err := job.Materialize(t.Context()); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(job.ShellVarArgs(), "token=hunter2") {
		t.Fatalf("var args = %v", job.ShellVarArgs())
	}
	if got := job.redact("x.sh token=hunter2"); got != "x.sh token=********" {
		t.Fatalf("redact = %q", got)
	}
}

func TestMaterializeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	job := New(Config{
		Job:    task.JobData{Task: task.Task{Environment: `{"a": `}, Template: task.Template{App: task.AppShell}},
		Dir:    dir,
		Output: &lineSink{},
	})
	if err := job.Materialize(t.Context()); err == nil {
		t.Fatal("malformed task variables accepted")
	}
}
