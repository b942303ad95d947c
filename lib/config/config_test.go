// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/taskrunner"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Engine.MaxParallelTasksPerProject != 1 {
		t.Errorf("expected max_parallel_tasks_per_project=1, got %d", cfg.Engine.MaxParallelTasksPerProject)
	}
	if cfg.Engine.RunnerTimeout() != 60*time.Second {
		t.Errorf("expected runner timeout 60s, got %s", cfg.Engine.RunnerTimeout())
	}
	if cfg.Engine.GitClient != "cmd" {
		t.Errorf("expected git_client=cmd, got %s", cfg.Engine.GitClient)
	}
	if cfg.Engine.LogSubscriberBuffer != 1024 {
		t.Errorf("expected log_subscriber_buffer=1024, got %d", cfg.Engine.LogSubscriberBuffer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
	// The server needs an encryption secret and the runner a server.
	if err := cfg.ValidateServer(); err == nil {
		t.Error("default server config validated without access_key_encryption")
	}
	if err := cfg.ValidateRunner(); err == nil {
		t.Error("default runner config validated without server_url")
	}
}

func TestLoad_RequiresSemaphoreConfig(t *testing.T) {
	t.Setenv("SEMAPHORE_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when SEMAPHORE_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "SEMAPHORE_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithSemaphoreConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "semaphore.yaml")
	configContent := `
engine:
  max_parallel_tasks: 8
  max_parallel_tasks_per_project: 2
  runner_timeout_seconds: 30
  git_client: lib
  pre_task_hook:
    - name: audit
      command: logger "task starting"
      timeout: 30s
      allow_failure: true
server:
  access_key_encryption: "${TEST_SEMAPHORE_SECRET}"
  store:
    path: "${TEST_SEMAPHORE_DATA:-/srv/semaphore}/db.sqlite"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SEMAPHORE_CONFIG", configPath)
	t.Setenv("TEST_SEMAPHORE_SECRET", "from-the-environment")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxParallelTasks != 8 || cfg.Engine.MaxParallelTasksPerProject != 2 {
		t.Errorf("limits = %d/%d", cfg.Engine.MaxParallelTasks, cfg.Engine.MaxParallelTasksPerProject)
	}
	if cfg.Engine.RunnerTimeout() != 30*time.Second {
		t.Errorf("runner timeout = %s", cfg.Engine.RunnerTimeout())
	}
	if cfg.Engine.GitClient != "lib" {
		t.Errorf("git_client = %s", cfg.Engine.GitClient)
	}
	if len(cfg.Engine.PreTaskHook) != 1 {
		t.Fatalf("pre_task_hook = %+v", cfg.Engine.PreTaskHook)
	}
	hook := cfg.Engine.PreTaskHook[0]
	if hook.Name != "audit" || hook.Timeout != 30*time.Second || !hook.AllowFailure {
		t.Errorf("hook = %+v", hook)
	}
	if cfg.Server.AccessKeyEncryption != "from-the-environment" {
		t.Errorf("access_key_encryption = %q", cfg.Server.AccessKeyEncryption)
	}
	if cfg.Server.Store.Path != "/srv/semaphore/db.sqlite" {
		t.Errorf("store path = %q", cfg.Server.Store.Path)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.Listen != ":3000" || cfg.Engine.TmpPath != "/tmp/semaphore" {
		t.Errorf("defaults lost: listen=%q tmp=%q", cfg.Server.Listen, cfg.Engine.TmpPath)
	}
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer: %v", err)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("engine:\n  max_paralel_tasks: 3\n"))
	if err == nil {
		t.Fatal("misspelled key accepted")
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if cfg.Server.Store.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Server.Store.Driver)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"invalid environment", func(c *Config) { c.Environment = "staging" }, "invalid environment"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad git client", func(c *Config) { c.Engine.GitClient = "svn" }, "engine.git_client"},
		{"zero runner timeout", func(c *Config) { c.Engine.RunnerTimeoutSeconds = 0 }, "runner_timeout_seconds"},
		{"grace above cancel bound", func(c *Config) { c.Engine.Grace = 30 * time.Second }, "engine.grace"},
		{"empty tmp path", func(c *Config) { c.Engine.TmpPath = "" }, "tmp_path"},
		{"hook without command", func(c *Config) {
			c.Engine.PostTaskHook = []taskrunner.Hook{{Name: "notify"}}
		}, "has no command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Server.AccessKeyEncryption = "secret"
		return cfg
	}
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"memory store in development", func(c *Config) { c.Server.Store.Driver = "memory" }, ""},
		{"unknown driver", func(c *Config) { c.Server.Store.Driver = "postgres" }, "server.store.driver"},
		{"vault without token", func(c *Config) { c.Server.Vault.Address = "https://vault:8200" }, "vault.token"},
		{"memory store in production", func(c *Config) {
			c.Environment = Production
			c.Server.Store.Driver = "memory"
		}, "not allowed in production"},
		{"short registration token in production", func(c *Config) {
			c.Environment = Production
			c.Server.RegistrationToken = "short"
		}, "at least 16"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.ValidateServer()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateServer() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateServer() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRunner(t *testing.T) {
	cfg := Default()
	cfg.Runner.ServerURL = "http://semaphore:3000"
	cfg.Runner.Tags = []string{"linux"}
	if err := cfg.ValidateRunner(); err != nil {
		t.Fatalf("ValidateRunner: %v", err)
	}

	cfg.Environment = Production
	if err := cfg.ValidateRunner(); err == nil || !strings.Contains(err.Error(), "https") {
		t.Errorf("plain http accepted in production: %v", err)
	}

	cfg = Default()
	cfg.Runner.ServerURL = "https://semaphore.example"
	if err := cfg.ValidateRunner(); err == nil || !strings.Contains(err.Error(), "runner.tags") {
		t.Errorf("runner without tags accepted: %v", err)
	}
}

func TestResolveApps(t *testing.T) {
	cfg := Default()
	cfg.Apps.Shell = "sh"
	cfg.Apps.Terraform = "definitely-not-installed-terraform"
	apps := cfg.ResolveApps()
	if !filepath.IsAbs(apps.Shell) {
		t.Skipf("sh not on PATH (resolved %q)", apps.Shell)
	}
	if apps.Terraform != "definitely-not-installed-terraform" {
		t.Errorf("missing binary rewritten to %q", apps.Terraform)
	}
}
