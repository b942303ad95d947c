// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexandervashurin/semaphore-sub002/lib/localjob"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskrunner"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the configuration of the server and the runner. Each
// binary reads the sections it needs.
type Config struct {
	// Environment identifies the deployment type. Production
	// rejects settings that lose data or expose secrets.
	Environment Environment `yaml:"environment"`

	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`

	// Apps names the binary of each tool family. Bare names are
	// resolved through PATH by ResolveApps.
	Apps localjob.Apps `yaml:"apps"`

	Server ServerConfig `yaml:"server"`
	Runner RunnerConfig `yaml:"runner"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Format is json, text, or auto (text on a terminal, json
	// otherwise). Default: auto
	Format string `yaml:"format"`

	// Level is debug, info, warn, or error. Default: info
	Level string `yaml:"level"`
}

// EngineConfig holds the keys the task engine consumes. It is shared by
// the server (in-process tasks) and the runner.
type EngineConfig struct {
	// MaxParallelTasks limits running tasks across all projects.
	// Zero means no limit.
	MaxParallelTasks int `yaml:"max_parallel_tasks"`

	// MaxParallelTasksPerProject limits running tasks per project.
	// Default: 1. Negative means no limit.
	MaxParallelTasksPerProject int `yaml:"max_parallel_tasks_per_project"`

	// RunnerTimeoutSeconds is how long a remote runner may stay
	// silent before its tasks are taken back. Default: 60
	RunnerTimeoutSeconds int `yaml:"runner_timeout_seconds"`

	// OrphanInterval is the period of the orphan cleaner.
	// Default: 5s
	OrphanInterval time.Duration `yaml:"orphan_interval"`

	// TmpPath holds per-task working directories.
	// Default: /tmp/semaphore
	TmpPath string `yaml:"tmp_path"`

	// GitClient is cmd (the git binary) or lib (go-git).
	// Default: cmd
	GitClient string `yaml:"git_client"`

	// LogSubscriberBuffer is the per-subscriber record buffer.
	// Default: 1024
	LogSubscriberBuffer int `yaml:"log_subscriber_buffer"`

	// Grace is the delay between SIGTERM and SIGKILL for a
	// cancelled child. Default: 5s
	Grace time.Duration `yaml:"grace"`

	PreTaskHook  []taskrunner.Hook `yaml:"pre_task_hook"`
	PostTaskHook []taskrunner.Hook `yaml:"post_task_hook"`
}

// RunnerTimeout returns RunnerTimeoutSeconds as a duration.
func (e EngineConfig) RunnerTimeout() time.Duration {
	return time.Duration(e.RunnerTimeoutSeconds) * time.Second
}

// ServerConfig configures the server binary.
type ServerConfig struct {
	// Listen is the TCP address of the runner API and /metrics.
	// Default: :3000
	Listen string `yaml:"listen"`

	// RegistrationToken is the shared secret new runners present.
	// Empty disables runner registration.
	RegistrationToken string `yaml:"registration_token"`

	// APIToken is the bearer of the task submission API. Empty
	// disables the API.
	APIToken string `yaml:"api_token"`

	Store StoreConfig `yaml:"store"`

	// AccessKeyEncryption is the secret the local key encryption key
	// is derived from. Required.
	AccessKeyEncryption string `yaml:"access_key_encryption"`

	// Vault enables the Vault secret storage backend when Address
	// is set.
	Vault VaultConfig `yaml:"vault"`

	// ArtifactPath holds plan artifacts.
	// Default: /var/lib/semaphore/artifacts
	ArtifactPath string `yaml:"artifact_path"`

	// ArtifactMaxAge bounds how long a plan artifact is kept.
	// Default: 24h
	ArtifactMaxAge time.Duration `yaml:"artifact_max_age"`

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is sqlite or memory. Default: sqlite
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	// Default: /var/lib/semaphore/semaphore.db
	Path string `yaml:"path"`

	// PoolSize is the number of SQLite connections. Default: 4
	PoolSize int `yaml:"pool_size"`
}

// VaultConfig configures the HashiCorp Vault KV v2 backend.
type VaultConfig struct {
	Address string `yaml:"address"`

	// Mount is the KV v2 mount. Default: secret
	Mount string `yaml:"mount"`

	// Token authenticates to Vault; usually "${VAULT_TOKEN}".
	Token string `yaml:"token"`
}

// RunnerConfig configures the runner binary.
type RunnerConfig struct {
	ServerURL         string   `yaml:"server_url"`
	RegistrationToken string   `yaml:"registration_token"`
	Name              string   `yaml:"name"`
	Tags              []string `yaml:"tags"`

	// ProjectID pins the runner to one project. Zero serves all.
	ProjectID int64 `yaml:"project_id"`

	// MaxParallelTasks caps tasks held at once. Zero means no cap.
	MaxParallelTasks int `yaml:"max_parallel_tasks"`

	// StateFile keeps the registration across restarts.
	// Default: /var/lib/semaphore-runner/runner.json
	StateFile string `yaml:"state_file"`

	// PollInterval is the heartbeat period. Default: 2s
	PollInterval time.Duration `yaml:"poll_interval"`

	// FlushInterval bounds how long output waits before upload.
	// Default: 500ms
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the default configuration. Fields the file leaves
// out keep these values.
func Default() *Config {
	return &Config{
		Environment: Development,
		Log: LogConfig{
			Format: "auto",
			Level:  "info",
		},
		Engine: EngineConfig{
			MaxParallelTasksPerProject: 1,
			RunnerTimeoutSeconds:       60,
			OrphanInterval:             5 * time.Second,
			TmpPath:                    "/tmp/semaphore",
			GitClient:                  "cmd",
			LogSubscriberBuffer:        1024,
			Grace:                      5 * time.Second,
		},
		Apps: localjob.DefaultApps(),
		Server: ServerConfig{
			Listen: ":3000",
			Store: StoreConfig{
				Driver:   "sqlite",
				Path:     "/var/lib/semaphore/semaphore.db",
				PoolSize: 4,
			},
			Vault:           VaultConfig{Mount: "secret"},
			ArtifactPath:    "/var/lib/semaphore/artifacts",
			ArtifactMaxAge:  24 * time.Hour,
			ShutdownTimeout: 10 * time.Second,
		},
		Runner: RunnerConfig{
			StateFile:     "/var/lib/semaphore-runner/runner.json",
			PollInterval:  2 * time.Second,
			FlushInterval: 500 * time.Millisecond,
		},
	}
}

// Load loads configuration from the file named by SEMAPHORE_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("SEMAPHORE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SEMAPHORE_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over Default and expands
// ${VAR} references. The result is not validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over Default. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in paths and
// secrets, so secrets can stay in the environment.
func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Engine.TmpPath,
		&c.Server.RegistrationToken,
		&c.Server.APIToken,
		&c.Server.Store.Path,
		&c.Server.AccessKeyEncryption,
		&c.Server.Vault.Address,
		&c.Server.Vault.Token,
		&c.Server.ArtifactPath,
		&c.Runner.ServerURL,
		&c.Runner.RegistrationToken,
		&c.Runner.Name,
		&c.Runner.StateFile,
	} {
		*field = expandVars(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

var (
	logFormats = []string{"auto", "json", "text"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	gitClients = []string{"cmd", "lib"}
	drivers    = []string{"sqlite", "memory"}
)

// Validate checks the settings every binary uses.
func (c *Config) Validate() error {
	var errs []error
	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", logFormats))
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}

	engine := c.Engine
	if engine.MaxParallelTasks < 0 {
		errs = append(errs, errors.New("engine.max_parallel_tasks must not be negative"))
	}
	if engine.RunnerTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("engine.runner_timeout_seconds must be positive"))
	}
	if engine.OrphanInterval <= 0 {
		errs = append(errs, errors.New("engine.orphan_interval must be positive"))
	}
	if engine.TmpPath == "" {
		errs = append(errs, errors.New("engine.tmp_path is required"))
	}
	if !slices.Contains(gitClients, engine.GitClient) {
		errs = append(errs, fmt.Errorf("engine.git_client must be one of: %v", gitClients))
	}
	if engine.LogSubscriberBuffer <= 0 {
		errs = append(errs, errors.New("engine.log_subscriber_buffer must be positive"))
	}
	if engine.Grace <= 0 || engine.Grace > 10*time.Second {
		errs = append(errs, errors.New("engine.grace must be between 0 and 10s"))
	}
	for i, hook := range slices.Concat(engine.PreTaskHook, engine.PostTaskHook) {
		if hook.Command == "" {
			errs = append(errs, fmt.Errorf("engine task hook %d has no command", i))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ValidateServer checks the server section on top of Validate.
func (c *Config) ValidateServer() error {
	errs := []error{c.Validate()}
	server := c.Server
	if server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if server.AccessKeyEncryption == "" {
		errs = append(errs, errors.New("server.access_key_encryption is required"))
	}
	if !slices.Contains(drivers, server.Store.Driver) {
		errs = append(errs, fmt.Errorf("server.store.driver must be one of: %v", drivers))
	}
	if server.Store.Driver == "sqlite" && server.Store.Path == "" {
		errs = append(errs, errors.New("server.store.path is required for sqlite"))
	}
	if server.Vault.Address != "" && server.Vault.Token == "" {
		errs = append(errs, errors.New("server.vault.token is required with server.vault.address"))
	}
	if server.ArtifactPath == "" {
		errs = append(errs, errors.New("server.artifact_path is required"))
	}
	if c.Environment == Production {
		if server.Store.Driver == "memory" {
			errs = append(errs, errors.New("server.store.driver memory loses every task on restart; not allowed in production"))
		}
		if server.RegistrationToken != "" && len(server.RegistrationToken) < 16 {
			errs = append(errs, errors.New("server.registration_token must be at least 16 characters in production"))
		}
	}
	return errors.Join(errs...)
}

// ValidateRunner checks the runner section on top of Validate.
func (c *Config) ValidateRunner() error {
	errs := []error{c.Validate()}
	runner := c.Runner
	if runner.ServerURL == "" {
		errs = append(errs, errors.New("runner.server_url is required"))
	}
	if runner.StateFile == "" {
		errs = append(errs, errors.New("runner.state_file is required"))
	}
	if len(runner.Tags) == 0 {
		errs = append(errs, errors.New("runner.tags must name at least one tag"))
	}
	if runner.MaxParallelTasks < 0 {
		errs = append(errs, errors.New("runner.max_parallel_tasks must not be negative"))
	}
	if runner.PollInterval <= 0 || runner.FlushInterval <= 0 {
		errs = append(errs, errors.New("runner.poll_interval and runner.flush_interval must be positive"))
	}
	if c.Environment == Production && runner.ServerURL != "" && !httpsPattern.MatchString(runner.ServerURL) {
		errs = append(errs, errors.New("runner.server_url must use https in production"))
	}
	return errors.Join(errs...)
}

var httpsPattern = regexp.MustCompile(`^https://`)

// ResolveApps returns Apps with every bare name resolved through PATH.
// A name that cannot be found is kept, so the job that needs it fails
// with the tool's name in the error.
func (c *Config) ResolveApps() localjob.Apps {
	apps := c.Apps
	for _, name := range []*string{
		&apps.Ansible,
		&apps.AnsibleGalaxy,
		&apps.Terraform,
		&apps.Tofu,
		&apps.Terragrunt,
		&apps.Shell,
	} {
		if *name == "" {
			continue
		}
		if path, err := exec.LookPath(*name); err == nil {
			*name = path
		}
	}
	return apps
}
