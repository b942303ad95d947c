// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskrunner drives one task from Starting to a terminal status.
//
// A Runner installs the task's access keys, installs the repository
// key and pulls its repository,
// materializes inventory and variables, runs the configured pre-hooks,
// and then runs the template's tool through localjob. Every stage is
// announced on the task log; a failing stage skips the rest. Teardown
// runs exactly once on every exit path, including panics and
// cancellation: post-hooks, key destruction, removal of the task
// directory, publication of the terminal status, and the OnFinish
// callback, in that order.
//
// The same Runner serves in-process tasks (keys read from the store)
// and tasks executed by a remote runner (keys carried sealed in the
// JobData and opened with the runner's identity).
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/git"
	"github.com/alexandervashurin/semaphore-sub002/lib/keyinstall"
	"github.com/alexandervashurin/semaphore-sub002/lib/localjob"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
)

// Stage names, as they appear in task failures and the task log.
const (
	StageInstallKeys = "install_keys"
	StageRepoPull    = "repo_pull"
	StageMaterialize = "materialize"
	StagePreHook     = "pre_hook"
	StageRun         = "run"
	StagePostHook    = "post_hook"
)

// finalizeTimeout bounds how long teardown waits for the task log to
// reach the store.
const finalizeTimeout = 30 * time.Second

// Config configures a Runner.
type Config struct {
	Job task.JobData
	Log *tasklog.Logger

	// TmpRoot holds the per-task directories, task_<id>.
	TmpRoot string

	// Keys resolves access keys. Nil means the keys carried in
	// Job.Keys.
	Keys      store.KeyStore
	Decrypter secretstorage.Decrypter

	// Projects, when set, is re-read for the repository after a git
	// authentication failure. Without it the retry reinstalls the
	// repository key the job carries.
	Projects store.ProjectStore

	Git   *git.Provider
	Plans localjob.PlanStore
	Apps  localjob.Apps

	PreHooks  []Hook
	PostHooks []Hook

	BaseEnv []string
	Clock   clock.Clock
	Grace   time.Duration

	// OnFinish is called once with the terminal status after it has
	// been published.
	OnFinish func(status task.Status)

	Logger *slog.Logger
}

// Runner runs one task.
type Runner struct {
	config Config
	log    *tasklog.Logger
	logger *slog.Logger
	dir    string

	mu        sync.Mutex
	cancelled bool
	cancelRun context.CancelFunc

	teardownOnce sync.Once
	done         chan struct{}

	// Owned by the Run goroutine.
	keys     *keyinstall.Set
	repoKeys *keyinstall.Set
	job      *localjob.Job
}

// New returns a Runner for config.Job. Nothing happens until Run.
func New(config Config) *Runner {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Git == nil {
		config.Git = git.NewProvider(git.ProviderConfig{Clock: config.Clock, Logger: config.Logger})
	}
	if config.Keys == nil {
		config.Keys = jobKeys(config.Job.Keys)
	}
	id := config.Job.Task.ID
	return &Runner{
		config: config,
		log:    config.Log,
		logger: config.Logger.With("task_id", id, "project_id", config.Job.Task.ProjectID),
		dir:    filepath.Join(config.TmpRoot, "task_"+strconv.FormatInt(id, 10)),
		done:   make(chan struct{}),
	}
}

// TaskID returns the ID of the task.
func (r *Runner) TaskID() int64 { return r.config.Job.Task.ID }

// Dir returns the task directory.
func (r *Runner) Dir() string { return r.dir }

// Done is closed when teardown has completed.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Cancel asks the task to stop. A task that is preparing or running
// moves to Stopping at once; its child process is terminated and the
// task ends Stopped. Cancel is idempotent and may precede Run.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	switch r.log.Status() {
	case task.StatusStarting, task.StatusRunning:
		if err := r.log.SetStatus(task.StatusStopping); err != nil {
			r.logger.Warn("moving task to stopping", "error", err)
		}
	}
	r.log.Log(task.LevelSystem, "cancel requested")
	if r.cancelRun != nil {
		r.cancelRun()
	}
}

// Run executes the task and returns its terminal status once teardown
// has completed. Cancelling ctx has the same effect as Cancel.
func (r *Runner) Run(ctx context.Context) (status task.Status) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancelRun = cancel
	if r.cancelled {
		cancel()
	}
	r.mu.Unlock()

	var failure *task.Failure
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("task runner panicked", "panic", recovered, "stack", string(debug.Stack()))
			status = task.StatusError
			failure = &task.Failure{Kind: task.KindEngineInternal, Message: fmt.Sprintf("panic: %v", recovered)}
		}
		r.teardown(status, failure)
		status = r.log.Status()
	}()

	status, failure = r.execute(runCtx)
	return status
}

func (r *Runner) execute(ctx context.Context) (task.Status, *task.Failure) {
	if err := r.log.SetStatus(task.StatusStarting); err != nil {
		return task.StatusError, taskerr.Failure(taskerr.Wrap(err, task.KindEngineInternal, ""))
	}
	r.logger.Info("task starting", "template_id", r.config.Job.Template.ID, "app", r.config.Job.Template.App)

	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{StageInstallKeys, r.installKeys},
		{StageRepoPull, r.pullRepository},
		{StageMaterialize, r.materialize},
		{StagePreHook, r.runPreHooks},
	}
	for _, stage := range stages {
		if ctx.Err() != nil {
			return task.StatusStopped, nil
		}
		r.log.Logf("stage %s", stage.name)
		if err := stage.run(ctx); err != nil {
			if ctx.Err() != nil {
				return task.StatusStopped, nil
			}
			return task.StatusError, r.stageFailure(stage.name, err)
		}
	}

	if ctx.Err() != nil {
		return task.StatusStopped, nil
	}
	if err := r.log.SetStatus(task.StatusRunning); err != nil {
		if ctx.Err() != nil {
			return task.StatusStopped, nil
		}
		return task.StatusError, taskerr.Failure(taskerr.Wrap(err, task.KindEngineInternal, StageRun))
	}
	r.log.Logf("stage %s", StageRun)

	result, err := r.job.Run(ctx)
	switch {
	case result.Stopped || ctx.Err() != nil:
		return task.StatusStopped, nil
	case err != nil:
		return task.StatusError, r.stageFailure(StageRun, err)
	case !result.Success():
		message := fmt.Sprintf("%s exited with code %d", result.Stage, result.ExitCode)
		r.log.Log(task.LevelSystem, message)
		return task.StatusError, &task.Failure{
			Kind:       task.KindRunFailure,
			Stage:      StageRun,
			Code:       string(taskerr.ExitStatus),
			Message:    message,
			ExitCode:   result.ExitCode,
			StderrTail: result.StderrTail,
		}
	}
	return task.StatusSuccess, nil
}

// stageFailure logs err and converts it to the task's failure record.
// Disk exhaustion is an engine fault; everything else in a stage is the
// task's.
func (r *Runner) stageFailure(stage string, err error) *task.Failure {
	kind := task.KindPrepareFailure
	switch {
	case stage == StageRun:
		kind = task.KindRunFailure
	case taskerr.CodeOf(err) == taskerr.DiskFull:
		kind = task.KindEngineInternal
	}
	err = taskerr.Wrap(err, kind, stage)
	r.logger.Warn("task stage failed", "stage", stage, "error", err)
	r.log.Log(task.LevelSystem, "stage "+stage+" failed: "+errorMessage(err))
	return taskerr.Failure(err)
}

func errorMessage(err error) string {
	var coded *taskerr.Error
	if errors.As(err, &coded) && coded.Err != nil {
		return coded.Err.Error()
	}
	return err.Error()
}

func (r *Runner) installKeys(ctx context.Context) error {
	if err := os.MkdirAll(r.config.TmpRoot, 0o700); err != nil {
		return taskerr.New("", fmt.Errorf("creating tmp root: %w", err))
	}
	// A directory left by a crashed server holds nothing worth keeping.
	if err := os.RemoveAll(r.dir); err != nil {
		return taskerr.New("", fmt.Errorf("removing stale task directory: %w", err))
	}
	if err := os.Mkdir(r.dir, 0o700); err != nil {
		return taskerr.New("", fmt.Errorf("creating task directory: %w", err))
	}

	bindings := Bindings(r.config.Job)
	keys, err := keyinstall.Install(ctx, keyinstall.Config{
		TaskID:    r.config.Job.Task.ID,
		ProjectID: r.config.Job.Task.ProjectID,
		Dir:       filepath.Join(r.dir, "keys"),
		Keys:      r.config.Keys,
		Decrypter: r.config.Decrypter,
		Logger:    r.config.Logger,
	}, bindings)
	if err != nil {
		return err
	}
	r.keys = keys
	if len(bindings) > 0 {
		r.log.Logf("installed %d access keys", len(bindings))
	}
	return nil
}

func (r *Runner) pullRepository(ctx context.Context) error {
	dir := filepath.Join(r.dir, "repo")
	repository := r.config.Job.Repository
	if repository == nil {
		if err := os.Mkdir(dir, 0o700); err != nil {
			return taskerr.New("", err)
		}
		return nil
	}

	if err := r.installRepositoryKey(ctx, repository); err != nil {
		return err
	}
	request := r.repositoryRequest(git.Request{
		URL: repository.URL,
		Ref: repository.Branch,
		Dir: dir,
	})
	r.log.Logf("fetching %s (%s)", repository.URL, refName(repository.Branch))

	// An authentication failure may mean the repository's key was
	// rotated while the task waited. Re-read the repository when the
	// store is at hand, then install its current key afresh.
	refresh := func(ctx context.Context, request git.Request) (git.Request, error) {
		r.log.Log(task.LevelSystem, "git authentication failed; retrying with the current repository key")
		current := r.config.Job.Repository
		if r.config.Projects != nil {
			reread, err := r.config.Projects.GetRepository(ctx, repository.ProjectID, repository.ID)
			if err != nil {
				return request, err
			}
			current = &reread
			r.config.Job.Repository = current
		}
		if err := r.repoKeys.Destroy(); err != nil {
			return request, taskerr.New("", fmt.Errorf("removing repository key: %w", err))
		}
		r.repoKeys = nil
		if err := r.installRepositoryKey(ctx, current); err != nil {
			return request, err
		}
		request.URL = current.URL
		request.Ref = current.Branch
		return r.repositoryRequest(request), nil
	}

	commit, err := r.config.Git.PullOrClone(ctx, request, refresh)
	if err != nil {
		return err
	}
	r.config.Job.Task.Commit = &commit
	r.log.SetCommit(commit)
	r.log.Logf("checked out %s by %s", shortSHA(commit.SHA), commit.Author)
	return nil
}

// installRepositoryKey installs repository's git key, if any, into
// the task directory's repo_keys.
func (r *Runner) installRepositoryKey(ctx context.Context, repository *task.Repository) error {
	binding, ok := RepositoryBinding(repository)
	if !ok {
		return nil
	}
	keys, err := keyinstall.Install(ctx, keyinstall.Config{
		TaskID:    r.config.Job.Task.ID,
		ProjectID: r.config.Job.Task.ProjectID,
		Dir:       filepath.Join(r.dir, "repo_keys"),
		Keys:      r.config.Keys,
		Decrypter: r.config.Decrypter,
		Logger:    r.config.Logger,
	}, []keyinstall.Binding{binding})
	if err != nil {
		return err
	}
	r.repoKeys = keys
	return nil
}

// repositoryRequest points request at the installed repository key.
func (r *Runner) repositoryRequest(request git.Request) git.Request {
	request.Env = r.repoKeys.Env(keyinstall.RoleGit)
	request.KeyPath = ""
	if installation, ok := r.repoKeys.First(keyinstall.RoleGit); ok {
		request.KeyPath = installation.Path
	}
	return request
}

func refName(ref string) string {
	if ref == "" {
		return "default branch"
	}
	return ref
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func (r *Runner) materialize(ctx context.Context) error {
	secrets, err := r.resolveSecrets(ctx)
	if err != nil {
		return err
	}
	job := localjob.New(localjob.Config{
		Job:      r.config.Job,
		Dir:      r.dir,
		Keys:     r.keys,
		RepoKeys: r.repoKeys,
		Secrets:  secrets,
		Apps:     r.config.Apps,
		BaseEnv:  r.config.BaseEnv,
		Plans:    r.config.Plans,
		Output:   r.log,
		Clock:    r.config.Clock,
		Grace:    r.config.Grace,
		Logger:   r.config.Logger,
	})
	if err := job.Materialize(ctx); err != nil {
		return err
	}
	r.job = job
	return nil
}

// resolveSecrets decrypts the environment's secrets.
func (r *Runner) resolveSecrets(ctx context.Context) ([]localjob.Secret, error) {
	environment := r.config.Job.Environment
	if environment == nil {
		return nil, nil
	}
	secrets := make([]localjob.Secret, 0, len(environment.Secrets))
	for _, reference := range environment.Secrets {
		key, err := r.config.Keys.GetAccessKey(ctx, r.config.Job.Task.ProjectID, reference.KeyID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, taskerr.Newf(taskerr.KeyNotFound, "secret %q: access key %d not found", reference.Name, reference.KeyID)
		}
		if err != nil {
			return nil, taskerr.New("", fmt.Errorf("loading secret %q: %w", reference.Name, err))
		}
		material, err := r.config.Decrypter.Decrypt(ctx, key)
		if err != nil {
			return nil, taskerr.New(taskerr.DecryptFailed, fmt.Errorf("decrypting secret %q: %w", reference.Name, err))
		}
		value := material.Value
		if value == nil {
			value = material.Password
		}
		secret := localjob.Secret{Name: reference.Name, Type: reference.Type}
		if value != nil {
			secret.Value = value.String()
		}
		material.Close()
		secrets = append(secrets, secret)
	}
	return secrets, nil
}

// teardown releases everything the task holds and publishes its
// terminal status. It runs once.
func (r *Runner) teardown(status task.Status, failure *task.Failure) {
	r.teardownOnce.Do(func() {
		defer close(r.done)

		// A cancel that lands after the tool exits still ends Stopped.
		if status == task.StatusSuccess && r.log.Status() == task.StatusStopping {
			status = task.StatusStopped
		}

		if r.job != nil {
			for _, hook := range r.config.PostHooks {
				if err := r.runHook(context.Background(), StagePostHook, hook, "SEMAPHORE_TASK_RESULT="+string(status)); err != nil {
					r.log.Log(task.LevelSystem, "post hook failed: "+errorMessage(err))
				}
			}
		}
		if err := r.keys.Destroy(); err != nil {
			r.logger.Error("destroying access keys", "error", err)
		}
		if err := r.repoKeys.Destroy(); err != nil {
			r.logger.Error("destroying repository key", "error", err)
		}
		if err := os.RemoveAll(r.dir); err != nil {
			r.logger.Error("removing task directory", "dir", r.dir, "error", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		if err := r.log.Finalize(ctx, status, failure); err != nil {
			r.logger.Error("finalizing task log", "error", err)
		}
		cancel()

		final := r.log.Status()
		r.logger.Info("task finished", "status", final)
		if r.config.OnFinish != nil {
			r.config.OnFinish(final)
		}
	})
}

// jobKeys serves the access keys carried in a JobData.
type jobKeys []task.AccessKey

func (k jobKeys) GetAccessKey(_ context.Context, _, id int64) (task.AccessKey, error) {
	for _, key := range k {
		if key.ID == id {
			return key, nil
		}
	}
	return task.AccessKey{}, store.ErrNotFound
}
