// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// DefaultHookTimeout applies to hooks that set no timeout.
const DefaultHookTimeout = 5 * time.Minute

// Hook is a shell command run before the tool (pre_task_hook) or during
// teardown (post_task_hook). Hooks run in the repository directory with
// the tool's environment; post-hooks also see SEMAPHORE_TASK_RESULT.
type Hook struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`

	// AllowFailure makes a failing pre-hook a logged warning instead
	// of a task failure.
	AllowFailure bool `yaml:"allow_failure"`
}

func (h Hook) label() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Command
}

func (r *Runner) runPreHooks(ctx context.Context) error {
	for _, hook := range r.config.PreHooks {
		err := r.runHook(ctx, StagePreHook, hook)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if hook.AllowFailure {
			r.log.Log(task.LevelSystem, fmt.Sprintf("pre hook %q failed, continuing: %s", hook.label(), errorMessage(err)))
			continue
		}
		return err
	}
	return nil
}

// runHook runs one hook to completion or timeout.
func (r *Runner) runHook(ctx context.Context, stage string, hook Hook, env ...string) error {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.log.Logf("%s %q", stage, hook.label())
	result, err := r.job.RunHook(hookCtx, stage, hook.Command, env...)
	if err != nil {
		return err
	}
	if errors.Is(hookCtx.Err(), context.DeadlineExceeded) {
		return taskerr.Newf(taskerr.HookFailed, "hook %q timed out after %s", hook.label(), timeout)
	}
	if result.Stopped {
		return taskerr.Newf(taskerr.HookFailed, "hook %q was stopped", hook.label())
	}
	if !result.Success() {
		return taskerr.Newf(taskerr.HookFailed, "hook %q exited with code %d", hook.label(), result.ExitCode)
	}
	return nil
}
