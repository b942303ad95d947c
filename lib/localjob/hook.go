// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package localjob

import "context"

// hookShell runs hook commands regardless of the template's shell app.
const hookShell = "/bin/sh"

// RunHook runs script with the job's environment plus env, in the
// repository directory, with output streamed like the tool's own.
// Materialize must have succeeded.
func (j *Job) RunHook(ctx context.Context, stage, script string, env ...string) (Result, error) {
	return j.runCommand(ctx, command{
		stage: stage,
		path:  hookShell,
		args:  []string{"-c", script},
		dir:   j.RepoDir(),
		env:   env,
	})
}
