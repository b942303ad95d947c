// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package git provides the working tree a task runs against. A Client
// fetches a repository into a directory and hard-resets it to a ref;
// two implementations exist, CommandClient over the git CLI and
// LibraryClient over go-git. Provider wraps either with the retry
// policy for transient network and authentication failures.
//
// Credentials never pass through this package as plaintext. The caller
// supplies the environment produced by the key installer (an ssh-agent
// socket and GIT_SSH_COMMAND) or the path of an installed key file.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Repository runs git commands against one directory. Every command is
// invoked as "git -C <dir>" with the repository's extra environment.
type Repository struct {
	dir string
	env []string
}

// NewRepository returns a Repository targeting dir. env is appended to
// the process environment of every command.
func NewRepository(dir string, env []string) *Repository {
	return &Repository{dir: dir, env: env}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command and returns stdout. On failure the error
// is a *CommandError carrying git's stderr.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := r.Command(ctx, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", &CommandError{
			Args:   args,
			Dir:    r.dir,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.String(), nil
}

// Command returns an *exec.Cmd for a git command without running it.
// Interactive prompts are disabled.
func (r *Repository) Command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", r.dir}, args...)
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	command.Env = append(command.Env, r.env...)
	return command
}

// CommandError is a failed git invocation.
type CommandError struct {
	Args   []string
	Dir    string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s in %s: %v (stderr: %s)", strings.Join(e.Args, " "), e.Dir, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }
