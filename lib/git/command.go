// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// CommandClient drives the git CLI.
type CommandClient struct{}

// PullOrClone implements Client.
func (CommandClient) PullOrClone(ctx context.Context, request Request) (task.CommitInfo, error) {
	dir, err := filepath.Abs(request.Dir)
	if err != nil {
		return task.CommitInfo{}, taskerr.New("", err)
	}
	request.Dir = dir
	repository := NewRepository(request.Dir, request.Env)

	if existingRemote(ctx, repository) == request.URL {
		if _, err := repository.Run(ctx, "fetch", "--prune", "--tags", "--force", "origin"); err != nil {
			return task.CommitInfo{}, commandFailure(err)
		}
	} else {
		if err := os.RemoveAll(request.Dir); err != nil {
			return task.CommitInfo{}, taskerr.New("", fmt.Errorf("clearing %s: %w", request.Dir, err))
		}
		if err := os.MkdirAll(filepath.Dir(request.Dir), 0o700); err != nil {
			return task.CommitInfo{}, taskerr.New("", err)
		}
		parent := NewRepository(filepath.Dir(request.Dir), request.Env)
		if _, err := parent.Run(ctx, "clone", "--no-checkout", "--", request.URL, request.Dir); err != nil {
			return task.CommitInfo{}, commandFailure(err)
		}
	}

	sha, err := resolveCommand(ctx, repository, request.Ref)
	if err != nil {
		return task.CommitInfo{}, err
	}
	for _, args := range [][]string{
		{"reset", "--hard", sha},
		{"clean", "-ffdx"},
		{"submodule", "update", "--init", "--recursive", "--force"},
	} {
		if _, err := repository.Run(ctx, args...); err != nil {
			return task.CommitInfo{}, commandFailure(err)
		}
	}
	return commitInfo(ctx, repository)
}

// existingRemote returns the origin URL of the clone in the
// repository directory, or "" when there is none.
func existingRemote(ctx context.Context, repository *Repository) string {
	if _, err := os.Stat(filepath.Join(repository.Dir(), ".git")); err != nil {
		return ""
	}
	output, err := repository.Run(ctx, "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(output)
}

// resolveCommand resolves ref in branch, tag, SHA prefix order.
func resolveCommand(ctx context.Context, repository *Repository, ref string) (string, error) {
	var candidates []string
	if ref == "" {
		candidates = []string{"refs/remotes/origin/HEAD"}
	} else {
		candidates = []string{"refs/remotes/origin/" + ref, "refs/tags/" + ref}
		if isSHAPrefix(ref) {
			candidates = append(candidates, ref)
		}
	}
	for _, candidate := range candidates {
		output, err := repository.Run(ctx, "rev-parse", "--verify", "--quiet", "--end-of-options", candidate+"^{commit}")
		if err == nil {
			return strings.TrimSpace(output), nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", taskerr.Newf(taskerr.RefNotFound, "ref %q not found in %s", ref, repository.Dir())
}

func commitInfo(ctx context.Context, repository *Repository) (task.CommitInfo, error) {
	output, err := repository.Run(ctx, "log", "-1", "--format=%H%x00%an%x00%ct%x00%B", "HEAD")
	if err != nil {
		return task.CommitInfo{}, commandFailure(err)
	}
	fields := strings.SplitN(output, "\x00", 4)
	if len(fields) != 4 {
		return task.CommitInfo{}, taskerr.Newf(taskerr.InvalidData, "unexpected git log output %q", output)
	}
	seconds, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return task.CommitInfo{}, taskerr.New(taskerr.InvalidData, fmt.Errorf("parsing commit time: %w", err))
	}
	return task.CommitInfo{
		SHA:       fields[0],
		Author:    fields[1],
		Message:   strings.TrimSpace(fields[3]),
		Timestamp: time.Unix(seconds, 0).UTC(),
	}, nil
}

func commandFailure(err error) error {
	var commandErr *CommandError
	stderr := ""
	if errors.As(err, &commandErr) {
		stderr = commandErr.Stderr
	}
	return taskerr.New(classify(err, stderr), err)
}
