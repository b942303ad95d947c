// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// Backend names accepted by NewClient.
const (
	BackendCommand = "cmd"
	BackendLibrary = "lib"
)

// Request describes one pull-or-clone.
type Request struct {
	// URL is the remote. Any form git accepts: scp-like, ssh://,
	// https://, or a local path.
	URL string

	// Ref is a branch, a tag, or a commit SHA prefix. Empty means the
	// remote's default branch.
	Ref string

	// Dir is the working tree. When it holds a clone of URL it is
	// fetched and reset; otherwise it is replaced by a fresh clone.
	Dir string

	// Env is added to the environment of git commands (ssh-agent
	// socket and GIT_SSH_COMMAND from the key installer).
	Env []string

	// KeyPath is the installed private key file, used by LibraryClient
	// for SSH remotes.
	KeyPath string
}

// Client fetches a repository and hard-resets it to a ref. Errors are
// *taskerr.Error values coded AuthFailed, RefNotFound,
// NetworkTransient, or DiskFull where the cause is recognized.
type Client interface {
	PullOrClone(ctx context.Context, request Request) (task.CommitInfo, error)
}

// NewClient returns the client for a backend name.
func NewClient(backend string) (Client, error) {
	switch backend {
	case "", BackendCommand:
		return CommandClient{}, nil
	case BackendLibrary:
		return LibraryClient{}, nil
	default:
		return nil, fmt.Errorf("unknown git client %q (want %q or %q)", backend, BackendCommand, BackendLibrary)
	}
}

var shaPrefix = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)

func isSHAPrefix(ref string) bool { return shaPrefix.MatchString(ref) }

var (
	authMarkers = []string{
		"permission denied",
		"authentication failed",
		"could not read username",
		"could not read from remote repository",
		"repository not found",
		"host key verification failed",
		"invalid username or password",
	}
	networkMarkers = []string{
		"could not resolve host",
		"connection timed out",
		"connection refused",
		"connection reset",
		"network is unreachable",
		"operation timed out",
		"early eof",
		"the remote end hung up unexpectedly",
		"temporary failure in name resolution",
		"tls handshake timeout",
	}
	diskMarkers = []string{
		"no space left on device",
		"disk quota exceeded",
	}
)

// classify maps a failure to a taskerr code from its error chain and
// git's stderr.
func classify(err error, stderr string) taskerr.Code {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return taskerr.DiskFull
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return taskerr.NetworkTransient
	}
	lower := strings.ToLower(stderr)
	for _, marker := range diskMarkers {
		if strings.Contains(lower, marker) {
			return taskerr.DiskFull
		}
	}
	for _, marker := range networkMarkers {
		if strings.Contains(lower, marker) {
			return taskerr.NetworkTransient
		}
	}
	for _, marker := range authMarkers {
		if strings.Contains(lower, marker) {
			return taskerr.AuthFailed
		}
	}
	return ""
}
