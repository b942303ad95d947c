// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// LibraryClient implements Client in-process with go-git. SSH remotes
// authenticate with the key file in Request.KeyPath.
type LibraryClient struct{}

// PullOrClone implements Client.
func (LibraryClient) PullOrClone(ctx context.Context, request Request) (task.CommitInfo, error) {
	auth, err := libraryAuth(request)
	if err != nil {
		return task.CommitInfo{}, err
	}

	repository, err := gogit.PlainOpen(request.Dir)
	if err == nil && originURL(repository) == request.URL {
		err = repository.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
			Tags:       gogit.AllTags,
			Auth:       auth,
			Force:      true,
			Prune:      true,
		})
		if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return task.CommitInfo{}, libraryFailure("fetching", err)
		}
	} else {
		if err := os.RemoveAll(request.Dir); err != nil {
			return task.CommitInfo{}, taskerr.New("", fmt.Errorf("clearing %s: %w", request.Dir, err))
		}
		if err := os.MkdirAll(filepath.Dir(request.Dir), 0o700); err != nil {
			return task.CommitInfo{}, taskerr.New("", err)
		}
		repository, err = gogit.PlainCloneContext(ctx, request.Dir, false, &gogit.CloneOptions{
			URL:        request.URL,
			Auth:       auth,
			NoCheckout: true,
			Tags:       gogit.AllTags,
		})
		if err != nil {
			return task.CommitInfo{}, libraryFailure("cloning", err)
		}
	}

	hash, err := resolveLibrary(repository, request.Ref)
	if err != nil {
		return task.CommitInfo{}, err
	}
	worktree, err := repository.Worktree()
	if err != nil {
		return task.CommitInfo{}, taskerr.New("", err)
	}
	if err := worktree.Reset(&gogit.ResetOptions{Commit: hash, Mode: gogit.HardReset}); err != nil {
		return task.CommitInfo{}, libraryFailure("resetting", err)
	}
	if err := cleanWorktree(repository, request.Dir); err != nil {
		return task.CommitInfo{}, taskerr.New("", fmt.Errorf("cleaning %s: %w", request.Dir, err))
	}
	submodules, err := worktree.Submodules()
	if err != nil {
		return task.CommitInfo{}, libraryFailure("listing submodules", err)
	}
	if len(submodules) > 0 {
		err := submodules.UpdateContext(ctx, &gogit.SubmoduleUpdateOptions{
			Init:              true,
			RecurseSubmodules: gogit.DefaultSubmoduleRecursionDepth,
			Auth:              auth,
		})
		if err != nil {
			return task.CommitInfo{}, libraryFailure("updating submodules", err)
		}
	}

	commit, err := repository.CommitObject(hash)
	if err != nil {
		return task.CommitInfo{}, libraryFailure("reading commit", err)
	}
	return task.CommitInfo{
		SHA:       commit.Hash.String(),
		Author:    commit.Author.Name,
		Message:   strings.TrimSpace(commit.Message),
		Timestamp: commit.Author.When.UTC(),
	}, nil
}

// cleanWorktree removes every path the index does not track, ignored
// ones included, as git clean -ffdx does. worktree.Clean keeps ignored
// files. Submodule checkouts are left to the submodule update.
func cleanWorktree(repository *gogit.Repository, dir string) error {
	index, err := repository.Storer.Index()
	if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}
	// tracked maps each index path to whether it is a submodule.
	tracked := make(map[string]bool, len(index.Entries))
	parents := make(map[string]bool)
	for _, entry := range index.Entries {
		name := filepath.FromSlash(entry.Name)
		tracked[name] = entry.Mode == filemode.Submodule
		for parent := filepath.Dir(name); parent != "."; parent = filepath.Dir(parent) {
			parents[parent] = true
		}
	}

	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if relative == ".git" {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if submodule, ok := tracked[relative]; ok {
			if submodule && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() && parents[relative] {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if entry.IsDir() {
			return fs.SkipDir
		}
		return nil
	})
}

func originURL(repository *gogit.Repository) string {
	remote, err := repository.Remote("origin")
	if err != nil || len(remote.Config().URLs) == 0 {
		return ""
	}
	return remote.Config().URLs[0]
}

// resolveLibrary resolves ref in branch, tag, SHA prefix order.
func resolveLibrary(repository *gogit.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" {
		head, err := repository.Reference(plumbing.NewRemoteHEADReferenceName("origin"), true)
		if err == nil {
			return head.Hash(), nil
		}
		// go-git does not always record origin/HEAD; fall back to the
		// branch HEAD pointed at when cloned.
		head, err = repository.Head()
		if err != nil {
			return plumbing.ZeroHash, taskerr.New(taskerr.RefNotFound, fmt.Errorf("resolving default branch: %w", err))
		}
		return head.Hash(), nil
	}

	if branch, err := repository.Reference(plumbing.NewRemoteReferenceName("origin", ref), true); err == nil {
		return branch.Hash(), nil
	}
	if tag, err := repository.Tag(ref); err == nil {
		annotated, err := repository.TagObject(tag.Hash())
		if err != nil {
			// Lightweight tag: the reference points at the commit.
			return tag.Hash(), nil
		}
		commit, err := annotated.Commit()
		if err != nil {
			return plumbing.ZeroHash, taskerr.New(taskerr.RefNotFound, fmt.Errorf("tag %q does not point at a commit: %w", ref, err))
		}
		return commit.Hash, nil
	}
	if isSHAPrefix(ref) {
		if hash, ok := commitByPrefix(repository, strings.ToLower(ref)); ok {
			return hash, nil
		}
	}
	return plumbing.ZeroHash, taskerr.Newf(taskerr.RefNotFound, "ref %q not found", ref)
}

// commitByPrefix finds the single commit whose hash starts with prefix.
func commitByPrefix(repository *gogit.Repository, prefix string) (plumbing.Hash, bool) {
	if len(prefix) == 40 {
		hash := plumbing.NewHash(prefix)
		_, err := repository.CommitObject(hash)
		return hash, err == nil
	}
	commits, err := repository.CommitObjects()
	if err != nil {
		return plumbing.ZeroHash, false
	}
	defer commits.Close()
	var found plumbing.Hash
	matches := 0
	commits.ForEach(func(commit *object.Commit) error {
		if strings.HasPrefix(commit.Hash.String(), prefix) {
			found = commit.Hash
			matches++
		}
		return nil
	})
	return found, matches == 1
}

func libraryAuth(request Request) (transport.AuthMethod, error) {
	if request.KeyPath == "" {
		return nil, nil
	}
	endpoint, err := transport.NewEndpoint(request.URL)
	if err != nil {
		return nil, taskerr.New(taskerr.InvalidData, fmt.Errorf("parsing repository URL: %w", err))
	}
	if endpoint.Protocol != "ssh" {
		return nil, nil
	}
	user := endpoint.User
	if user == "" {
		user = "git"
	}
	keys, err := gitssh.NewPublicKeysFromFile(user, request.KeyPath, "")
	if err != nil {
		return nil, taskerr.New(taskerr.DecryptFailed, fmt.Errorf("loading installed key: %w", err))
	}
	keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	return keys, nil
}

func libraryFailure(action string, err error) error {
	code := classify(err, err.Error())
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound):
		code = taskerr.AuthFailed
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		code = taskerr.RefNotFound
	}
	return taskerr.New(code, fmt.Errorf("%s: %w", action, err))
}
