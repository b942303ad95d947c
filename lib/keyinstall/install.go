// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyinstall materializes a task's access keys for the tools it
// runs and removes every trace of them afterwards.
//
// Install decrypts each (role, key) binding into a per-task keys
// directory (mode 0700, files 0600) and loads SSH keys into an
// in-process ssh-agent served on a socket in that directory. The
// returned Set maps roles to file paths and environment variables.
// Destroy stops the agent, overwrites every file with zeros before
// unlinking it, and removes the directory.
package keyinstall

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
	"github.com/alexandervashurin/semaphore-sub002/lib/secretstorage"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// Role is the purpose a key serves in a job.
type Role string

const (
	RoleGit           Role = "git"
	RoleAnsibleUser   Role = "ansible_user"
	RoleAnsibleBecome Role = "ansible_become"
	RoleVault         Role = "ansible_password_vault"
	RoleShellPassword Role = "shell_password"
)

var accepted = map[Role][]task.KeyType{
	RoleGit:           {task.KeySSH, task.KeyNone},
	RoleAnsibleUser:   {task.KeySSH, task.KeyLoginPassword, task.KeyLoginPasswordOTP, task.KeyNone},
	RoleAnsibleBecome: {task.KeyLoginPassword, task.KeyLoginPasswordOTP},
	RoleVault:         {task.KeyLoginPassword, task.KeyLoginPasswordOTP, task.KeyString},
	RoleShellPassword: {task.KeyLoginPassword, task.KeyLoginPasswordOTP, task.KeyString},
}

// file name prefix per role; files are <prefix>_<n>, n counting from 1
// within the role.
var filePrefix = map[Role]string{
	RoleGit:           "git",
	RoleAnsibleUser:   "ssh_user",
	RoleAnsibleBecome: "become",
	RoleVault:         "vault",
	RoleShellPassword: "shell_password",
}

// Accepts reports whether role allows keys of keyType.
func Accepts(role Role, keyType task.KeyType) bool {
	return slices.Contains(accepted[role], keyType)
}

// Binding asks for key KeyID to be installed for Role. Label names a
// vault binding (the ansible vault-id label).
type Binding struct {
	Role  Role
	KeyID int64
	Label string
}

// Installation is one installed binding.
type Installation struct {
	Role    Role
	Label   string
	KeyType task.KeyType

	// Path is the installed file: a private key for SSH keys, a
	// password file for vault and shell roles, and a JSON extra-vars
	// file for login/password ansible roles. Empty for KeyNone.
	Path string

	Login string

	// Env lists NAME=value pairs the job adds to the child environment.
	Env []string
}

// Config configures Install.
type Config struct {
	TaskID    int64
	ProjectID int64

	// Dir is the keys directory to create. It must not exist.
	Dir string

	Keys      store.KeyStore
	Decrypter secretstorage.Decrypter
	Logger    *slog.Logger
}

// Set is the installed keys of one task.
type Set struct {
	dir       string
	logger    *slog.Logger
	byRole    map[Role][]Installation
	files     []string
	agent     *agentServer
	destroyed bool
}

// Install materializes bindings. On failure everything created so far is
// destroyed and the first error is returned as a *taskerr.Error.
func Install(ctx context.Context, config Config, bindings []Binding) (*Set, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	set := &Set{
		dir:    config.Dir,
		logger: config.Logger.With("task_id", config.TaskID),
		byRole: make(map[Role][]Installation),
	}
	if err := os.Mkdir(config.Dir, 0o700); err != nil {
		return nil, taskerr.New("", fmt.Errorf("creating keys directory: %w", err))
	}

	for _, binding := range bindings {
		if err := set.install(ctx, config, binding); err != nil {
			if destroyErr := set.Destroy(); destroyErr != nil {
				set.logger.Error("cleaning up after failed key install", "error", destroyErr)
			}
			return nil, err
		}
	}
	return set, nil
}

func (s *Set) install(ctx context.Context, config Config, binding Binding) error {
	key, err := config.Keys.GetAccessKey(ctx, config.ProjectID, binding.KeyID)
	if errors.Is(err, store.ErrNotFound) {
		return taskerr.Newf(taskerr.KeyNotFound, "access key %d for role %s not found", binding.KeyID, binding.Role)
	}
	if err != nil {
		return taskerr.New("", fmt.Errorf("loading access key %d: %w", binding.KeyID, err))
	}
	if !Accepts(binding.Role, key.Type) {
		return taskerr.Newf(taskerr.UnsupportedForRole, "key %q of type %s cannot serve role %s", key.Name, key.Type, binding.Role)
	}

	installation := Installation{Role: binding.Role, Label: binding.Label, KeyType: key.Type}
	if key.Type == task.KeyNone {
		s.byRole[binding.Role] = append(s.byRole[binding.Role], installation)
		return nil
	}

	material, err := config.Decrypter.Decrypt(ctx, key)
	if err != nil {
		return taskerr.New(taskerr.DecryptFailed, fmt.Errorf("decrypting key %q: %w", key.Name, err))
	}
	defer material.Close()
	installation.Login = material.Login

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%d", filePrefix[binding.Role], len(s.byRole[binding.Role])+1))

	switch {
	case key.Type == task.KeySSH:
		if err := s.installSSH(key, material, path, &installation); err != nil {
			return err
		}
	case binding.Role == RoleAnsibleUser:
		path += ".json"
		if err := s.writeJSON(path, map[string]string{
			"ansible_user":     material.Login,
			"ansible_password": bufferString(material.Password),
		}); err != nil {
			return err
		}
	case binding.Role == RoleAnsibleBecome:
		path += ".json"
		if err := s.writeJSON(path, map[string]string{
			"ansible_become_user":     material.Login,
			"ansible_become_password": bufferString(material.Password),
		}); err != nil {
			return err
		}
	default:
		value := material.Value
		if value == nil {
			value = material.Password
		}
		if value == nil {
			return taskerr.Newf(taskerr.DecryptFailed, "key %q has no password", key.Name)
		}
		if err := s.writeFile(path, value.Bytes()); err != nil {
			return err
		}
		if binding.Role == RoleShellPassword {
			installation.Env = append(installation.Env, "SEMAPHORE_PASSWORD_FILE="+path)
		}
	}

	installation.Path = path
	s.byRole[binding.Role] = append(s.byRole[binding.Role], installation)
	return nil
}

func (s *Set) installSSH(key task.AccessKey, material *secretstorage.Material, path string, installation *Installation) error {
	var raw any
	var err error
	if material.Passphrase != nil {
		raw, err = ssh.ParseRawPrivateKeyWithPassphrase(material.PrivateKey.Bytes(), material.Passphrase.Bytes())
	} else {
		raw, err = ssh.ParseRawPrivateKey(material.PrivateKey.Bytes())
	}
	if err != nil {
		return taskerr.New(taskerr.DecryptFailed, fmt.Errorf("parsing private key %q: %w", key.Name, err))
	}
	if pointer, ok := raw.(*ed25519.PrivateKey); ok {
		raw = *pointer
	}

	// The file holds the key without its passphrase so tools never
	// prompt.
	block, err := ssh.MarshalPrivateKey(raw, "")
	if err != nil {
		return taskerr.New(taskerr.DecryptFailed, fmt.Errorf("encoding private key %q: %w", key.Name, err))
	}
	encoded := pem.EncodeToMemory(block)
	err = s.writeFile(path, encoded)
	secret.Zero(encoded)
	if err != nil {
		return err
	}

	if s.agent == nil {
		s.agent, err = startAgent(filepath.Join(s.dir, "agent.sock"), s.logger)
		if err != nil {
			return taskerr.New(taskerr.AgentLaunchFailed, err)
		}
	}
	if err := s.agent.add(agent.AddedKey{PrivateKey: raw, Comment: key.Name}); err != nil {
		return taskerr.New(taskerr.AgentLaunchFailed, fmt.Errorf("adding key %q to agent: %w", key.Name, err))
	}

	installation.Env = append(installation.Env, "SSH_AUTH_SOCK="+s.agent.path)
	if installation.Role == RoleGit {
		installation.Env = append(installation.Env, "GIT_SSH_COMMAND="+strings.Join([]string{
			"ssh", "-i", path,
			"-o", "IdentitiesOnly=yes",
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
		}, " "))
	}
	return nil
}

func (s *Set) writeJSON(path string, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return taskerr.New("", err)
	}
	defer secret.Zero(data)
	return s.writeFile(path, data)
}

func (s *Set) writeFile(path string, data []byte) error {
	// Track the path before writing so a partial write is shredded.
	s.files = append(s.files, path)
	if err := secret.WriteFile(path, data, 0o600); err != nil {
		return taskerr.New("", fmt.Errorf("writing %s: %w", filepath.Base(path), err))
	}
	return nil
}

func bufferString(buffer *secret.Buffer) string {
	if buffer == nil {
		return ""
	}
	return buffer.String()
}

// Get returns the installations for role in binding order.
func (s *Set) Get(role Role) []Installation {
	if s == nil {
		return nil
	}
	return s.byRole[role]
}

// First returns the first installation for role.
func (s *Set) First(role Role) (Installation, bool) {
	installations := s.Get(role)
	if len(installations) == 0 {
		return Installation{}, false
	}
	return installations[0], true
}

// Env returns the environment additions of every installation for the
// given roles, without duplicates.
func (s *Set) Env(roles ...Role) []string {
	var env []string
	for _, role := range roles {
		for _, installation := range s.Get(role) {
			for _, entry := range installation.Env {
				if !slices.Contains(env, entry) {
					env = append(env, entry)
				}
			}
		}
	}
	return env
}

// Destroy stops the agent, shreds every installed file, and removes the
// keys directory. Every step runs even after a failure; each failure is
// logged and the first is returned. Destroy is idempotent and safe on a
// nil Set.
func (s *Set) Destroy() error {
	if s == nil || s.destroyed {
		return nil
	}
	s.destroyed = true

	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		s.logger.Error("key teardown step failed", "step", step, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", step, err)
		}
	}

	if s.agent != nil {
		record("stopping ssh-agent", s.agent.stop())
	}
	for _, path := range s.files {
		record("shredding "+filepath.Base(path), secret.Shred(path))
	}
	record("removing keys directory", os.RemoveAll(s.dir))
	return firstErr
}
