// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package keyinstall

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh/agent"
)

// agentServer is a per-task ssh-agent: an in-memory keyring served over
// a unix socket inside the task's keys directory.
type agentServer struct {
	path     string
	keyring  agent.Agent
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	wg          sync.WaitGroup
}

func startAgent(path string, logger *slog.Logger) (*agentServer, error) {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on agent socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restricting agent socket: %w", err)
	}
	server := &agentServer{
		path:        path,
		keyring:     agent.NewKeyring(),
		listener:    listener,
		logger:      logger,
		connections: make(map[net.Conn]struct{}),
	}
	server.wg.Add(1)
	go server.accept()
	return server, nil
}

func (a *agentServer) add(key agent.AddedKey) error {
	return a.keyring.Add(key)
}

func (a *agentServer) accept() {
	defer a.wg.Done()
	for {
		connection, err := a.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("ssh-agent accept failed", "error", err)
			}
			return
		}
		a.mu.Lock()
		a.connections[connection] = struct{}{}
		a.mu.Unlock()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer func() {
				a.mu.Lock()
				delete(a.connections, connection)
				a.mu.Unlock()
				connection.Close()
			}()
			agent.ServeAgent(a.keyring, connection)
		}()
	}
}

// stop closes the socket and every client connection, waits for the
// serving goroutines, and drops the keys from memory.
func (a *agentServer) stop() error {
	err := a.listener.Close()
	a.mu.Lock()
	for connection := range a.connections {
		connection.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()

	if removeErr := a.keyring.RemoveAll(); removeErr != nil && err == nil {
		err = removeErr
	}
	if removeErr := os.Remove(a.path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && err == nil {
		err = removeErr
	}
	return err
}
