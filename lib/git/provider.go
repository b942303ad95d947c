// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

const (
	// DefaultAttempts bounds tries of a NetworkTransient failure.
	DefaultAttempts = 3

	// DefaultBackoff is the delay before the first retry; each later
	// retry doubles it.
	DefaultBackoff = time.Second
)

// Refresh reinstalls the git credentials after an AuthFailed error and
// returns the request to retry with.
type Refresh func(ctx context.Context, request Request) (Request, error)

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Client   Client
	Clock    clock.Clock
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

// Provider applies the retry policy around a Client: NetworkTransient
// failures retry with exponential backoff, an AuthFailed failure
// retries once after refresh, everything else is returned at once.
type Provider struct {
	client   Client
	clock    clock.Clock
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// NewProvider returns a Provider.
func NewProvider(config ProviderConfig) *Provider {
	if config.Client == nil {
		config.Client = CommandClient{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Attempts <= 0 {
		config.Attempts = DefaultAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Provider{
		client:   config.Client,
		clock:    config.Clock,
		attempts: config.Attempts,
		backoff:  config.Backoff,
		logger:   config.Logger,
	}
}

// PullOrClone fetches request.URL into request.Dir at request.Ref.
// refresh may be nil, in which case AuthFailed is returned directly.
func (p *Provider) PullOrClone(ctx context.Context, request Request, refresh Refresh) (task.CommitInfo, error) {
	networkFailures := 0
	refreshed := false
	delay := p.backoff
	for {
		commit, err := p.client.PullOrClone(ctx, request)
		if err == nil {
			return commit, nil
		}
		if ctx.Err() != nil {
			return task.CommitInfo{}, ctx.Err()
		}

		switch taskerr.CodeOf(err) {
		case taskerr.NetworkTransient:
			networkFailures++
			if networkFailures >= p.attempts {
				return task.CommitInfo{}, err
			}
			p.logger.Warn("git network failure, retrying",
				"url", request.URL, "attempt", networkFailures, "delay", delay, "error", err)
			select {
			case <-p.clock.After(delay):
			case <-ctx.Done():
				return task.CommitInfo{}, ctx.Err()
			}
			delay *= 2

		case taskerr.AuthFailed:
			if refreshed || refresh == nil {
				return task.CommitInfo{}, err
			}
			refreshed = true
			p.logger.Warn("git authentication failed, refreshing credentials", "url", request.URL, "error", err)
			request, err = refresh(ctx, request)
			if err != nil {
				return task.CommitInfo{}, err
			}

		default:
			return task.CommitInfo{}, err
		}
	}
}
