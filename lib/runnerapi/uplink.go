// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package runnerapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/tasklog"
)

const (
	// DefaultFlushInterval is how long output may wait on the runner
	// before it is uploaded.
	DefaultFlushInterval = 500 * time.Millisecond

	// flushBatch uploads output early once this many records wait.
	flushBatch = 500

	// maxPending bounds output kept for retry while the server is
	// unreachable. Older records are dropped first.
	maxPending = 20000
)

// uplink is the tasklog.Store of a task running on a runner. Output
// records are batched and uploaded in order; each status change first
// flushes the output before it, so the server never sees a terminal
// status ahead of the task's last lines.
type uplink struct {
	client *Client
	taskID int64
	logger *slog.Logger

	// sendMu orders uploads.
	sendMu sync.Mutex

	mu      sync.Mutex
	pending []task.LogRecord
	dropped int
	gone    bool

	// onGone is called once when the server stops assigning the
	// task to this runner.
	onGone func()
}

var _ tasklog.Store = (*uplink)(nil)

func (u *uplink) AppendTaskOutput(ctx context.Context, record task.LogRecord) error {
	switch record.Level {
	case task.LevelStatus, task.LevelLagged:
		return nil
	}
	u.mu.Lock()
	if u.gone {
		u.mu.Unlock()
		return nil
	}
	u.pending = append(u.pending, record)
	if overflow := len(u.pending) - maxPending; overflow > 0 {
		u.pending = u.pending[overflow:]
		u.dropped += overflow
	}
	full := len(u.pending) >= flushBatch
	u.mu.Unlock()
	if full {
		return u.flush(ctx)
	}
	return nil
}

func (u *uplink) UpdateTaskStatus(ctx context.Context, update task.StatusUpdate) error {
	if err := u.flush(ctx); err != nil {
		u.logger.Warn("uploading output before status", "task_id", u.taskID, "error", err)
	}
	if u.isGone() {
		return nil
	}
	err := u.client.ReportStatus(ctx, u.taskID, task.StatusReport{
		Status:  update.Status,
		Commit:  update.Commit,
		Failure: update.Failure,
	})
	return u.check(err)
}

// flush uploads the pending records. Records that failed to upload are
// kept for the next flush.
func (u *uplink) flush(ctx context.Context) error {
	u.sendMu.Lock()
	defer u.sendMu.Unlock()

	u.mu.Lock()
	batch := u.pending
	u.pending = nil
	dropped := u.dropped
	u.dropped = 0
	u.mu.Unlock()
	if dropped > 0 {
		u.logger.Warn("task output dropped while the server was unreachable", "task_id", u.taskID, "records", dropped)
	}
	if len(batch) == 0 {
		return nil
	}

	err := u.client.SendOutput(ctx, u.taskID, batch)
	if err != nil && !errors.Is(err, ErrGone) {
		u.mu.Lock()
		u.pending = append(batch, u.pending...)
		u.mu.Unlock()
	}
	return u.check(err)
}

// check marks the uplink gone on ErrGone and swallows it.
func (u *uplink) check(err error) error {
	if !errors.Is(err, ErrGone) {
		return err
	}
	u.mu.Lock()
	first := !u.gone
	u.gone = true
	u.pending = nil
	u.mu.Unlock()
	if first {
		u.logger.Warn("server no longer assigns the task to this runner", "task_id", u.taskID)
		if u.onGone != nil {
			u.onGone()
		}
	}
	return nil
}

func (u *uplink) isGone() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gone
}

// run flushes every interval until done is closed, then flushes once
// more.
func (u *uplink) run(clk clock.Clock, interval time.Duration, done <-chan struct{}) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := u.flush(ctx); err != nil {
				u.logger.Warn("final output upload", "task_id", u.taskID, "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := u.flush(ctx); err != nil {
				u.logger.Warn("uploading output", "task_id", u.taskID, "error", err)
			}
			cancel()
		}
	}
}
