// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package tasklog is the per-task log sink. A Logger serializes status
// transitions, child process output, and engine diagnostics into one
// totally ordered stream with gap-free sequence numbers, persists each
// record through a Store, and fans records out to live subscribers.
//
// Writes never block on I/O or on subscribers. Persistence runs on a
// single writer goroutine that drains an unbounded queue in order.
// Each subscriber owns a bounded channel; a subscriber whose channel is
// full receives a final LevelLagged record and is disconnected.
//
// Persisted messages have ANSI escape sequences stripped. Subscribers
// receive the raw text.
package tasklog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

const (
	// DefaultSubscriberBuffer is the per-subscriber channel depth.
	DefaultSubscriberBuffer = 1024

	// DefaultBacklog is the number of recent records kept in memory
	// for replay to late subscribers.
	DefaultBacklog = 4096

	storeTimeout = 10 * time.Second
)

// ErrFinalized is returned for status changes after Finalize.
var ErrFinalized = errors.New("task log is finalized")

// Store is the persistence the logger writes through. The logger is the
// only writer of a task's status fields and output.
type Store interface {
	UpdateTaskStatus(ctx context.Context, update task.StatusUpdate) error
	AppendTaskOutput(ctx context.Context, record task.LogRecord) error
}

// Config configures a Logger.
type Config struct {
	// Task supplies the ID, project, and current status fields. A
	// task resumed after a requeue carries its previous timestamps
	// and dispatch attempts.
	Task task.Task

	Store Store

	// OnStatus is called for every transition while the logger's
	// lock is held. It must not block or call back into the logger.
	OnStatus func(task.StatusChange)

	Clock            clock.Clock
	SubscriberBuffer int
	Backlog          int

	// FirstSeq is the seq assigned to the first record. Defaults to 1.
	FirstSeq int64

	Logger *slog.Logger
}

// Logger is the log sink for one task.
type Logger struct {
	store    Store
	onStatus func(task.StatusChange)
	clock    clock.Clock
	logger   *slog.Logger

	subscriberBuffer int
	backlogLimit     int

	taskID    int64
	projectID int64

	mu          sync.Mutex
	status      task.Status
	started     time.Time
	ended       time.Time
	commit      *task.CommitInfo
	failure     *task.Failure
	attempts    int
	nextSeq     int64
	backlog     []task.LogRecord
	subscribers map[*Subscription]struct{}
	finalized   bool

	queue      []pending
	wake       chan struct{}
	writerDone chan struct{}
}

type pending struct {
	record *task.LogRecord
	update *task.StatusUpdate
}

// New creates a Logger and starts its persistence writer.
func New(config Config) *Logger {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if config.Backlog <= 0 {
		config.Backlog = DefaultBacklog
	}
	if config.FirstSeq <= 0 {
		config.FirstSeq = 1
	}
	status := config.Task.Status
	if status == "" {
		status = task.StatusWaiting
	}

	l := &Logger{
		store:            config.Store,
		onStatus:         config.OnStatus,
		clock:            config.Clock,
		logger:           config.Logger.With("task_id", config.Task.ID),
		subscriberBuffer: config.SubscriberBuffer,
		backlogLimit:     config.Backlog,
		taskID:           config.Task.ID,
		projectID:        config.Task.ProjectID,
		status:           status,
		started:          config.Task.Started,
		ended:            config.Task.Ended,
		commit:           config.Task.Commit,
		failure:          config.Task.Failure,
		attempts:         config.Task.DispatchAttempts,
		nextSeq:          config.FirstSeq,
		subscribers:      make(map[*Subscription]struct{}),
		wake:             make(chan struct{}, 1),
		writerDone:       make(chan struct{}),
	}
	go l.writer()
	return l
}

// TaskID returns the ID of the task this logger serves.
func (l *Logger) TaskID() int64 { return l.taskID }

// Status returns the current status.
func (l *Logger) Status() task.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Snapshot returns the status fields as they would be persisted.
func (l *Logger) Snapshot() task.StatusUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updateLocked()
}

// LastSeq returns the seq of the most recent record, or FirstSeq-1 when
// nothing has been written.
func (l *Logger) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Log appends a record. It never blocks. Records arriving after
// Finalize are dropped.
func (l *Logger) Log(level task.Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		l.logger.Debug("record after finalize dropped", "level", level)
		return
	}
	l.appendLocked(task.LogRecord{Level: level, Message: message})
}

// Logf appends a formatted LevelSystem record.
func (l *Logger) Logf(format string, args ...any) {
	l.Log(task.LevelSystem, fmt.Sprintf(format, args...))
}

// SetCommit records the revision the task runs against.
func (l *Logger) SetCommit(commit task.CommitInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return
	}
	l.commit = &commit
	l.appendLocked(task.LogRecord{
		Level:   task.LevelSystem,
		Message: fmt.Sprintf("commit %s by %s: %s", shortSHA(commit.SHA), commit.Author, firstLine(commit.Message)),
	})
	update := l.updateLocked()
	l.enqueueLocked(pending{update: &update})
}

// SetStatus moves the task along the state machine. A terminal status
// finalizes the logger.
func (l *Logger) SetStatus(status task.Status) error {
	return l.transition(status, nil)
}

// Fail moves the task to Error with failure attached and finalizes.
func (l *Logger) Fail(failure *task.Failure) error {
	return l.transition(task.StatusError, failure)
}

func (l *Logger) transition(status task.Status, failure *task.Failure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(status, failure)
}

func (l *Logger) transitionLocked(status task.Status, failure *task.Failure) error {
	if l.finalized {
		return ErrFinalized
	}
	if !task.CanTransition(l.status, status) {
		return fmt.Errorf("invalid transition %s -> %s", l.status, status)
	}

	now := l.clock.Now()
	from := l.status
	l.status = status
	if status.HasStarted() && l.started.IsZero() {
		l.started = now
	}
	if status.IsTerminal() {
		l.ended = now
	}
	if failure != nil {
		l.failure = failure
	}

	record := task.LogRecord{
		Level:   task.LevelStatus,
		Message: "status: " + string(status),
		Status:  status,
	}
	if status == task.StatusError {
		record.Failure = l.failure
	}
	l.appendLocked(record)
	update := l.updateLocked()
	l.enqueueLocked(pending{update: &update})

	if l.onStatus != nil {
		l.onStatus(task.StatusChange{
			TaskID:    l.taskID,
			ProjectID: l.projectID,
			From:      from,
			To:        status,
			Time:      now,
			Failure:   record.Failure,
		})
	}
	if status.IsTerminal() {
		l.closeLocked()
	}
	return nil
}

// Requeue returns a task whose remote runner was lost to Waiting. The
// stream stays open; records from the next runner continue the seq.
func (l *Logger) Requeue(reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return ErrFinalized
	}
	if !task.CanRequeue(l.status) {
		return fmt.Errorf("cannot requeue task in status %s", l.status)
	}

	from := l.status
	l.attempts++
	l.status = task.StatusWaiting
	l.started = time.Time{}
	l.appendLocked(task.LogRecord{Level: task.LevelSystem, Message: "requeued: " + reason})
	l.appendLocked(task.LogRecord{
		Level:   task.LevelStatus,
		Message: "status: " + string(task.StatusWaiting),
		Status:  task.StatusWaiting,
	})
	update := l.updateLocked()
	l.enqueueLocked(pending{update: &update})

	if l.onStatus != nil {
		l.onStatus(task.StatusChange{
			TaskID:    l.taskID,
			ProjectID: l.projectID,
			From:      from,
			To:        task.StatusWaiting,
			Time:      l.clock.Now(),
		})
	}
	return nil
}

// DispatchAttempts returns how many remote dispatches were lost.
func (l *Logger) DispatchAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Finalize publishes status (with failure when status is Error) unless
// the task is already terminal, closes every subscriber, and waits for
// persistence to drain or ctx to end. It is idempotent: later calls
// change nothing and only wait.
//
// A Stopped target reached from Starting or Running passes through
// Stopping. A target that cannot be reached becomes Error.
func (l *Logger) Finalize(ctx context.Context, status task.Status, failure *task.Failure) error {
	l.mu.Lock()
	var transitionErr error
	if !l.finalized && !l.status.IsTerminal() {
		if status == task.StatusStopped && l.status != task.StatusStopping && task.CanTransition(l.status, task.StatusStopping) {
			_ = l.transitionLocked(task.StatusStopping, nil)
		}
		if !task.CanTransition(l.status, status) {
			transitionErr = fmt.Errorf("cannot finalize %s as %s", l.status, status)
			l.logger.Error("finalize with unreachable status", "from", l.status, "to", status)
			status = task.StatusError
			failure = &task.Failure{Kind: task.KindEngineInternal, Message: transitionErr.Error()}
		}
		if status == task.StatusError && failure == nil {
			failure = &task.Failure{Kind: task.KindEngineInternal, Message: "task failed"}
		}
		if err := l.transitionLocked(status, failure); err != nil && transitionErr == nil {
			transitionErr = err
		}
	}
	l.closeLocked()
	l.mu.Unlock()

	select {
	case <-l.writerDone:
	case <-ctx.Done():
		if transitionErr == nil {
			transitionErr = ctx.Err()
		}
	}
	return transitionErr
}

// Done is closed once the logger is finalized and every queued record
// has been handed to the store.
func (l *Logger) Done() <-chan struct{} { return l.writerDone }

// appendLocked assigns the next seq, keeps the record for replay, fans
// it out, and queues its stripped form for persistence.
func (l *Logger) appendLocked(record task.LogRecord) {
	record.TaskID = l.taskID
	record.Seq = l.nextSeq
	l.nextSeq++
	if record.Time.IsZero() {
		record.Time = l.clock.Now()
	}

	l.backlog = append(l.backlog, record)
	if len(l.backlog) > 2*l.backlogLimit {
		l.backlog = append([]task.LogRecord(nil), l.backlog[len(l.backlog)-l.backlogLimit:]...)
	}

	for subscription := range l.subscribers {
		if !subscription.offerLocked(record) {
			delete(l.subscribers, subscription)
		}
	}

	persisted := record
	persisted.Message = ansi.Strip(record.Message)
	l.enqueueLocked(pending{record: &persisted})
}

func (l *Logger) updateLocked() task.StatusUpdate {
	return task.StatusUpdate{
		TaskID:           l.taskID,
		Status:           l.status,
		Started:          l.started,
		Ended:            l.ended,
		Commit:           l.commit,
		Failure:          l.failure,
		DispatchAttempts: l.attempts,
	}
}

func (l *Logger) enqueueLocked(item pending) {
	l.queue = append(l.queue, item)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Logger) closeLocked() {
	if l.finalized {
		return
	}
	l.finalized = true
	for subscription := range l.subscribers {
		subscription.closeLocked()
	}
	clear(l.subscribers)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// writer drains the queue in order until the logger is finalized and
// the queue is empty. Store failures are logged; the stream goes on.
func (l *Logger) writer() {
	defer close(l.writerDone)
	for range l.wake {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		done := l.finalized
		l.mu.Unlock()

		for _, item := range batch {
			l.persist(item)
		}

		if done {
			l.mu.Lock()
			empty := len(l.queue) == 0
			l.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (l *Logger) persist(item pending) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	switch {
	case item.record != nil:
		if err := l.store.AppendTaskOutput(ctx, *item.record); err != nil {
			l.logger.Error("persisting task output", "seq", item.record.Seq, "error", err)
		}
	case item.update != nil:
		if err := l.store.UpdateTaskStatus(ctx, *item.update); err != nil {
			l.logger.Error("persisting task status", "status", item.update.Status, "error", err)
		}
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func firstLine(message string) string {
	for i, r := range message {
		if r == '\n' {
			return message[:i]
		}
	}
	return message
}
