// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/testutil"
)

type recordingStore struct {
	mu      sync.Mutex
	records []task.LogRecord
	updates []task.StatusUpdate
}

func (s *recordingStore) AppendTaskOutput(_ context.Context, record task.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *recordingStore) UpdateTaskStatus(_ context.Context, update task.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *recordingStore) snapshot() ([]task.LogRecord, []task.StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.LogRecord(nil), s.records...), append([]task.StatusUpdate(nil), s.updates...)
}

func newTestLogger(t *testing.T, store Store, buffer int) (*Logger, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := New(Config{
		Task:             task.Task{ID: 42, ProjectID: 7, Status: task.StatusWaiting},
		Store:            store,
		Clock:            fake,
		SubscriberBuffer: buffer,
	})
	t.Cleanup(func() {
		logger.Finalize(context.Background(), task.StatusStopped, nil)
	})
	return logger, fake
}

func TestSeqIsGapFreeAcrossKinds(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	logger, _ := newTestLogger(t, store, 0)

	logger.SetStatus(task.StatusStarting)
	logger.Log(task.LevelSystem, "installing keys")
	logger.SetCommit(task.CommitInfo{SHA: "0123456789abcdef", Author: "ops", Message: "init\nbody"})
	logger.SetStatus(task.StatusRunning)
	logger.Log(task.LevelStdout, "hello")
	logger.Log(task.LevelStderr, "warning")
	if err := logger.Finalize(t.Context(), task.StatusSuccess, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	records, updates := store.snapshot()
	for i, record := range records {
		if record.Seq != int64(i+1) {
			t.Fatalf("record %d has seq %d", i, record.Seq)
		}
		if record.TaskID != 42 {
			t.Fatalf("record %d has task %d", i, record.TaskID)
		}
	}
	if len(records) != 7 {
		t.Fatalf("persisted %d records, want 7", len(records))
	}
	last := updates[len(updates)-1]
	if last.Status != task.StatusSuccess || last.Started.IsZero() || last.Ended.IsZero() {
		t.Fatalf("final update = %+v", last)
	}
	if last.Commit == nil || last.Commit.SHA != "0123456789abcdef" {
		t.Fatalf("commit not persisted: %+v", last.Commit)
	}
}

func TestPersistedFormIsANSIStripped(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	logger, _ := newTestLogger(t, store, 0)

	subscription := logger.Subscribe(SubscribeOptions{})
	colored := "\x1b[31mfailed\x1b[0m"
	logger.Log(task.LevelStdout, colored)
	logger.Finalize(t.Context(), task.StatusStopped, nil)

	live := testutil.RequireReceive(t, subscription.Records(), time.Second, "live record")
	if live.Message != colored {
		t.Fatalf("live message = %q, want raw %q", live.Message, colored)
	}
	records, _ := store.snapshot()
	if records[0].Message != "failed" {
		t.Fatalf("persisted message = %q", records[0].Message)
	}
}

func TestRejectsInvalidTransition(t *testing.T) {
	t.Parallel()
	logger, _ := newTestLogger(t, &recordingStore{}, 0)
	if err := logger.SetStatus(task.StatusRunning); err == nil {
		t.Fatal("Waiting -> Running accepted")
	}
	if logger.Status() != task.StatusWaiting {
		t.Fatalf("status changed to %s", logger.Status())
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	var changes []task.StatusChange
	logger := New(Config{
		Task:     task.Task{ID: 1, Status: task.StatusWaiting},
		Store:    store,
		OnStatus: func(change task.StatusChange) { changes = append(changes, change) },
	})

	if err := logger.Finalize(t.Context(), task.StatusStopped, nil); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if err := logger.Finalize(t.Context(), task.StatusError, nil); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if logger.Status() != task.StatusStopped {
		t.Fatalf("status = %s after second Finalize", logger.Status())
	}
	if len(changes) != 1 || changes[0].To != task.StatusStopped {
		t.Fatalf("changes = %+v", changes)
	}

	logger.Log(task.LevelStdout, "late")
	records, _ := store.snapshot()
	for _, record := range records {
		if record.Message == "late" {
			t.Fatal("record accepted after Finalize")
		}
	}
	testutil.RequireClosed(t, logger.Done(), time.Second, "writer")
}

func TestFinalizeStoppedPassesThroughStopping(t *testing.T) {
	t.Parallel()
	var statuses []task.Status
	logger := New(Config{
		Task:     task.Task{ID: 1, Status: task.StatusRunning},
		OnStatus: func(change task.StatusChange) { statuses = append(statuses, change.To) },
	})
	logger.Finalize(t.Context(), task.StatusStopped, nil)
	if len(statuses) != 2 || statuses[0] != task.StatusStopping || statuses[1] != task.StatusStopped {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestSubscriberSeesCloseOnFinalize(t *testing.T) {
	t.Parallel()
	logger, _ := newTestLogger(t, &recordingStore{}, 0)
	subscription := logger.Subscribe(SubscribeOptions{})

	logger.SetStatus(task.StatusStarting)
	logger.SetStatus(task.StatusRunning)
	logger.Log(task.LevelStdout, "out")
	logger.Finalize(t.Context(), task.StatusSuccess, nil)

	var seqs []int64
	for record := range subscription.Records() {
		seqs = append(seqs, record.Seq)
	}
	if len(seqs) != 4 {
		t.Fatalf("received %d records: %v", len(seqs), seqs)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("out of order: %v", seqs)
		}
	}
}

func TestSlowSubscriberIsDroppedWithLagged(t *testing.T) {
	t.Parallel()
	logger, _ := newTestLogger(t, &recordingStore{}, 4)
	slow := logger.Subscribe(SubscribeOptions{})
	fast := logger.Subscribe(SubscribeOptions{})

	for i := 0; i < 10; i++ {
		logger.Log(task.LevelStdout, "line")
		<-fast.Records()
	}

	var received []task.LogRecord
	for record := range slow.Records() {
		received = append(received, record)
	}
	if len(received) != 5 {
		t.Fatalf("slow subscriber got %d records, want 4 + Lagged", len(received))
	}
	lagged := received[4]
	if lagged.Level != task.LevelLagged || lagged.Seq != received[3].Seq || lagged.Seq != 4 {
		t.Fatalf("final record = %+v, want Lagged carrying the last delivered seq 4", lagged)
	}

	// Resuming after the Lagged seq picks up the first missed record.
	resumed := logger.Subscribe(SubscribeOptions{FromSeq: lagged.Seq + 1})
	first := testutil.RequireReceive(t, resumed.Records(), time.Second, "resumed subscriber")
	if first.Seq != 5 {
		t.Fatalf("resumed at seq %d, want 5", first.Seq)
	}
	resumed.Close()

	// The writer and other subscribers are unaffected.
	logger.Log(task.LevelStdout, "after")
	record := testutil.RequireReceive(t, fast.Records(), time.Second, "fast subscriber")
	if record.Seq != 11 {
		t.Fatalf("fast subscriber seq = %d", record.Seq)
	}
}

func TestSubscribeReplayAndStatusOnly(t *testing.T) {
	t.Parallel()
	logger, _ := newTestLogger(t, &recordingStore{}, 0)
	logger.SetStatus(task.StatusStarting)
	logger.Log(task.LevelSystem, "one")
	logger.Log(task.LevelSystem, "two")

	replay := logger.Subscribe(SubscribeOptions{FromSeq: 2})
	first := testutil.RequireReceive(t, replay.Records(), time.Second, "replay")
	if first.Seq != 2 || first.Message != "one" {
		t.Fatalf("first replayed record = %+v", first)
	}

	statuses := logger.Subscribe(SubscribeOptions{StatusOnly: true})
	logger.Log(task.LevelStdout, "ignored")
	logger.SetStatus(task.StatusRunning)
	change := testutil.RequireReceive(t, statuses.Records(), time.Second, "status")
	if change.Level != task.LevelStatus || change.Status != task.StatusRunning {
		t.Fatalf("status subscriber got %+v", change)
	}
}

func TestRequeueContinuesSeq(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	logger, _ := newTestLogger(t, store, 0)
	logger.SetStatus(task.StatusStarting)
	logger.SetStatus(task.StatusRunning)
	logger.Log(task.LevelStdout, "partial")
	before := logger.LastSeq()

	if err := logger.Requeue("runner 3 lost"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if logger.Status() != task.StatusWaiting || logger.DispatchAttempts() != 1 {
		t.Fatalf("after requeue: status %s attempts %d", logger.Status(), logger.DispatchAttempts())
	}
	if !logger.Snapshot().Started.IsZero() {
		t.Fatal("started kept after requeue")
	}

	logger.SetStatus(task.StatusStarting)
	logger.SetStatus(task.StatusRunning)
	logger.Log(task.LevelStdout, "complete")
	if logger.LastSeq() <= before {
		t.Fatalf("seq did not advance past %d", before)
	}
	if err := logger.Requeue("again"); err != nil {
		t.Fatalf("second Requeue: %v", err)
	}
	if err := logger.Finalize(t.Context(), task.StatusStopped, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := logger.Requeue("late"); err == nil {
		t.Fatal("Requeue after Finalize succeeded")
	}
}
