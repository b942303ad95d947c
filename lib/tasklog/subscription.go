// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"fmt"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

// SubscribeOptions selects what a subscription receives.
type SubscribeOptions struct {
	// FromSeq replays retained records with seq >= FromSeq before
	// live records. Zero means live records only.
	FromSeq int64

	// StatusOnly restricts the stream to LevelStatus records.
	StatusOnly bool
}

// Subscription is an observer of one task's log. Records arrive in seq
// order on Records until the task is finalized, the subscriber lags, or
// Close is called; then the channel closes.
type Subscription struct {
	logger     *Logger
	records    chan task.LogRecord
	limit      int
	statusOnly bool
	closed     bool

	// delivered is the seq of the last record queued on records.
	delivered int64
}

// Records returns the record stream.
func (s *Subscription) Records() <-chan task.LogRecord { return s.records }

// Close detaches the subscription. Records already buffered remain
// readable.
func (s *Subscription) Close() {
	s.logger.mu.Lock()
	defer s.logger.mu.Unlock()
	delete(s.logger.subscribers, s)
	s.closeLocked()
}

// Subscribe attaches an observer. A subscription to a finalized logger
// receives the retained replay and then closes.
func (l *Logger) Subscribe(options SubscribeOptions) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	var replay []task.LogRecord
	if options.FromSeq > 0 {
		for _, record := range l.backlog {
			if record.Seq < options.FromSeq {
				continue
			}
			if options.StatusOnly && record.Level != task.LevelStatus {
				continue
			}
			replay = append(replay, record)
		}
	}

	limit := max(l.subscriberBuffer, len(replay))
	subscription := &Subscription{
		logger: l,
		// One slot beyond the limit is reserved for the Lagged notice.
		records:    make(chan task.LogRecord, limit+1),
		limit:      limit,
		statusOnly: options.StatusOnly,
	}
	for _, record := range replay {
		subscription.records <- record
		subscription.delivered = record.Seq
	}
	if l.finalized {
		subscription.closeLocked()
		return subscription
	}
	l.subscribers[subscription] = struct{}{}
	return subscription
}

// offerLocked delivers record without blocking. It reports false when
// the subscription has been dropped for lagging.
func (s *Subscription) offerLocked(record task.LogRecord) bool {
	if s.closed {
		return false
	}
	if s.statusOnly && record.Level != task.LevelStatus {
		return true
	}
	if len(s.records) >= s.limit {
		s.records <- task.LogRecord{
			TaskID:  record.TaskID,
			Seq:     s.delivered,
			Time:    record.Time,
			Level:   task.LevelLagged,
			Message: fmt.Sprintf("subscriber lagged; disconnected before seq %d", record.Seq),
		}
		s.closeLocked()
		s.logger.logger.Warn("log subscriber lagged", "delivered", s.delivered, "missed", record.Seq, "buffer", s.limit)
		return false
	}
	s.records <- record
	s.delivered = record.Seq
	return true
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.records)
}
