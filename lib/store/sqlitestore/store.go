// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore is the durable store.Store behind a server. It
// keeps every entity as a CBOR blob in a SQLite database opened through
// lib/sqlitepool, with the few columns queries filter on kept beside
// the blob.
//
// Writes run in IMMEDIATE transactions so a read-modify-write such as
// UpdateTaskStatus never interleaves with another writer. Each method
// is its own transaction.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/alexandervashurin/semaphore-sub002/lib/codec"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/sqlitepool"
	"github.com/alexandervashurin/semaphore-sub002/lib/store"
)

// Config configures Open.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string

	// PoolSize is passed to sqlitepool.
	PoolSize int

	Logger *slog.Logger
}

// Store implements store.Store on SQLite.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at config.Path and applies the
// schema.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// read runs query and calls each for every result row.
func (s *Store) read(ctx context.Context, query string, args []any, each func(stmt *sqlite.Stmt) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: each})
}

// write runs fn inside an IMMEDIATE transaction. fn's error rolls the
// transaction back.
func (s *Store) write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

func exec(conn *sqlite.Conn, query string, args ...any) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}

// exists reports whether query returns at least one row.
func exists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// nextID returns one past the largest id in table.
func nextID(conn *sqlite.Conn, table, column string) (int64, error) {
	var next int64
	err := sqlitex.Execute(conn, "SELECT coalesce(max("+column+"), 0) + 1 FROM "+table, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			next = stmt.ColumnInt64(0)
			return nil
		},
	})
	return next, err
}

// decodeColumn unmarshals the CBOR blob in column into v.
func decodeColumn(stmt *sqlite.Stmt, column int, v any) error {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	if err := codec.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Tasks.

func (s *Store) CreateTask(ctx context.Context, newTask task.Task) (task.Task, error) {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		if newTask.ID == 0 {
			id, err := nextID(conn, "tasks", "id")
			if err != nil {
				return err
			}
			newTask.ID = id
		}
		data, err := codec.Marshal(newTask)
		if err != nil {
			return err
		}
		return exec(conn, "INSERT INTO tasks (id, project_id, status, data) VALUES (?, ?, ?, ?)",
			newTask.ID, newTask.ProjectID, string(newTask.Status), data)
	})
	if err != nil {
		return task.Task{}, fmt.Errorf("creating task: %w", err)
	}
	return newTask, nil
}

func getTask(conn *sqlite.Conn, id int64) (task.Task, error) {
	var (
		t     task.Task
		found bool
	)
	err := sqlitex.Execute(conn, "SELECT data FROM tasks WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return decodeColumn(stmt, 0, &t)
		},
	})
	if err != nil {
		return task.Task{}, err
	}
	if !found {
		return task.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (task.Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return task.Task{}, err
	}
	defer s.pool.Put(conn)
	return getTask(conn, id)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, update task.StatusUpdate) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		t, err := getTask(conn, update.TaskID)
		if err != nil {
			return err
		}
		store.ApplyStatus(&t, update)
		data, err := codec.Marshal(t)
		if err != nil {
			return err
		}
		return exec(conn, "UPDATE tasks SET status = ?, data = ? WHERE id = ?", string(t.Status), data, t.ID)
	})
}

func (s *Store) AppendTaskOutput(ctx context.Context, record task.LogRecord) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		found, err := exists(conn, "SELECT 1 FROM tasks WHERE id = ?", record.TaskID)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		data, err := codec.Marshal(record)
		if err != nil {
			return err
		}
		return exec(conn, "INSERT INTO task_output (task_id, seq, data) VALUES (?, ?, ?)",
			record.TaskID, record.Seq, data)
	})
}

func (s *Store) ListTaskOutput(ctx context.Context, taskID, fromSeq int64) ([]task.LogRecord, error) {
	var records []task.LogRecord
	err := s.read(ctx, "SELECT data FROM task_output WHERE task_id = ? AND seq >= ? ORDER BY seq",
		[]any{taskID, fromSeq},
		func(stmt *sqlite.Stmt) error {
			var record task.LogRecord
			if err := decodeColumn(stmt, 0, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("listing output of task %d: %w", taskID, err)
	}
	return records, nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...task.Status) ([]task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	var tasks []task.Task
	err := s.read(ctx, "SELECT data FROM tasks WHERE status IN ("+placeholders+") ORDER BY id", args,
		func(stmt *sqlite.Stmt) error {
			var t task.Task
			if err := decodeColumn(stmt, 0, &t); err != nil {
				return err
			}
			tasks = append(tasks, t)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// Project objects.

// getObject decodes the row of table with id into into. A non-zero
// projectID must match the row's project unless the row is global.
func (s *Store) getObject(ctx context.Context, table string, projectID, id int64, into any) error {
	found := false
	err := s.read(ctx,
		"SELECT data FROM "+table+" WHERE id = ? AND (? = 0 OR project_id = 0 OR project_id = ?)",
		[]any{id, projectID, projectID},
		func(stmt *sqlite.Stmt) error {
			found = true
			return decodeColumn(stmt, 0, into)
		})
	if err != nil {
		return fmt.Errorf("reading %s %d: %w", table, id, err)
	}
	if !found {
		return store.ErrNotFound
	}
	return nil
}

// saveObject assigns *id when zero and writes value, which must embed
// *id, as the row for it.
func (s *Store) saveObject(ctx context.Context, table string, id *int64, projectID int64, value any) error {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		if *id == 0 {
			next, err := nextID(conn, table, "id")
			if err != nil {
				return err
			}
			*id = next
		}
		data, err := codec.Marshal(value)
		if err != nil {
			return err
		}
		return exec(conn, "INSERT OR REPLACE INTO "+table+" (id, project_id, data) VALUES (?, ?, ?)",
			*id, projectID, data)
	})
	if err != nil {
		return fmt.Errorf("saving %s: %w", table, err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, projectID, id int64) (task.Template, error) {
	var template task.Template
	err := s.getObject(ctx, tableTemplates, projectID, id, &template)
	return template, err
}

func (s *Store) GetRepository(ctx context.Context, projectID, id int64) (task.Repository, error) {
	var repository task.Repository
	err := s.getObject(ctx, tableRepositories, projectID, id, &repository)
	return repository, err
}

func (s *Store) GetInventory(ctx context.Context, projectID, id int64) (task.Inventory, error) {
	var inventory task.Inventory
	err := s.getObject(ctx, tableInventories, projectID, id, &inventory)
	return inventory, err
}

func (s *Store) GetEnvironment(ctx context.Context, projectID, id int64) (task.Environment, error) {
	var environment task.Environment
	err := s.getObject(ctx, tableEnvironments, projectID, id, &environment)
	return environment, err
}

func (s *Store) GetAccessKey(ctx context.Context, projectID, id int64) (task.AccessKey, error) {
	var key task.AccessKey
	err := s.getObject(ctx, tableAccessKeys, projectID, id, &key)
	return key, err
}

func (s *Store) SaveTemplate(ctx context.Context, template task.Template) (task.Template, error) {
	err := s.saveObject(ctx, tableTemplates, &template.ID, template.ProjectID, &template)
	return template, err
}

func (s *Store) SaveRepository(ctx context.Context, repository task.Repository) (task.Repository, error) {
	err := s.saveObject(ctx, tableRepositories, &repository.ID, repository.ProjectID, &repository)
	return repository, err
}

func (s *Store) SaveInventory(ctx context.Context, inventory task.Inventory) (task.Inventory, error) {
	err := s.saveObject(ctx, tableInventories, &inventory.ID, inventory.ProjectID, &inventory)
	return inventory, err
}

func (s *Store) SaveEnvironment(ctx context.Context, environment task.Environment) (task.Environment, error) {
	err := s.saveObject(ctx, tableEnvironments, &environment.ID, environment.ProjectID, &environment)
	return environment, err
}

func (s *Store) SaveAccessKey(ctx context.Context, key task.AccessKey) (task.AccessKey, error) {
	err := s.saveObject(ctx, tableAccessKeys, &key.ID, key.ProjectID, &key)
	return key, err
}

// Runners.

// scanRunner decodes a row of (id, token, active, last_active, data).
// The columns are authoritative over the blob.
func scanRunner(stmt *sqlite.Stmt) (task.Runner, error) {
	var runner task.Runner
	if err := decodeColumn(stmt, 4, &runner); err != nil {
		return task.Runner{}, err
	}
	runner.ID = stmt.ColumnInt64(0)
	runner.Token = stmt.ColumnText(1)
	runner.Active = stmt.ColumnInt64(2) != 0
	runner.LastActive = fromUnixNano(stmt.ColumnInt64(3))
	return runner, nil
}

const runnerColumns = "id, token, active, last_active, data"

func (s *Store) CreateRunner(ctx context.Context, runner task.Runner) (task.Runner, error) {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		taken, err := exists(conn, "SELECT 1 FROM runners WHERE token = ?", runner.Token)
		if err != nil {
			return err
		}
		if taken {
			return store.ErrConflict
		}
		if runner.ID == 0 {
			if runner.ID, err = nextID(conn, "runners", "id"); err != nil {
				return err
			}
		}
		data, err := codec.Marshal(runner)
		if err != nil {
			return err
		}
		return exec(conn, "INSERT INTO runners ("+runnerColumns+") VALUES (?, ?, ?, ?, ?)",
			runner.ID, runner.Token, boolInt(runner.Active), unixNano(runner.LastActive), data)
	})
	if err != nil {
		return task.Runner{}, err
	}
	return runner, nil
}

func (s *Store) queryRunner(ctx context.Context, where string, arg any) (task.Runner, error) {
	var (
		runner task.Runner
		found  bool
	)
	err := s.read(ctx, "SELECT "+runnerColumns+" FROM runners WHERE "+where, []any{arg},
		func(stmt *sqlite.Stmt) error {
			var err error
			runner, err = scanRunner(stmt)
			found = err == nil
			return err
		})
	if err != nil {
		return task.Runner{}, fmt.Errorf("reading runner: %w", err)
	}
	if !found {
		return task.Runner{}, store.ErrNotFound
	}
	return runner, nil
}

func (s *Store) GetRunner(ctx context.Context, id int64) (task.Runner, error) {
	return s.queryRunner(ctx, "id = ?", id)
}

func (s *Store) GetRunnerByToken(ctx context.Context, token string) (task.Runner, error) {
	return s.queryRunner(ctx, "token = ?", token)
}

// updateRunner runs an UPDATE on one runner and maps a missing row to
// store.ErrNotFound.
func (s *Store) updateRunner(ctx context.Context, id int64, set string, args ...any) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		if err := exec(conn, "UPDATE runners SET "+set+" WHERE id = ?", append(args, id)...); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) TouchRunner(ctx context.Context, id int64, when time.Time) error {
	return s.updateRunner(ctx, id, "active = 1, last_active = ?", unixNano(when))
}

func (s *Store) SetRunnerActive(ctx context.Context, id int64, active bool) error {
	return s.updateRunner(ctx, id, "active = ?", boolInt(active))
}

func (s *Store) ListDeadRunners(ctx context.Context, deadline time.Time) ([]task.Runner, error) {
	var dead []task.Runner
	err := s.read(ctx,
		"SELECT "+runnerColumns+" FROM runners WHERE active = 1 AND last_active < ? ORDER BY id",
		[]any{unixNano(deadline)},
		func(stmt *sqlite.Stmt) error {
			runner, err := scanRunner(stmt)
			if err != nil {
				return err
			}
			dead = append(dead, runner)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("listing dead runners: %w", err)
	}
	return dead, nil
}

func (s *Store) UpsertRunningJob(ctx context.Context, job task.RunningJob) error {
	data, err := codec.Marshal(job)
	if err != nil {
		return err
	}
	return s.write(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, "INSERT OR REPLACE INTO running_jobs (task_id, data) VALUES (?, ?)", job.TaskID, data)
	})
}

func (s *Store) DeleteRunningJob(ctx context.Context, taskID int64) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		return exec(conn, "DELETE FROM running_jobs WHERE task_id = ?", taskID)
	})
}

func (s *Store) ListRunningJobs(ctx context.Context) ([]task.RunningJob, error) {
	var jobs []task.RunningJob
	err := s.read(ctx, "SELECT data FROM running_jobs ORDER BY task_id", nil,
		func(stmt *sqlite.Stmt) error {
			var job task.RunningJob
			if err := decodeColumn(stmt, 0, &job); err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("listing running jobs: %w", err)
	}
	return jobs, nil
}
