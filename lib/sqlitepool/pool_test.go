// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/alexandervashurin/semaphore-sub002/lib/sqlitepool"
)

func openTestPool(t *testing.T, config sqlitepool.Config) *sqlitepool.Pool {
	t.Helper()
	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "test.db")
	}
	pool, err := sqlitepool.Open(config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func pragma(t *testing.T, conn *sqlite.Conn, name string) string {
	t.Helper()
	var value string
	err := sqlitex.Execute(conn, "PRAGMA "+name, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return value
}

func TestPragmas(t *testing.T) {
	t.Parallel()
	pool := openTestPool(t, sqlitepool.Config{PoolSize: 2})
	conn, err := pool.Take(t.Context())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"foreign_keys": "1",
		"busy_timeout": "5000",
	} {
		if got := pragma(t, conn, name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestSchemaAppliedOnceAndIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schema.db")
	schema := `CREATE TABLE IF NOT EXISTS tasks (id INTEGER PRIMARY KEY, status TEXT NOT NULL);`

	first, err := sqlitepool.Open(sqlitepool.Config{Path: path, Schema: schema})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn, err := first.Take(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if err := sqlitex.Execute(conn, "INSERT INTO tasks (status) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{"waiting"},
	}); err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	first.Put(conn)
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening applies the schema again without touching data.
	second := openTestPool(t, sqlitepool.Config{Path: path, Schema: schema})
	conn, err = second.Take(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Put(conn)
	count, err := sqlitex.ResultInt(conn.Prep("SELECT count(*) FROM tasks"))
	if err != nil || count != 1 {
		t.Fatalf("rows = %d, %v", count, err)
	}
}

func TestBadSchemaFailsOpen(t *testing.T) {
	t.Parallel()
	_, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(t.TempDir(), "bad.db"),
		Schema: "CREATE TABLEX nope;",
	})
	if err == nil {
		t.Fatal("Open accepted an invalid schema")
	}
}

func TestOnConnect(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	pool := openTestPool(t, sqlitepool.Config{
		PoolSize: 1,
		OnConnect: func(*sqlite.Conn) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
	})
	for range 3 {
		conn, err := pool.Take(t.Context())
		if err != nil {
			t.Fatal(err)
		}
		pool.Put(conn)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("OnConnect ran %d times for one connection", calls)
	}
}

func TestConcurrentReads(t *testing.T) {
	t.Parallel()
	pool := openTestPool(t, sqlitepool.Config{
		Schema: `
			CREATE TABLE IF NOT EXISTS numbers (value INTEGER NOT NULL);
			INSERT INTO numbers (value) SELECT 1 UNION ALL SELECT 2 UNION ALL SELECT 3;
		`,
	})

	const readers = 8
	var group sync.WaitGroup
	failures := make(chan error, readers)
	for range readers {
		group.Add(1)
		go func() {
			defer group.Done()
			conn, err := pool.Take(context.Background())
			if err != nil {
				failures <- err
				return
			}
			defer pool.Put(conn)
			var sum int64
			err = sqlitex.Execute(conn, "SELECT value FROM numbers", &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					sum += stmt.ColumnInt64(0)
					return nil
				},
			})
			if err == nil && sum != 6 {
				err = fmt.Errorf("sum = %d, want 6", sum)
			}
			if err != nil {
				failures <- err
			}
		}()
	}
	group.Wait()
	close(failures)
	for err := range failures {
		t.Error(err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	t.Parallel()
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestTakeHonoursContext(t *testing.T) {
	t.Parallel()
	pool := openTestPool(t, sqlitepool.Config{PoolSize: 1})
	conn, err := pool.Take(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("Take succeeded with a cancelled context on an exhausted pool")
	}
}
