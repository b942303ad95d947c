// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config configures Open.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	// Schema is applied once at Open.
	Schema string

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. It is safe for
// concurrent use; the connections it hands out are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool and applies Config.Schema. The database file is
// created if missing.
func Open(config Config) (*Pool, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := config.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, config.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", config.Path, err)
	}
	pool := &Pool{inner: inner, logger: logger, path: config.Path}

	if config.Schema != "" {
		if err := pool.applySchema(config.Schema); err != nil {
			inner.Close()
			return nil, err
		}
	}
	logger.Info("sqlite pool opened", "path", config.Path, "pool_size", poolSize)
	return pool, nil
}

func (p *Pool) applySchema(schema string) (err error) {
	conn, err := p.Take(context.Background())
	if err != nil {
		return err
	}
	defer p.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin schema transaction: %w", err)
	}
	defer endTransaction(&err)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitepool: applying schema: %w", err)
	}
	return nil
}

// Take borrows a connection, blocking until one is free or ctx ends.
// Every Take must be paired with a Put:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection. Put(nil) does nothing.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close waits for borrowed connections and closes them all.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}
	return nil
}
