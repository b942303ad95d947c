// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the server's
// durable store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Every connection is
// opened in WAL mode with a busy timeout, so task status writes from
// many task goroutines queue on the write lock instead of failing, and
// readers (output replay, recovery scans) never block writers.
//
// Callers [Pool.Take] a connection, use it, and [Pool.Put] it back. A
// connection is never shared between goroutines.
//
// Config.Schema, when set, is applied once at Open inside an immediate
// transaction. Statements must be idempotent (CREATE ... IF NOT EXISTS).
package sqlitepool
