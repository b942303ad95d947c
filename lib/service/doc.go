// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the HTTP scaffolding of the server binary.
//
// [HTTPServer] owns a TCP listener and graceful shutdown; the caller
// composes the handler (runner protocol routes, /metrics, /healthz) in
// its own main() rather than subclassing a framework. [HealthHandler]
// serves the liveness probe.
package service
