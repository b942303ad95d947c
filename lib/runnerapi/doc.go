// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package runnerapi is the HTTP protocol between the server and remote
// runners: the server's handlers, the runner's client, and the agent
// loop a runner process executes.
//
// Routes, all under /api:
//
//	POST /runners/register                       registration token in body; returns the runner's ID and bearer
//	POST /runners/{id}/heartbeat                 job progress in; new jobs and cancels out
//	POST /runners/{id}/jobs/{task_id}/output     CBOR sequence of log records, lz4 framed
//	POST /runners/{id}/jobs/{task_id}/status     one status report
//	PUT  /runners/{id}/jobs/{task_id}/plan       terraform plan produced by a Build task
//	GET  /runners/{id}/jobs/{task_id}/plan       plan a Deploy task applies
//
// Every route under /runners/{id} carries "Authorization: Bearer <token>"
// with the token issued at registration. An unknown token is rejected
// with 401; a token of another runner than {id} with 403. Bodies other
// than output and plans are JSON.
//
// The runner never talks to the store. Its task logger writes through
// an uplink that batches output records and reports status changes; the
// server re-sequences the records into the task's own log.
package runnerapi
