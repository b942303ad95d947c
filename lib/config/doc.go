// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the server and
// runner binaries.
//
// Configuration is loaded from a single file named by either the
// SEMAPHORE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Keys the file leaves out keep the values of [Default];
// unknown keys are errors.
//
// ${VAR} and ${VAR:-default} are expanded in paths and secrets after
// loading, so tokens and the access key encryption secret can stay in
// the environment. No other environment variables override config
// values.
//
// Key exports:
//
//   - [Config] -- master struct with Engine, Apps, Server, Runner
//   - [Default] -- returns a Config with the documented defaults
//   - [Config.ValidateServer] and [Config.ValidateRunner] -- per-binary checks
package config
