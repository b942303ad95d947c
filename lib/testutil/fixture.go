// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"os/exec"
	"testing"
)

// RequireBinary returns the path of name on PATH, skipping the test when
// it is not installed.
func RequireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not installed", name)
	}
	return path
}

// ShortTempDir returns a temporary directory directly under /tmp.
// t.TempDir paths can exceed the 108-byte limit on unix socket paths
// once a task directory and socket name are appended.
func ShortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sem-*")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}
