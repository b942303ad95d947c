// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	if !strings.HasPrefix(info, Version+" (") {
		t.Errorf("Info() = %q, want prefix %q", info, Version+" (")
	}
	if !strings.Contains(info, BuildTime) {
		t.Errorf("Info() = %q, missing build time", info)
	}
	if !strings.Contains(Full(), runtime.Version()) {
		t.Errorf("Full() = %q, missing Go version", Full())
	}
	if Short() != Version {
		t.Errorf("Short() = %q", Short())
	}
}

func TestCommitPrefersInjectedValue(t *testing.T) {
	saved := GitCommit
	t.Cleanup(func() { GitCommit = saved })

	GitCommit = "abc1234"
	if got := Commit(); got != "abc1234" {
		t.Errorf("Commit() = %q, want abc1234", got)
	}
}
