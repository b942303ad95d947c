// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
)

func newTestCache(t *testing.T) (*Cache, *clock.FakeClock, string) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	dir := filepath.Join(t.TempDir(), "plans")
	cache, err := New(Config{Dir: dir, Clock: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cache, fake, dir
}

func TestPutLoadRoundTrip(t *testing.T) {
	t.Parallel()
	cache, _, dir := newTestCache(t)
	key := Key{ProjectID: 1, TemplateID: 2, TaskID: 3}
	plan := []byte(strings.Repeat("resource \"null_resource\" \"x\" {}\n", 200))

	if _, err := cache.Put(t.Context(), key, bytes.NewReader(plan)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, key.fileName()))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() >= int64(len(plan)) {
		t.Fatalf("stored %d bytes for %d byte plan", info.Size(), len(plan))
	}

	target := filepath.Join(t.TempDir(), "plan.bin")
	release, err := cache.Load(t.Context(), key, target)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer release()
	loaded, _ := os.ReadFile(target)
	if !bytes.Equal(loaded, plan) {
		t.Fatal("loaded plan differs")
	}
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()
	cache, _, _ := newTestCache(t)
	_, err := cache.Load(t.Context(), Key{TaskID: 9}, filepath.Join(t.TempDir(), "plan.bin"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestCorruptPlanIsRejected(t *testing.T) {
	t.Parallel()
	cache, _, dir := newTestCache(t)
	key := Key{ProjectID: 1, TemplateID: 1, TaskID: 1}
	if _, err := cache.Put(t.Context(), key, strings.NewReader("plan-a")); err != nil {
		t.Fatal(err)
	}

	// Swap the body for a valid zstd stream of different bytes.
	other, _, _ := newTestCache(t)
	if _, err := other.Put(t.Context(), key, strings.NewReader("plan-b")); err != nil {
		t.Fatal(err)
	}
	good, _ := os.ReadFile(filepath.Join(dir, key.fileName()))
	forged, _ := os.ReadFile(filepath.Join(other.dir, key.fileName()))
	copy(forged[:headerSize], good[:headerSize])
	if err := os.WriteFile(filepath.Join(dir, key.fileName()), forged, 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := cache.WriteTo(t.Context(), key, &out); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v", err)
	}
	if cache.Len() != 0 {
		t.Fatal("corrupt plan kept")
	}
}

func TestSweepPolicy(t *testing.T) {
	t.Parallel()
	cache, fake, _ := newTestCache(t)
	unused := Key{TaskID: 1}
	deployed := Key{TaskID: 2}
	inUse := Key{TaskID: 3}
	for _, key := range []Key{unused, deployed, inUse} {
		if _, err := cache.Put(t.Context(), key, strings.NewReader("plan")); err != nil {
			t.Fatal(err)
		}
	}

	releaseDeployed, err := cache.Acquire(deployed)
	if err != nil {
		t.Fatal(err)
	}
	releaseInUse, err := cache.Acquire(inUse)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseInUse()

	if removed := cache.Sweep(); removed != 0 {
		t.Fatalf("swept %d fresh plans", removed)
	}
	releaseDeployed()
	releaseDeployed()
	if removed := cache.Sweep(); removed != 1 || cache.Len() != 2 {
		t.Fatalf("after deploy ended: removed %d, left %d", removed, cache.Len())
	}

	fake.Advance(DefaultMaxAge)
	if removed := cache.Sweep(); removed != 2 || cache.Len() != 0 {
		t.Fatalf("after max age: removed %d, left %d", removed, cache.Len())
	}
}

func TestNewIndexesExistingPlans(t *testing.T) {
	t.Parallel()
	cache, _, dir := newTestCache(t)
	key := Key{ProjectID: 4, TemplateID: 5, TaskID: 6}
	if _, err := cache.Put(t.Context(), key, strings.NewReader("persisted")); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "garbage.plan.zst"), []byte("x"), 0o600)
	os.WriteFile(filepath.Join(dir, Key{TaskID: 7}.fileName()), []byte("short"), 0o600)

	reopened, err := New(Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("indexed %d plans", reopened.Len())
	}
	var out bytes.Buffer
	if err := reopened.WriteTo(t.Context(), key, &out); err != nil || out.String() != "persisted" {
		t.Fatalf("WriteTo = %q, %v", out.String(), err)
	}
	if _, err := os.Stat(filepath.Join(dir, "garbage.plan.zst")); !os.IsNotExist(err) {
		t.Fatal("garbage file kept")
	}
}
