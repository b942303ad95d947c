// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact is the per-project cache of terraform plan files
// that Build tasks hand to Deploy tasks. Each plan is stored
// zstd-compressed under a header carrying the BLAKE3 digest of the
// uncompressed bytes; every load is verified against it.
//
// A plan lives until the last Deploy task that loaded it has finished
// and no other load is in progress, and never longer than MaxAge after
// it was stored.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/alexandervashurin/semaphore-sub002/lib/clock"
)

const (
	// DefaultMaxAge bounds the life of a plan regardless of use.
	DefaultMaxAge = 24 * time.Hour

	// SweepInterval is how often Run expires plans.
	SweepInterval = time.Minute
)

// ErrNotFound is returned when no plan exists for a key.
var ErrNotFound = errors.New("plan artifact not found")

// ErrCorrupt is returned when a stored plan does not match its digest.
var ErrCorrupt = errors.New("plan artifact digest mismatch")

// Key names the Build task that produced a plan.
type Key struct {
	ProjectID  int64
	TemplateID int64
	TaskID     int64
}

func (k Key) fileName() string {
	return fmt.Sprintf("p%d_t%d_k%d.plan.zst", k.ProjectID, k.TemplateID, k.TaskID)
}

func parseFileName(name string) (Key, bool) {
	var key Key
	n, err := fmt.Sscanf(name, "p%d_t%d_k%d.plan.zst", &key.ProjectID, &key.TemplateID, &key.TaskID)
	return key, err == nil && n == 3 && key.fileName() == name
}

// Config configures a Cache.
type Config struct {
	Dir    string
	Clock  clock.Clock
	MaxAge time.Duration
	Logger *slog.Logger
}

// Cache stores plan artifacts on disk.
type Cache struct {
	dir    string
	clock  clock.Clock
	maxAge time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
}

type entry struct {
	digest   Digest
	size     int64
	created  time.Time
	refs     int
	released time.Time
}

// New opens the cache directory, creating it if needed, and indexes
// the plans already in it. Unreadable files are removed.
func New(config Config) (*Cache, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	c := &Cache{
		dir:     config.Dir,
		clock:   config.Clock,
		maxAge:  config.MaxAge,
		logger:  config.Logger,
		entries: make(map[Key]*entry),
	}

	dirEntries, err := os.ReadDir(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading artifact directory: %w", err)
	}
	for _, dirEntry := range dirEntries {
		path := filepath.Join(config.Dir, dirEntry.Name())
		key, ok := parseFileName(dirEntry.Name())
		if !ok {
			// Leftover temporary files from an interrupted Put.
			os.Remove(path)
			continue
		}
		digest, info, err := readHeader(path)
		if err != nil {
			c.logger.Warn("discarding unreadable plan artifact", "path", path, "error", err)
			os.Remove(path)
			continue
		}
		c.entries[key] = &entry{digest: digest, size: info.Size(), created: info.ModTime()}
	}
	return c, nil
}

// Put stores the plan read from r under key, replacing any previous
// plan for the same key.
func (c *Cache) Put(ctx context.Context, key Key, r io.Reader) (Digest, error) {
	temporary, err := os.CreateTemp(c.dir, ".put-*")
	if err != nil {
		return Digest{}, fmt.Errorf("creating plan file: %w", err)
	}
	defer os.Remove(temporary.Name())
	defer temporary.Close()

	if _, err := temporary.Write(make([]byte, headerSize)); err != nil {
		return Digest{}, err
	}
	hasher := newHasher()
	encoder, err := zstd.NewWriter(temporary, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(io.MultiWriter(encoder, hasher), contextReader{ctx, r}); err != nil {
		encoder.Close()
		return Digest{}, fmt.Errorf("compressing plan: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return Digest{}, fmt.Errorf("compressing plan: %w", err)
	}
	digest := sum(hasher)
	if _, err := temporary.WriteAt(encodeHeader(digest), 0); err != nil {
		return Digest{}, err
	}
	if err := temporary.Sync(); err != nil {
		return Digest{}, err
	}
	info, err := temporary.Stat()
	if err != nil {
		return Digest{}, err
	}
	if err := temporary.Close(); err != nil {
		return Digest{}, err
	}
	if err := os.Rename(temporary.Name(), filepath.Join(c.dir, key.fileName())); err != nil {
		return Digest{}, fmt.Errorf("publishing plan: %w", err)
	}

	c.mu.Lock()
	c.entries[key] = &entry{digest: digest, size: info.Size(), created: c.clock.Now()}
	c.mu.Unlock()
	c.logger.Info("stored plan artifact", "project_id", key.ProjectID, "template_id", key.TemplateID,
		"task_id", key.TaskID, "digest", digest.String(), "compressed_bytes", info.Size())
	return digest, nil
}

// Store stores the plan file at path.
func (c *Cache) Store(ctx context.Context, key Key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = c.Put(ctx, key, file)
	return err
}

// Acquire marks key as in use by a Deploy task and returns the release
// function to call when the task ends. The plan is not expired while
// acquired, except by MaxAge.
func (c *Cache) Acquire(key Key) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	e.refs++
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e.refs--
			e.released = c.clock.Now()
		})
	}, nil
}

// WriteTo decompresses the plan for key into w and verifies its digest.
// A corrupt plan is removed from the cache.
func (c *Cache) WriteTo(ctx context.Context, key Key, w io.Writer) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	path := filepath.Join(c.dir, key.fileName())
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer file.Close()
	if _, err := file.Seek(int64(headerSize), io.SeekStart); err != nil {
		return err
	}
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return err
	}
	defer decoder.Close()

	hasher := newHasher()
	if _, err := io.Copy(io.MultiWriter(w, hasher), contextReader{ctx, decoder}); err != nil {
		return fmt.Errorf("decompressing plan: %w", err)
	}
	if sum(hasher) != e.digest {
		c.remove(key)
		return ErrCorrupt
	}
	return nil
}

// Load acquires the plan for key and writes it to path. The returned
// release function must be called when the Deploy task ends.
func (c *Cache) Load(ctx context.Context, key Key, path string) (release func(), err error) {
	release, err = c.Acquire(key)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		release()
		return nil, err
	}
	err = c.WriteTo(ctx, key, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		release()
		os.Remove(path)
		return nil, err
	}
	return release, nil
}

// Sweep removes expired plans and returns how many it removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	var expired []Key
	for key, e := range c.entries {
		switch {
		case now.Sub(e.created) >= c.maxAge:
			expired = append(expired, key)
		case e.refs == 0 && !e.released.IsZero():
			expired = append(expired, key)
		}
	}
	c.mu.Unlock()

	for _, key := range expired {
		c.remove(key)
	}
	return len(expired)
}

// Run sweeps every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.Info("expired plan artifacts", "count", removed)
			}
		}
	}
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) remove(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if err := os.Remove(filepath.Join(c.dir, key.fileName())); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("removing plan artifact", "error", err)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
