// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile reads and writes small JSON state files atomically.
// A runner keeps its registration here: its ID, its bearer token, and
// the age identity job keys are sealed to.
//
// Writes go to a temporary file in the same directory, are fsynced, and
// are renamed into place, so a reader sees either the old state or the
// new one. Files are created 0600.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
)

// Write atomically replaces path with v encoded as JSON. The parent
// directory is created if missing.
func Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')
	defer secret.Zero(data)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	temporaryPath := path + ".tmp"
	os.Remove(temporaryPath)
	if err := secret.WriteFile(temporaryPath, data, 0o600); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary state file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming state file into place: %w", err)
	}

	// The rename is durable only once the directory entry is flushed.
	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Read decodes the JSON state at path into v. A missing file returns an
// error wrapping os.ErrNotExist.
func Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	defer secret.Zero(data)
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing state file %s: %w", path, err)
	}
	return nil
}

// Clear shreds the state file. A missing file is not an error.
func Clear(path string) error {
	if err := secret.Shred(path); err != nil {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}
