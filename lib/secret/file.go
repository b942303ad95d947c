// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// WriteFile creates path with mode and writes data into it. The file
// must not already exist.
func WriteFile(path string, data []byte, mode fs.FileMode) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Shred overwrites the contents of path with zeros, syncs, and unlinks
// it. A missing file is not an error. When the overwrite fails the
// unlink is still attempted and the overwrite error is returned.
func Shred(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var overwriteErr error
	if info.Mode().IsRegular() && info.Size() > 0 {
		overwriteErr = overwrite(path, info.Size())
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if overwriteErr != nil {
			return overwriteErr
		}
		return err
	}
	return overwriteErr
}

func overwrite(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s for overwrite: %w", path, err)
	}
	defer file.Close()

	zeros := make([]byte, 4096)
	for remaining := size; remaining > 0; {
		chunk := int64(len(zeros))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := file.Write(zeros[:chunk])
		if err != nil {
			return fmt.Errorf("overwriting %s: %w", path, err)
		}
		remaining -= int64(n)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}
