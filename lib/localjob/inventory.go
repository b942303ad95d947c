// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package localjob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/taskerr"
)

// materializeInventory returns the value for ansible's -i flag, writing
// the inventory under dir/inventory when it has to be a file. An empty
// result means no -i flag.
//
// A static inventory on a single line is passed inline as a host list
// (with the trailing comma ansible needs to tell it from a path).
// Multi-line static content is written as INI, static-yaml content is
// checked to be YAML and written as such, and a file inventory names a
// path inside the repository.
func materializeInventory(dir, repo string, inventory *task.Inventory) (string, error) {
	if inventory == nil || inventory.Type == task.InventoryNone || inventory.Type == "" {
		return "", nil
	}
	content := strings.TrimSpace(inventory.Inventory)

	switch inventory.Type {
	case task.InventoryStatic:
		if content == "" {
			return "", taskerr.Newf(taskerr.InvalidData, "static inventory %q is empty", inventory.Name)
		}
		if !strings.Contains(content, "\n") && !strings.HasPrefix(content, "[") {
			if !strings.HasSuffix(content, ",") {
				content += ","
			}
			return content, nil
		}
		return writeInventory(dir, "inventory.ini", content)

	case task.InventoryStaticYAML:
		var parsed map[string]any
		if err := yaml.Unmarshal([]byte(content), &parsed); err != nil {
			return "", taskerr.New(taskerr.InvalidData, fmt.Errorf("static-yaml inventory %q: %w", inventory.Name, err))
		}
		if len(parsed) == 0 {
			return "", taskerr.Newf(taskerr.InvalidData, "static-yaml inventory %q has no groups", inventory.Name)
		}
		return writeInventory(dir, "inventory.yml", content)

	case task.InventoryFile:
		path, err := repoPath(repo, content, "inventory file")
		if err != nil {
			return "", err
		}
		return path, nil

	default:
		return "", taskerr.Newf(taskerr.InvalidData, "unknown inventory type %q", inventory.Type)
	}
}

func writeInventory(dir, name, content string) (string, error) {
	inventoryDir := filepath.Join(dir, "inventory")
	if err := os.MkdirAll(inventoryDir, 0o700); err != nil {
		return "", taskerr.New("", err)
	}
	path := filepath.Join(inventoryDir, name)
	if err := os.WriteFile(path, []byte(content+"\n"), 0o600); err != nil {
		return "", taskerr.New("", fmt.Errorf("writing inventory: %w", err))
	}
	return path, nil
}
