// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package taskrunner

import (
	"github.com/alexandervashurin/semaphore-sub002/lib/keyinstall"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
)

// RepositoryBinding returns the git key installation for repository,
// if it names a key. The repository key is installed on its own at
// repo_pull so an authentication retry can replace it.
func RepositoryBinding(repository *task.Repository) (keyinstall.Binding, bool) {
	if repository == nil || repository.SSHKeyID == 0 {
		return keyinstall.Binding{}, false
	}
	return keyinstall.Binding{Role: keyinstall.RoleGit, KeyID: repository.SSHKeyID}, true
}

// Bindings returns the key installations a job needs besides the
// repository key. Inventory keys serve ansible's connection user and
// become; for shell templates the inventory's become key is exposed as
// a password file. Vault keys apply to ansible only.
func Bindings(job task.JobData) []keyinstall.Binding {
	var bindings []keyinstall.Binding
	app := job.Template.App
	if inventory := job.Inventory; inventory != nil {
		switch app {
		case task.AppAnsible:
			if inventory.SSHKeyID != 0 {
				bindings = append(bindings, keyinstall.Binding{Role: keyinstall.RoleAnsibleUser, KeyID: inventory.SSHKeyID})
			}
			if inventory.BecomeKeyID != 0 {
				bindings = append(bindings, keyinstall.Binding{Role: keyinstall.RoleAnsibleBecome, KeyID: inventory.BecomeKeyID})
			}
		case task.AppShell:
			if inventory.BecomeKeyID != 0 {
				bindings = append(bindings, keyinstall.Binding{Role: keyinstall.RoleShellPassword, KeyID: inventory.BecomeKeyID})
			}
		}
	}

	if app == task.AppAnsible {
		for _, vault := range job.Template.Vaults {
			bindings = append(bindings, keyinstall.Binding{Role: keyinstall.RoleVault, KeyID: vault.KeyID, Label: vault.Label})
		}
	}
	return bindings
}
