// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package task

// App is the tool family a template runs.
type App string

const (
	AppAnsible    App = "ansible"
	AppTerraform  App = "terraform"
	AppTofu       App = "tofu"
	AppTerragrunt App = "terragrunt"
	AppShell      App = "shell"
)

// IsTerraformFamily reports whether a is terraform, tofu, or terragrunt.
func (a App) IsTerraformFamily() bool {
	return a == AppTerraform || a == AppTofu || a == AppTerragrunt
}

// TemplateType distinguishes plain tasks from the build/deploy pair that
// hands a plan artifact from one template to another.
type TemplateType string

const (
	TemplateTask   TemplateType = ""
	TemplateBuild  TemplateType = "build"
	TemplateDeploy TemplateType = "deploy"
)

// Template is a user-defined recipe. The pool snapshots it at enqueue.
type Template struct {
	ID            int64        `json:"id"`
	ProjectID     int64        `json:"project_id"`
	Name          string       `json:"name"`
	App           App          `json:"app"`
	Type          TemplateType `json:"type,omitempty"`
	RepositoryID  int64        `json:"repository_id"`
	InventoryID   int64        `json:"inventory_id,omitempty"`
	EnvironmentID int64        `json:"environment_id,omitempty"`

	// Playbook is the playbook path for Ansible, the working
	// subdirectory for the terraform family, and the executable for
	// Shell. Paths are relative to the repository root.
	Playbook string `json:"playbook"`

	// Arguments is a JSON list of extra CLI arguments.
	Arguments string `json:"arguments,omitempty"`

	SurveyVars []SurveyVar      `json:"survey_vars,omitempty"`
	Vaults     []TemplateVault  `json:"vaults,omitempty"`
	Terraform  TerraformOptions `json:"terraform,omitzero"`

	// RunnerTag routes the task to a remote runner carrying this tag.
	// Empty means the server runs it in-process.
	RunnerTag string `json:"runner_tag,omitempty"`

	// BuildTemplateID is the Build template whose plan artifact a
	// Deploy template applies.
	BuildTemplateID int64 `json:"build_template_id,omitempty"`
}

// SurveyVar is an input declared by a template and filled at submission.
type SurveyVar struct {
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
	Default  string `json:"default,omitempty"`
}

// TemplateVault binds an ansible vault label to an access key.
type TemplateVault struct {
	Label string `json:"label"`
	KeyID int64  `json:"key_id"`
}

// TerraformOptions are template-level terraform settings.
type TerraformOptions struct {
	// Workspace is selected (or created) after init when set.
	Workspace string `json:"workspace,omitempty"`
}

// Repository is the source a template runs against.
type Repository struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Branch    string `json:"branch,omitempty"`
	SSHKeyID  int64  `json:"ssh_key_id,omitempty"`
}

// InventoryType selects how an inventory reaches ansible.
type InventoryType string

const (
	InventoryStatic     InventoryType = "static"
	InventoryStaticYAML InventoryType = "static-yaml"
	InventoryFile       InventoryType = "file"
	InventoryNone       InventoryType = "none"
)

// Inventory describes the hosts a template targets.
type Inventory struct {
	ID        int64         `json:"id"`
	ProjectID int64         `json:"project_id"`
	Name      string        `json:"name,omitempty"`
	Type      InventoryType `json:"type"`

	// Inventory is the content for static types and a repository
	// relative path for InventoryFile.
	Inventory string `json:"inventory,omitempty"`

	SSHKeyID    int64 `json:"ssh_key_id,omitempty"`
	BecomeKeyID int64 `json:"become_key_id,omitempty"`
}

// Environment carries variables and secrets for a template run.
type Environment struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name,omitempty"`

	// JSON is a JSON object of extra vars.
	JSON string `json:"json,omitempty"`

	// ENV is a JSON object of process environment variables.
	ENV string `json:"env,omitempty"`

	Secrets []EnvironmentSecret `json:"secrets,omitempty"`
}

// SecretType selects where a decrypted environment secret is delivered.
type SecretType string

const (
	SecretVar SecretType = "var"
	SecretEnv SecretType = "env"
)

// EnvironmentSecret references an access key whose value is exposed to
// the job under Name.
type EnvironmentSecret struct {
	Name  string     `json:"name"`
	Type  SecretType `json:"type"`
	KeyID int64      `json:"key_id"`
}
