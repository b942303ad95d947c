// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package task

// KeyType is the shape of an access key's secret.
type KeyType string

const (
	KeyNone             KeyType = "none"
	KeySSH              KeyType = "ssh"
	KeyLoginPassword    KeyType = "login_password"
	KeyLoginPasswordOTP KeyType = "login_password_otp"
	KeyString           KeyType = "string"
)

// KeyOwner records what an access key belongs to.
type KeyOwner string

const (
	OwnerProject     KeyOwner = "project"
	OwnerUser        KeyOwner = "user"
	OwnerEnvironment KeyOwner = "environment"
)

// StorageKind names the backend that holds an access key's secret.
type StorageKind string

const (
	StorageLocal StorageKind = "local"
	StorageVault StorageKind = "vault"

	// StorageSealed marks key material sealed to a runner's public
	// key inside a job payload.
	StorageSealed StorageKind = "sealed"
)

// AccessKey is a named credential. Secret is opaque outside the
// secret-storage backend named by Storage and is never logged.
type AccessKey struct {
	ID        int64    `json:"id"`
	ProjectID int64    `json:"project_id"`
	Name      string   `json:"name"`
	Type      KeyType  `json:"type"`
	Owner     KeyOwner `json:"owner,omitempty"`

	Storage StorageKind `json:"storage,omitempty"`

	// Secret is ciphertext for local and sealed storage. For vault
	// storage it is empty and StorageRef names the secret path.
	Secret     string `json:"secret,omitempty"`
	StorageRef string `json:"storage_ref,omitempty"`
}

// String keeps Secret out of formatted output.
func (k AccessKey) String() string {
	return "AccessKey(" + k.Name + ", " + string(k.Type) + ")"
}
