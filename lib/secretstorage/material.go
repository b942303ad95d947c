// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package secretstorage resolves an access key to its plaintext
// material. Three backends exist:
//
//   - Local: XChaCha20-Poly1305 ciphertext stored with the key, under a
//     key derived by HKDF from the server's configured secret.
//   - Vault: HashiCorp Vault KV v2; the key stores only a path.
//   - Sealed: age ciphertext addressed to a remote runner, produced by
//     the server when it hands a job to that runner.
//
// A Registry dispatches on AccessKey.Storage. Every decrypted value is
// returned in secret.Buffer memory and released by Material.Close.
package secretstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
)

// Decrypter resolves an access key to plaintext material.
type Decrypter interface {
	Decrypt(ctx context.Context, key task.AccessKey) (*Material, error)
}

// Material is the plaintext of one access key. Fields not used by the
// key's type are nil or empty.
type Material struct {
	Type  task.KeyType
	Login string

	Password   *secret.Buffer
	PrivateKey *secret.Buffer
	Passphrase *secret.Buffer

	// Value holds the secret of a KeyString key.
	Value *secret.Buffer
}

// Close releases every buffer. Safe on nil.
func (m *Material) Close() {
	if m == nil {
		return
	}
	for _, buffer := range []*secret.Buffer{m.Password, m.PrivateKey, m.Passphrase, m.Value} {
		buffer.Close()
	}
}

// Payload is the plaintext wire form of material inside local and sealed
// ciphertext.
type Payload struct {
	Login      string `json:"login,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Value      string `json:"value,omitempty"`
}

// Payload returns m in wire form. The strings are heap copies.
func (m *Material) Payload() Payload {
	return Payload{
		Login:      m.Login,
		Password:   bufferString(m.Password),
		PrivateKey: bufferString(m.PrivateKey),
		Passphrase: bufferString(m.Passphrase),
		Value:      bufferString(m.Value),
	}
}

func bufferString(buffer *secret.Buffer) string {
	if buffer == nil {
		return ""
	}
	return buffer.String()
}

// decodeMaterial parses a JSON payload out of plaintext, which it
// closes.
func decodeMaterial(keyType task.KeyType, plaintext *secret.Buffer) (*Material, error) {
	defer plaintext.Close()
	var payload Payload
	if err := json.Unmarshal(plaintext.Bytes(), &payload); err != nil {
		return nil, fmt.Errorf("decoding key payload: %w", err)
	}
	return materialFromPayload(keyType, payload)
}

func materialFromPayload(keyType task.KeyType, payload Payload) (*Material, error) {
	material := &Material{Type: keyType, Login: payload.Login}
	var err error
	assign := func(target **secret.Buffer, value string) {
		if value == "" || err != nil {
			return
		}
		*target, err = secret.NewFromString(value)
	}
	assign(&material.Password, payload.Password)
	assign(&material.PrivateKey, payload.PrivateKey)
	assign(&material.Passphrase, payload.Passphrase)
	assign(&material.Value, payload.Value)
	if err != nil {
		material.Close()
		return nil, err
	}
	if err := validate(material); err != nil {
		material.Close()
		return nil, err
	}
	return material, nil
}

func validate(material *Material) error {
	switch material.Type {
	case task.KeySSH:
		if material.PrivateKey == nil {
			return errors.New("ssh key has no private key")
		}
	case task.KeyLoginPassword, task.KeyLoginPasswordOTP:
		if material.Password == nil && material.Login == "" {
			return errors.New("login_password key is empty")
		}
	case task.KeyString:
		if material.Value == nil {
			return errors.New("string key is empty")
		}
	}
	return nil
}

// Registry routes each key to the backend named by its Storage field.
// An empty Storage means local.
type Registry struct {
	backends map[task.StorageKind]Decrypter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[task.StorageKind]Decrypter)}
}

// Register installs backend for kind, replacing any previous one.
func (r *Registry) Register(kind task.StorageKind, backend Decrypter) {
	r.backends[kind] = backend
}

// Decrypt implements Decrypter.
func (r *Registry) Decrypt(ctx context.Context, key task.AccessKey) (*Material, error) {
	if key.Type == task.KeyNone {
		return &Material{Type: task.KeyNone}, nil
	}
	kind := key.Storage
	if kind == "" {
		kind = task.StorageLocal
	}
	backend, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no secret storage backend %q for key %d", kind, key.ID)
	}
	return backend.Decrypt(ctx, key)
}
