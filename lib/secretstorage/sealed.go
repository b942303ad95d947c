// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package secretstorage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/sealed"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
)

// Reseal decrypts key through source and returns a copy whose secret is
// sealed to recipient, an age public key. The copy has StorageSealed
// and no StorageRef.
func Reseal(ctx context.Context, source Decrypter, key task.AccessKey, recipient string) (task.AccessKey, error) {
	material, err := source.Decrypt(ctx, key)
	if err != nil {
		return task.AccessKey{}, err
	}
	defer material.Close()

	plaintext, err := json.Marshal(material.Payload())
	if err != nil {
		return task.AccessKey{}, err
	}
	defer secret.Zero(plaintext)

	ciphertext, err := sealed.Seal(plaintext, recipient)
	if err != nil {
		return task.AccessKey{}, fmt.Errorf("sealing key %d: %w", key.ID, err)
	}
	key.Storage = task.StorageSealed
	key.Secret = ciphertext
	key.StorageRef = ""
	return key, nil
}

// Sealed opens keys sealed to a runner's registration identity.
type Sealed struct {
	identity *secret.Buffer
}

// NewSealed borrows identity, the runner's age private key.
func NewSealed(identity *secret.Buffer) *Sealed {
	return &Sealed{identity: identity}
}

// Decrypt implements Decrypter.
func (s *Sealed) Decrypt(_ context.Context, key task.AccessKey) (*Material, error) {
	plaintext, err := sealed.Open(key.Secret, s.identity)
	if err != nil {
		return nil, err
	}
	return decodeMaterial(key.Type, plaintext)
}
