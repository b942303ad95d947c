// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package secretstorage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
)

const localVersion byte = 0x01

var hkdfInfoAccessKey = []byte("semaphore.access_key.v1")

// Local encrypts key material at rest with XChaCha20-Poly1305. Each
// ciphertext is bound to its key ID through the AEAD additional data so
// ciphertexts cannot be swapped between keys.
//
// Layout: base64([version][24-byte nonce][ciphertext+tag]).
type Local struct {
	key *secret.Buffer
}

// NewLocal derives the encryption key from secretValue, which is not
// retained.
func NewLocal(secretValue []byte) (*Local, error) {
	if len(secretValue) == 0 {
		return nil, errors.New("access key encryption secret is empty")
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, secretValue, nil, hkdfInfoAccessKey)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("deriving access key encryption key: %w", err)
	}
	key, err := secret.NewFromBytes(derived)
	if err != nil {
		return nil, err
	}
	return &Local{key: key}, nil
}

// Close releases the derived key.
func (l *Local) Close() error { return l.key.Close() }

// Encrypt seals payload for the access key with keyID.
func (l *Local) Encrypt(keyID int64, payload Payload) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	defer secret.Zero(plaintext)

	aead, err := chacha20poly1305.NewX(l.key.Bytes())
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	output := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	output = append(output, localVersion)
	output = append(output, nonce...)
	output = aead.Seal(output, nonce, plaintext, additionalData(keyID))
	return base64.StdEncoding.EncodeToString(output), nil
}

// Decrypt implements Decrypter.
func (l *Local) Decrypt(_ context.Context, key task.AccessKey) (*Material, error) {
	raw, err := base64.StdEncoding.DecodeString(key.Secret)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	overhead := 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(raw) < overhead {
		return nil, fmt.Errorf("ciphertext is %d bytes, minimum is %d", len(raw), overhead)
	}
	if raw[0] != localVersion {
		return nil, fmt.Errorf("unsupported ciphertext version %d", raw[0])
	}
	aead, err := chacha20poly1305.NewX(l.key.Bytes())
	if err != nil {
		return nil, err
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], additionalData(key.ID))
	if err != nil {
		return nil, fmt.Errorf("authenticating ciphertext: %w", err)
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, err
	}
	return decodeMaterial(key.Type, buffer)
}

func additionalData(keyID int64) []byte {
	data := make([]byte, 1+8)
	data[0] = localVersion
	binary.BigEndian.PutUint64(data[1:], uint64(keyID))
	return data
}
