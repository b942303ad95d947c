// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts access-key material for a remote runner. A
// runner generates an age X25519 keypair at registration and publishes
// the public half; the server seals each job's key material to that
// recipient so no plaintext is held at rest for an in-flight remote job.
//
// Ciphertext travels as standard base64 inside JSON job payloads.
package sealed

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
)

// Keypair is a runner's registration identity. PrivateKey holds the
// AGE-SECRET-KEY-1... encoding; PublicKey is the age1... recipient.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key.
func (k *Keypair) Close() error {
	return k.PrivateKey.Close()
}

// GenerateKeypair creates a fresh X25519 identity.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	privateKey, err := secret.NewFromString(identity.String())
	if err != nil {
		return nil, fmt.Errorf("protecting age identity: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// ParsePublicKey validates an age1... recipient string.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// Seal encrypts plaintext to recipient and returns base64 ciphertext.
func Seal(plaintext []byte, recipient string) (string, error) {
	parsed, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return "", fmt.Errorf("parsing recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, parsed)
	if err != nil {
		return "", fmt.Errorf("creating age writer: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Open decrypts base64 ciphertext produced by Seal with privateKey,
// which is borrowed and not closed. The caller closes the result.
func Open(ciphertext string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, errors.New("sealed payload is empty")
	}
	return secret.NewFromBytes(plaintext)
}
