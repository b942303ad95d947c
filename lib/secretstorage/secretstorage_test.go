// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package secretstorage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/sealed"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	local, err := NewLocal([]byte("server-encryption-secret"))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	return local
}

func TestLocalRoundTrip(t *testing.T) {
	t.Parallel()
	local := newLocal(t)
	ciphertext, err := local.Encrypt(5, Payload{Login: "deploy", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	key := task.AccessKey{ID: 5, Type: task.KeyLoginPassword, Secret: ciphertext}
	material, err := local.Decrypt(t.Context(), key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer material.Close()
	if material.Login != "deploy" || material.Password.String() != "s3cret" {
		t.Fatalf("material = %q / %q", material.Login, material.Password.String())
	}
}

func TestLocalCiphertextBoundToKeyID(t *testing.T) {
	t.Parallel()
	local := newLocal(t)
	ciphertext, err := local.Encrypt(5, Payload{Value: "token"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, err = local.Decrypt(t.Context(), task.AccessKey{ID: 6, Type: task.KeyString, Secret: ciphertext})
	if err == nil {
		t.Fatal("ciphertext for key 5 decrypted as key 6")
	}
}

func TestLocalRejectsIncompleteMaterial(t *testing.T) {
	t.Parallel()
	local := newLocal(t)
	ciphertext, err := local.Encrypt(1, Payload{Login: "git"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := local.Decrypt(t.Context(), task.AccessKey{ID: 1, Type: task.KeySSH, Secret: ciphertext}); err == nil {
		t.Fatal("ssh key without private key accepted")
	}
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	local := newLocal(t)
	registry.Register(task.StorageLocal, local)

	none, err := registry.Decrypt(t.Context(), task.AccessKey{ID: 1, Type: task.KeyNone})
	if err != nil || none.Type != task.KeyNone {
		t.Fatalf("none key: %+v, %v", none, err)
	}

	ciphertext, _ := local.Encrypt(2, Payload{Value: "v"})
	material, err := registry.Decrypt(t.Context(), task.AccessKey{ID: 2, Type: task.KeyString, Secret: ciphertext})
	if err != nil {
		t.Fatalf("default backend: %v", err)
	}
	material.Close()

	if _, err := registry.Decrypt(t.Context(), task.AccessKey{ID: 3, Type: task.KeyString, Storage: task.StorageVault}); err == nil {
		t.Fatal("unregistered backend accepted")
	}
}

func TestResealForRunner(t *testing.T) {
	t.Parallel()
	local := newLocal(t)
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	ciphertext, _ := local.Encrypt(9, Payload{PrivateKey: "-----BEGIN KEY-----", Login: "git"})
	original := task.AccessKey{ID: 9, Type: task.KeySSH, Secret: ciphertext}

	resealed, err := Reseal(t.Context(), local, original, keypair.PublicKey)
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if resealed.Storage != task.StorageSealed || resealed.Secret == ciphertext {
		t.Fatalf("resealed = %+v", resealed)
	}

	material, err := NewSealed(keypair.PrivateKey).Decrypt(t.Context(), resealed)
	if err != nil {
		t.Fatalf("Sealed.Decrypt: %v", err)
	}
	defer material.Close()
	if material.PrivateKey.String() != "-----BEGIN KEY-----" || material.Login != "git" {
		t.Fatalf("material = %+v", material.Payload())
	}
}

func TestVaultBackend(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root-token" {
			http.Error(w, "permission denied", http.StatusForbidden)
			return
		}
		if r.URL.EscapedPath() != "/v1/kv/data/project/deploy%20key" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data": map[string]string{"login": "ops", "password": "vault-pass"},
			},
		})
	}))
	defer server.Close()

	token, err := secret.NewFromString("root-token")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer token.Close()
	vault, err := NewVault(VaultConfig{Address: server.URL, Mount: "kv", Token: token})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	material, err := vault.Decrypt(t.Context(), task.AccessKey{ID: 1, Type: task.KeyLoginPassword, StorageRef: "project/deploy key"})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer material.Close()
	if material.Login != "ops" || material.Password.String() != "vault-pass" {
		t.Fatalf("material = %+v", material.Payload())
	}

	if _, err := vault.Decrypt(t.Context(), task.AccessKey{ID: 2, Type: task.KeyString, StorageRef: "missing"}); err == nil {
		t.Fatal("missing secret decrypted")
	}
}
