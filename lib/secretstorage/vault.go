// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package secretstorage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexandervashurin/semaphore-sub002/lib/netutil"
	"github.com/alexandervashurin/semaphore-sub002/lib/schema/task"
	"github.com/alexandervashurin/semaphore-sub002/lib/secret"
)

// VaultConfig locates a HashiCorp Vault KV v2 mount.
type VaultConfig struct {
	Address string
	Mount   string

	// Token is borrowed; the caller keeps it open while the backend
	// is in use.
	Token *secret.Buffer

	HTTPClient *http.Client
}

// Vault reads key material from HashiCorp Vault. AccessKey.StorageRef
// is the secret path inside the mount; its data keys map onto Payload
// field names (login, password, private_key, passphrase, value).
type Vault struct {
	address string
	mount   string
	token   *secret.Buffer
	client  *http.Client
}

// NewVault returns a Vault backend.
func NewVault(config VaultConfig) (*Vault, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if config.Token == nil {
		return nil, fmt.Errorf("vault token is required")
	}
	if config.Mount == "" {
		config.Mount = "secret"
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Vault{
		address: strings.TrimRight(config.Address, "/"),
		mount:   strings.Trim(config.Mount, "/"),
		token:   config.Token,
		client:  config.HTTPClient,
	}, nil
}

type vaultKVResponse struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

// Decrypt implements Decrypter.
func (v *Vault) Decrypt(ctx context.Context, key task.AccessKey) (*Material, error) {
	if key.StorageRef == "" {
		return nil, fmt.Errorf("key %d has no vault path", key.ID)
	}
	endpoint := v.address + "/v1/" + v.mount + "/data/" + escapePath(key.StorageRef)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("X-Vault-Token", v.token.String())

	response, err := v.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("reading vault secret: %w", err)
	}
	defer response.Body.Close()
	if err := netutil.CheckResponse(response); err != nil {
		return nil, err
	}

	var decoded vaultKVResponse
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding vault response: %w", err)
	}
	data := decoded.Data.Data
	payload := Payload{
		Login:      data["login"],
		Password:   data["password"],
		PrivateKey: data["private_key"],
		Passphrase: data["passphrase"],
		Value:      data["value"],
	}
	clear(data)
	return materialFromPayload(key.Type, payload)
}

func escapePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
