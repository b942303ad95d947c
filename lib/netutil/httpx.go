// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response handling for the engine's JSON
// clients: the remote runner talking to the server and the server
// talking to HashiCorp Vault.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxResponseSize caps JSON response body reads. Job payloads carry a
// full template snapshot with sealed keys, which stays far below this.
const MaxResponseSize int64 = 32 << 20

// maxErrorBody caps the body excerpt kept in an HTTPError.
const maxErrorBody = 4 << 10

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(e.Body))
}

// CheckResponse returns an *HTTPError for a non-2xx response and nil
// otherwise. The body is consumed only on error.
func CheckResponse(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return &HTTPError{
		Method:     response.Request.Method,
		URL:        response.Request.URL.Redacted(),
		StatusCode: response.StatusCode,
		Body:       ErrorBody(response.Body),
	}
}

// DecodeResponse reads at most MaxResponseSize bytes of body and decodes
// them as JSON into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads a short excerpt of an error response for diagnostics.
// Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return string(data)
}
