// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPServerLifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		fmt.Fprintf(writer, "ok")
	})

	server := NewHTTPServer(HTTPServerConfig{
		Address:         "127.0.0.1:0", // OS-assigned port
		Handler:         handler,
		ShutdownTimeout: 2 * time.Second,
		Logger:          logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	select {
	case <-server.Ready():
	case <-t.Context().Done():
		t.Fatal("server did not become ready before test deadline")
	}

	address := server.Addr().String()
	response, err := http.Get("http://" + address + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("GET /test status = %d, want 200", response.StatusCode)
	}
	responseBody, _ := io.ReadAll(response.Body)
	if string(responseBody) != "ok" {
		t.Errorf("GET /test body = %q, want %q", responseBody, "ok")
	}

	cancel()

	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-t.Context().Done():
		t.Fatal("server did not shut down before test deadline")
	}
}

func TestHTTPServerListenError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewHTTPServer(HTTPServerConfig{
		Address: "256.0.0.1:0",
		Handler: http.NotFoundHandler(),
		Logger:  logger,
	})
	if err := server.Serve(t.Context()); err == nil {
		t.Fatal("Serve on an invalid address = nil, want error")
	}
}

func TestHTTPServerPanicsOnMissingConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	tests := []struct {
		name   string
		config HTTPServerConfig
	}{
		{
			name:   "missing_address",
			config: HTTPServerConfig{Handler: handler, Logger: logger},
		},
		{
			name:   "missing_handler",
			config: HTTPServerConfig{Address: ":0", Logger: logger},
		},
		{
			name:   "missing_logger",
			config: HTTPServerConfig{Address: ":0", Handler: handler},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewHTTPServer did not panic")
				}
			}()
			NewHTTPServer(tt.config)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		check      func(context.Context) error
		wantCode   int
		wantStatus string
	}{
		{"no check", nil, http.StatusOK, "ok"},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK, "ok"},
		{"store down", func(context.Context) error { return errors.New("store unavailable") }, http.StatusServiceUnavailable, "store unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			HealthHandler("1.2.3", tt.check).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if recorder.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", recorder.Code, tt.wantCode)
			}
			var health Health
			if err := json.Unmarshal(recorder.Body.Bytes(), &health); err != nil {
				t.Fatal(err)
			}
			if health.Status != tt.wantStatus || health.Version != "1.2.3" {
				t.Errorf("health = %+v", health)
			}
		})
	}
}
