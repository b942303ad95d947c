// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the engine's CBOR configuration.
//
// JSON is the format of everything a person or another system reads:
// the runner HTTP API bodies, configuration, and task records returned
// to API callers. CBOR is used where the engine talks to itself: entity
// blobs in the SQLite store and the compressed log record stream a
// runner uploads.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always produces the same bytes:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For streams:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
//
// # Struct tags
//
// Types shared with the JSON surface carry only `json` tags;
// fxamacker/cbor falls back to them when no `cbor` tag is present.
// Records sent in bulk (task.LogRecord) also carry `cbor:"n,keyasint"`
// tags so each record encodes with integer keys.
package codec
