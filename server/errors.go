// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import "github.com/pkg/errors"

// Error kinds, all fatal to the offending request: the request is logged
// and dropped, never silently swallowed. Invariant violations that leave
// the store in an unknown state panic instead (see package doc).
var (
	// ErrMalformedRequest marks arity violations on keys/lengths, zero
	// unit lengths and payload-size mismatches.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrNotInitialized marks a pull arriving before the key's first push.
	ErrNotInitialized = errors.New("key not initialized")

	// ErrUnsupportedMode marks requests outside the server's current mode:
	// row-sparse or compressed requests under LeMethod, async pushes
	// without an updater, non-float32 compression.
	ErrUnsupportedMode = errors.New("unsupported mode")

	// ErrConfigurationRace marks a SetMultiPrecision command arriving
	// while pushes are underway.
	ErrConfigurationRace = errors.New("configuration changed while pushes are underway")
)
