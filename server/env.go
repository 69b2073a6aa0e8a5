// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

package server

import (
	"os"
	"strconv"

	"k8s.io/klog/v2"
)

// Environment toggles read once at server construction.
const (
	// EnvEnableLeMethod switches the server into the peer-to-peer
	// model-distribution mode.
	EnvEnableLeMethod = "ENABLE_LEMETHOD"

	// EnvEnableTSEngine enables early push acknowledgement with auto-pull
	// model publication.
	EnvEnableTSEngine = "ENABLE_TSENGINE"

	// EnvRowSparseVerbose enables per-request logging on the data plane.
	EnvRowSparseVerbose = "MXNET_KVSTORE_DIST_ROW_SPARSE_VERBOSE"
)

// envBool reads a boolean environment toggle. Unset means false; a value
// strconv.ParseBool rejects is logged and treated as false.
func envBool(name string) bool {
	value := os.Getenv(name)
	if value == "" {
		return false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		klog.Warningf("invalid value %q for $%s, assuming false", value, name)
		return false
	}
	return b
}
