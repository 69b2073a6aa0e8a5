// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers provides updater implementations for the parameter
// server. An updater consumes an aggregated gradient and applies it to the
// stored parameter tensor through the engine.
package optimizers

import "github.com/paramserve/paramserve/engine"

// Updater applies the aggregated gradient for key to the stored parameter
// tensor. It runs on the server's serial executor, so implementations never
// observe concurrent invocations.
type Updater func(key int, grad, stored *engine.Tensor)

// SGD returns a stochastic-gradient-descent updater:
// stored ← stored − lr·grad.
func SGD(eng *engine.Engine, lr float64) Updater {
	return func(key int, grad, stored *engine.Tensor) {
		eng.AddScaledInto(grad, stored, -lr)
	}
}
