// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// paramserved runs a parameter-server shard on an in-process loopback
// fabric and drives a small synchronous training simulation against it:
// every simulated worker pushes the same gradient each iteration and the
// first worker also pulls, printing the updated parameter values.
//
// Useful for smoke-testing the aggregation pipeline and for demonstrating
// the wire conventions without a real RPC fabric. The LeMethod and TSEngine
// modes are switched on through the usual environment toggles.
package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/engine"
	"github.com/paramserve/paramserve/optimizers"
	"github.com/paramserve/paramserve/server"
	"github.com/paramserve/paramserve/transport"
)

var (
	flagWorkers    = flag.Int("workers", 2, "Number of simulated workers.")
	flagIterations = flag.Int("iterations", 3, "Training iterations to simulate.")
	flagLR         = flag.Float64("lr", 0.1, "SGD learning rate.")
	flagInit       = flag.String("init", "1,2,3", "Comma-separated initial parameter values.")
	flagGrad       = flag.String("grad", "0.1,0.2,0.3", "Comma-separated gradient pushed by each worker.")
)

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	values := make([]float32, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return nil, err
		}
		values = append(values, float32(v))
	}
	return values, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	initValues := must.M1(parseVector(*flagInit))
	grad := must.M1(parseVector(*flagGrad))
	if len(grad) != len(initValues) {
		klog.Exitf("-init has %d values, -grad has %d; they must match", len(initValues), len(grad))
	}

	fabric := transport.NewLoopback(*flagWorkers, 1024)
	s := server.New(fabric)
	s.SetUpdater(optimizers.SGD(s.Engine(), *flagLR))
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	fabric.PushCommand(int(server.CommandSyncMode), nil)

	const key = 0
	cmd := server.PairType(server.KVDefaultPushPull, dtypes.Float32)
	push := func(payload []float32, pull bool) {
		fabric.PushData(&transport.Meta{Cmd: cmd, Push: true, Pull: pull}, transport.KVPairs{
			Keys: []uint64{key},
			Vals: engine.PackFloat32(payload...),
			Lens: []int{4 * len(payload)},
		})
	}

	push(initValues, false)
	fabric.TakeResponses()
	fmt.Printf("initialized key %d to %v\n", key, initValues)

	for i := 1; i <= *flagIterations; i++ {
		for w := 0; w < *flagWorkers; w++ {
			push(grad, w == 0)
		}
		for _, r := range fabric.TakeResponses() {
			if r.HasKVs {
				fmt.Printf("iteration %d: %v\n", i, engine.UnpackFloat32(r.KVs.Vals))
			}
		}
	}

	fabric.PushCommand(int(server.CommandStopServer), nil)
	<-done
}
