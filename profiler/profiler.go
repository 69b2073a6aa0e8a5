// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package profiler is the target of the control plane's profiler commands:
// configuration, state transitions, pause/resume and dump requests arriving
// from the training frontend.
package profiler

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Command enumerates the profiler sub-commands, encoded as the last byte of
// a SetProfilerParams control body.
type Command int

const (
	// CommandSetConfig carries a "key:value,key:value" configuration list.
	CommandSetConfig Command = iota
	// CommandState sets the running state (0 stopped, 1 running).
	CommandState
	// CommandPause pauses (1) or resumes (0) collection.
	CommandPause
	// CommandDump writes collected profiles out.
	CommandDump
)

// Profiler holds the server-side profiler configuration and state.
type Profiler struct {
	rank int

	mu      sync.Mutex
	config  map[string]string
	running bool
	paused  bool
}

// New returns a stopped profiler for the server with the given rank.
func New(rank int) *Profiler {
	return &Profiler{rank: rank, config: make(map[string]string)}
}

// SetConfig parses a "key:value,key:value" configuration list. A "filename"
// value is prefixed with "rank<r>_" so per-server dumps do not collide.
func (p *Profiler) SetConfig(params string) error {
	parsed := make(map[string]string)
	for _, elem := range strings.Split(params, ",") {
		parts := strings.SplitN(elem, ":", 2)
		if len(parts) != 2 {
			return errors.Errorf("improper profiler config %q", elem)
		}
		if parts[0] == "" {
			return errors.Errorf("profiler config parameter is empty in %q", elem)
		}
		if parts[1] == "" {
			return errors.Errorf("profiler config value is empty for parameter %q", parts[0])
		}
		parsed[parts[0]] = parts[1]
	}
	if filename, found := parsed["filename"]; found {
		parsed["filename"] = "rank" + strconv.Itoa(p.rank) + "_" + filename
	}
	p.mu.Lock()
	p.config = parsed
	p.mu.Unlock()
	klog.V(1).Infof("profiler configured: %v", parsed)
	return nil
}

// SetState starts (1) or stops (0) the profiler.
func (p *Profiler) SetState(code int) {
	p.mu.Lock()
	p.running = code != 0
	p.mu.Unlock()
	klog.V(1).Infof("profiler state set to %d", code)
}

// Pause pauses (1) or resumes (0) collection.
func (p *Profiler) Pause(code int) {
	p.mu.Lock()
	p.paused = code != 0
	p.mu.Unlock()
	klog.V(1).Infof("profiler pause set to %d", code)
}

// Dump writes out the collected profile. The in-process profiler has no
// collection backend, so the dump is a log line carrying the configuration.
func (p *Profiler) Dump(code int) {
	p.mu.Lock()
	keys := maps.Keys(p.config)
	p.mu.Unlock()
	klog.Infof("profiler dump (finished=%d), configured keys: %v", code, keys)
}

// Running reports whether the profiler is started and not paused.
func (p *Profiler) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.paused
}

