// Copyright 2026 The Hookvisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the small set of load-time knobs this
// repository exposes, registered against the standard library's flag
// package the way runsc/config registers Config's fields — a plain
// struct plus a RegisterFlags function, no third-party config
// framework, because runsc itself reaches no further than flag for
// this concern.
package config

import "flag"

// Config is the full set of values a load operation needs beyond the
// fixed hook list itself.
type Config struct {
	// PreAllocPoolSize sets the per-CPU pre-allocated NPT page pool's
	// slot count. Exhaustion during fault handling is fatal, so sizing
	// this comfortably above the expected number of concurrent in-flight
	// sub-table allocations matters more than keeping it small.
	PreAllocPoolSize int

	// LogVerbosity selects hvlog's minimum emitted level.
	LogVerbosity string

	// SimArenaBytes sizes the host/sim backend's mmap'd arena when
	// running under the CLI or tests rather than real hardware.
	SimArenaBytes int
}

// Default returns the values this repository ships with absent any
// flag overrides.
func Default() Config {
	return Config{
		PreAllocPoolSize: 50,
		LogVerbosity:     "info",
		SimArenaBytes:    64 * 1024 * 1024,
	}
}

// RegisterFlags registers one flag per field of cfg into flagSet, following
// runsc/config's RegisterFlags shape of one flagSet.Type call per field.
func RegisterFlags(flagSet *flag.FlagSet, cfg *Config) {
	d := Default()
	flagSet.IntVar(&cfg.PreAllocPoolSize, "prealloc-pool-size", d.PreAllocPoolSize, "slot count of the per-CPU pre-allocated NPT page pool.")
	flagSet.StringVar(&cfg.LogVerbosity, "log-verbosity", d.LogVerbosity, "minimum log level emitted: debug, info, warn, or error.")
	flagSet.IntVar(&cfg.SimArenaBytes, "sim-arena-bytes", d.SimArenaBytes, "size in bytes of the host/sim backend's simulated physical memory arena.")
}
