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

package hvlog

import "errors"

// The error kinds this repository surfaces. A guest-visible fault or
// breakpoint is deliberately not represented here: the engine and
// dispatcher recover from both by injecting an event into the guest
// rather than surfacing a Go error (see hook.Engine.HandleBreakpoint and
// dispatch.Dispatcher.handleMSR).
var (
	// ErrResourceExhaustion covers out-of-memory during NPT
	// construction, pre-alloc pool exhaustion during NPF handling, and
	// trampoline/exec-page allocation failure.
	ErrResourceExhaustion = errors.New("hvlog: resource exhaustion")

	// ErrUnsupportedPrefix covers a trampoline builder match failure or
	// a matched instruction straddling a page boundary.
	ErrUnsupportedPrefix = errors.New("hvlog: unsupported instruction prefix")

	// ErrUnsupportedHost covers a CPU lacking SVM or NP, or VM_CR.SVMDIS
	// being set.
	ErrUnsupportedHost = errors.New("hvlog: unsupported host")

	// ErrInvariantViolation covers an impossible state observed by the
	// engine; fatal by design.
	ErrInvariantViolation = errors.New("hvlog: invariant violation")
)
