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

package hook

import (
	"fmt"

	"github.com/hookvisor/hookvisor/pkg/hvlog"
)

// ErrInvariantViolation signals an impossible state observed by the
// engine, fatal by design. Wraps hvlog.ErrInvariantViolation so callers
// can classify it without importing this package.
var ErrInvariantViolation = fmt.Errorf("hook: invariant violation: %w", hvlog.ErrInvariantViolation)

// Engine drives one processor's HookData through its state transitions,
// ported line-for-line from HookVmmCommon.cpp's TransitionNptState1To2 /
// TransitionNtpState2To1 / HandleNestedPageFault /
// HandleBreakPointException.
type Engine struct {
	Registry *Registry
	Data     *HookData
}

// NewEngine binds an Engine to a registry and a freshly constructed
// per-processor HookData, which must already have NPT built 1:1 over
// RAM (CoreInit/PerCpuInit's responsibility, not the engine's).
func NewEngine(r *Registry, d *HookData) *Engine {
	return &Engine{Registry: r, Data: d}
}

// EnableHooks requires State == Off. It sets NX=1 on every registered
// hook page's leaf (original backing, unchanged) and transitions to
// HookArmedInvisible. Ported from EnableHooks in HookVmmCommon.cpp.
func (e *Engine) EnableHooks() error {
	if e.Data.State != Off {
		return fmt.Errorf("%w: EnableHooks called in state %s, want Off", ErrInvariantViolation, e.Data.State)
	}
	for _, h := range e.Registry.Entries() {
		e.Data.NPT.SetLeafNX(h.OrigPagePA, true)
	}
	e.Data.State = HookArmedInvisible
	return nil
}

// DisableHooks reverses EnableHooks. From HookArmedInvisible, it clears
// NX on every hook page and transitions to Off. Calling it from
// HookExecVisible is pathological — the original driver asserts against
// it — so this returns ErrInvariantViolation rather than silently fixing
// up state, and callers are expected to treat that as fatal.
func (e *Engine) DisableHooks() error {
	switch e.Data.State {
	case HookArmedInvisible:
		for _, h := range e.Registry.Entries() {
			e.Data.NPT.SetLeafNX(h.OrigPagePA, false)
		}
		e.Data.State = Off
		return nil
	case HookExecVisible:
		return fmt.Errorf("%w: DisableHooks called while HookExecVisible", ErrInvariantViolation)
	case Off:
		return nil
	default:
		return fmt.Errorf("%w: DisableHooks called in unknown state %v", ErrInvariantViolation, e.Data.State)
	}
}

// MMIOFault services an NPF whose ExitInfo1.Valid == 0: the PA has no
// present NPT entry at all, meaning this is an MMIO access rather than
// an execute-permission violation. It materializes a 1:1 identity
// mapping for the faulting page, drawn from the per-processor
// PreAllocPool, and requests no state change. Ported from the
// !ExitInfo1.Valid branch of HandleNestedPageFault.
func (e *Engine) MMIOFault(faultPA uintptr) error {
	fp := faultPA &^ 0xfff
	if _, err := e.Data.NPT.Build(fp, e.Data.Pool); err != nil {
		return fmt.Errorf("hook: MMIO fault build at %#x: %w", fp, err)
	}
	return nil
}

// ExecFault services an NPF that is an execute-permission violation
// (ExitInfo1.Valid == 1): fp is the faulting page, fp = faultPA &^ 0xfff.
// Ported from the else branch of HandleNestedPageFault, dispatching into
// transition1to2 / transition2to1 according to the current state.
func (e *Engine) ExecFault(faultPA uintptr) error {
	fp := faultPA &^ 0xfff
	target := e.Registry.FindByPhysicalPage(fp)

	if target == nil {
		// Execute from a non-hook page while a hook page is visible:
		// must be the active hook exiting. Anything else is impossible
		// because every other page's NX was never set to begin with.
		if e.Data.State != HookExecVisible || e.Data.ActiveHook == nil {
			return fmt.Errorf("%w: exec fault on non-hook page %#x outside HookExecVisible", ErrInvariantViolation, fp)
		}
		return e.transition2to1()
	}

	switch e.Data.State {
	case HookArmedInvisible:
		if e.Data.ActiveHook != nil {
			return fmt.Errorf("%w: HookArmedInvisible with non-nil ActiveHook", ErrInvariantViolation)
		}
		return e.transition1to2(target)
	case HookExecVisible:
		// Exec-jump from one hook page straight into another: restore
		// the outgoing hook first, then arm the new one.
		if err := e.transition2to1(); err != nil {
			return err
		}
		return e.transition1to2(target)
	default:
		return fmt.Errorf("%w: exec fault on hook page %#x in state %s", ErrInvariantViolation, fp, e.Data.State)
	}
}

// transition1to2 performs "1→2": bulk-toggle the whole address space
// NX=1, then make target's leaf executable and re-point it at the exec
// backing, then mark target active. Ported from TransitionNptState1To2.
// The bulk toggle and the leaf re-point are kept as two sequential steps
// rather than being coalesced, following the original's structure; the
// guest, with GIF=0 throughout, never observes the intermediate all-NX
// state between them.
func (e *Engine) transition1to2(target *HookEntry) error {
	for ppe := 0; ppe <= e.Data.MaxPDPTIdx; ppe++ {
		e.Data.NPT.BulkToggle(ppe, true)
	}
	e.Data.NPT.SetLeafNX(target.OrigPagePA, false)
	if !e.Data.NPT.SetLeafPFN(target.OrigPagePA, target.ExecPagePA) {
		return fmt.Errorf("%w: no NPT leaf for hook page %#x", ErrInvariantViolation, target.OrigPagePA)
	}

	e.Data.ActiveHook = target
	e.Data.State = HookExecVisible
	return nil
}

// transition2to1 performs "2→1": bulk-toggle the whole address space
// executable (restoring any sibling masks under the active hook's page),
// re-arm every registered hook with a plain leaf NX=1, re-point the
// outgoing active hook's leaf back to its original backing, then clear
// ActiveHook and return to HookArmedInvisible. Ported from
// TransitionNtpState2To1.
func (e *Engine) transition2to1() error {
	active := e.Data.ActiveHook
	if active == nil {
		return fmt.Errorf("%w: transition2to1 with nil ActiveHook", ErrInvariantViolation)
	}

	for ppe := 0; ppe <= e.Data.MaxPDPTIdx; ppe++ {
		e.Data.NPT.BulkToggle(ppe, false)
	}
	for _, h := range e.Registry.Entries() {
		e.Data.NPT.SetLeafNX(h.OrigPagePA, true)
	}

	if !e.Data.NPT.SetLeafPFN(active.OrigPagePA, active.OrigPagePA) {
		return fmt.Errorf("%w: no NPT leaf for outgoing hook page %#x", ErrInvariantViolation, active.OrigPagePA)
	}

	e.Data.ActiveHook = nil
	e.Data.State = HookArmedInvisible
	return nil
}

// BreakpointOutcome tells the caller (the exit dispatcher) what to do
// after HandleBreakpoint returns.
type BreakpointOutcome struct {
	// RedirectRIP is non-zero when rip landed on a registered hook;
	// the dispatcher should set guest RIP to this address and resume
	// without re-injecting anything.
	RedirectRIP uint64
	// Reinject is true when the breakpoint did not correspond to a
	// hook: the dispatcher must re-inject #BP and advance RIP to nrip.
	Reinject bool
}

// HandleBreakpoint looks up rip in the registry. If it matches a
// registered hook's HookVA, the outcome carries that hook's Handler
// address for the dispatcher to redirect into, and the hook's
// invocation counter is incremented. Otherwise the breakpoint belongs
// to the guest itself and must be re-injected. Ported from
// HandleBreakPointException.
func (e *Engine) HandleBreakpoint(rip uint64) BreakpointOutcome {
	if h := e.Registry.FindByAddress(rip); h != nil {
		h.Invocations.Add(1)
		return BreakpointOutcome{RedirectRIP: h.Handler}
	}
	return BreakpointOutcome{Reinject: true}
}
