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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hookvisor/hookvisor/pkg/pagetables"
)

// fakeBacking mirrors pagetables' own test fixture; duplicated here
// (rather than exported from pagetables) because it is test-only
// plumbing specific to exercising the hook engine's use of NPT, not a
// general-purpose pagetables helper.
type fakeBacking struct {
	next  uintptr
	pages map[uintptr]*pagetables.Table
}

func newFakeBacking() *fakeBacking {
	return &fakeBacking{next: 0x1000, pages: make(map[uintptr]*pagetables.Table)}
}

func (b *fakeBacking) NewPage() (uintptr, *pagetables.Table) {
	pa := b.next
	b.next += 0x1000
	t := &pagetables.Table{}
	b.pages[pa] = t
	return pa, t
}

func (b *fakeBacking) Lookup(pa uintptr) *pagetables.Table {
	t, ok := b.pages[pa]
	if !ok {
		panic("fakeBacking: unmapped physical address")
	}
	return t
}

// identityPool hands out fresh pages unconditionally; used in place of
// a size-bounded PreAllocPool for the RAM-mapping scaffolding tests
// build before exercising the engine.
type identityPool struct{ b *fakeBacking }

func (p identityPool) Acquire() (uintptr, *pagetables.Table, error) {
	pa, t := p.b.NewPage()
	return pa, t, nil
}

func buildTestHookData(t *testing.T, registry *Registry, pages ...uintptr) (*HookData, *fakeBacking) {
	t.Helper()
	b := newFakeBacking()
	npt := pagetables.New(b)
	for _, pa := range pages {
		if _, err := npt.Build(pa, identityPool{b}); err != nil {
			t.Fatalf("Build(%#x): %v", pa, err)
		}
	}
	pool := NewPreAllocPool(8, func(slot int) (uintptr, *pagetables.Table) {
		return b.NewPage()
	})
	return &HookData{NPT: npt, Pool: pool, MaxPDPTIdx: 0, State: Off}, b
}

func newTestRegistryWithOneHook() (*Registry, *HookEntry) {
	r := NewRegistry()
	e := &HookEntry{
		Name:       "TestHookedFunction",
		HookVA:     0x0010_0040,
		Handler:    0xdead_beef_0000,
		OrigPagePA: 0x0010_0000,
		ExecPagePA: 0x0010_1000,
	}
	r.entries = append(r.entries, e)
	r.shared[e.OrigPagePA] = &SharedPageResource{OrigPagePA: e.OrigPagePA, ExecPagePA: e.ExecPagePA}
	return r, e
}

func newTestRegistryWithTwoHooks() (*Registry, *HookEntry, *HookEntry) {
	r := NewRegistry()
	a := &HookEntry{
		Name:       "TestHookedFunctionA",
		HookVA:     0x0010_0040,
		Handler:    0xdead_beef_0000,
		OrigPagePA: 0x0010_0000,
		ExecPagePA: 0x0010_1000,
	}
	b := &HookEntry{
		Name:       "TestHookedFunctionB",
		HookVA:     0x0020_0040,
		Handler:    0xdead_beef_1000,
		OrigPagePA: 0x0020_0000,
		ExecPagePA: 0x0020_1000,
	}
	r.entries = append(r.entries, a, b)
	r.shared[a.OrigPagePA] = &SharedPageResource{OrigPagePA: a.OrigPagePA, ExecPagePA: a.ExecPagePA}
	r.shared[b.OrigPagePA] = &SharedPageResource{OrigPagePA: b.OrigPagePA, ExecPagePA: b.ExecPagePA}
	return r, a, b
}

func TestEnableHooksSetsLeafNX(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA)
	eng := NewEngine(registry, data)

	if err := eng.EnableHooks(); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if data.State != HookArmedInvisible {
		t.Fatalf("state = %v, want HookArmedInvisible", data.State)
	}
	if !data.NPT.Find(hookEntry.OrigPagePA).NX() {
		t.Fatalf("hook leaf should be NX after EnableHooks")
	}
}

func TestEnableHooksRejectsNonOffState(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA)
	data.State = HookArmedInvisible

	eng := NewEngine(registry, data)
	if err := eng.EnableHooks(); err == nil {
		t.Fatalf("expected error calling EnableHooks from non-Off state")
	}
}

func TestExecFaultOnHookPageTransitionsTo2(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA)
	eng := NewEngine(registry, data)

	if err := eng.EnableHooks(); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if err := eng.ExecFault(uintptr(hookEntry.HookVA)); err != nil {
		t.Fatalf("ExecFault: %v", err)
	}

	if data.State != HookExecVisible {
		t.Fatalf("state = %v, want HookExecVisible", data.State)
	}
	if data.ActiveHook != hookEntry {
		t.Fatalf("ActiveHook not set to the faulting entry")
	}
	leaf := data.NPT.Find(hookEntry.OrigPagePA)
	if leaf.NX() {
		t.Fatalf("active hook leaf should be executable (NX=0) once visible")
	}
	if leaf.Address() != hookEntry.ExecPagePA {
		t.Fatalf("active hook leaf PFN = %#x, want exec page %#x", leaf.Address(), hookEntry.ExecPagePA)
	}
}

func TestExecFaultOffHookPageTransitionsBackTo1(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	const otherPage = 0x0020_0000
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA, otherPage)
	eng := NewEngine(registry, data)

	if err := eng.EnableHooks(); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if err := eng.ExecFault(uintptr(hookEntry.HookVA)); err != nil {
		t.Fatalf("ExecFault (1->2): %v", err)
	}
	if err := eng.ExecFault(otherPage); err != nil {
		t.Fatalf("ExecFault (2->1): %v", err)
	}

	if data.State != HookArmedInvisible {
		t.Fatalf("state = %v, want HookArmedInvisible", data.State)
	}
	if data.ActiveHook != nil {
		t.Fatalf("ActiveHook should be nil after returning to HookArmedInvisible")
	}
	leaf := data.NPT.Find(hookEntry.OrigPagePA)
	if !leaf.NX() {
		t.Fatalf("hook leaf should be re-armed NX after 2->1")
	}
	if leaf.Address() != hookEntry.OrigPagePA {
		t.Fatalf("hook leaf should be repointed at original backing after 2->1, got %#x", leaf.Address())
	}
	if otherLeaf := data.NPT.Find(otherPage); otherLeaf.NX() {
		t.Fatalf("non-hook page should be executable again after 2->1")
	}
}

func TestExecFaultCrossesDirectlyFromOneHookPageToAnother(t *testing.T) {
	registry, hookA, hookB := newTestRegistryWithTwoHooks()
	data, _ := buildTestHookData(t, registry, hookA.OrigPagePA, hookA.ExecPagePA, hookB.OrigPagePA, hookB.ExecPagePA)
	eng := NewEngine(registry, data)

	if err := eng.EnableHooks(); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if err := eng.ExecFault(uintptr(hookA.HookVA)); err != nil {
		t.Fatalf("ExecFault into hookA: %v", err)
	}
	if data.ActiveHook != hookA {
		t.Fatalf("ActiveHook = %v, want hookA", data.ActiveHook)
	}

	// A single NPF straight from hookA's page into hookB's, with no
	// intervening non-hook exec, must restore hookA (2->1) and arm hookB
	// (1->2) within this one ExecFault call.
	if err := eng.ExecFault(uintptr(hookB.HookVA)); err != nil {
		t.Fatalf("ExecFault crossing hookA->hookB: %v", err)
	}

	if data.State != HookExecVisible {
		t.Fatalf("state = %v, want HookExecVisible", data.State)
	}
	if data.ActiveHook != hookB {
		t.Fatalf("ActiveHook = %v, want hookB", data.ActiveHook)
	}

	aLeaf := data.NPT.Find(hookA.OrigPagePA)
	if !aLeaf.NX() {
		t.Fatalf("outgoing hook A leaf should be re-armed NX after the cross-jump")
	}
	if aLeaf.Address() != hookA.OrigPagePA {
		t.Fatalf("outgoing hook A leaf should be repointed at its original backing, got %#x", aLeaf.Address())
	}

	bLeaf := data.NPT.Find(hookB.OrigPagePA)
	if bLeaf.NX() {
		t.Fatalf("incoming hook B leaf should be executable (NX=0)")
	}
	if bLeaf.Address() != hookB.ExecPagePA {
		t.Fatalf("incoming hook B leaf should be repointed at its exec backing, got %#x", bLeaf.Address())
	}
}

func TestRoundTripOffArmedOffIsByteIdentical(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	const otherPage = 0x0030_0000
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA, otherPage)
	eng := NewEngine(registry, data)

	before := data.NPT.Walk(hookEntry.OrigPagePA)

	if err := eng.EnableHooks(); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if err := eng.DisableHooks(); err != nil {
		t.Fatalf("DisableHooks: %v", err)
	}

	if data.State != Off {
		t.Fatalf("state = %v, want Off", data.State)
	}
	after := data.NPT.Walk(hookEntry.OrigPagePA)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("NPT walk changed across Off->Armed->Off (-before +after):\n%s", diff)
	}
}

func TestDisableHooksWhileExecVisibleIsRejected(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA)
	eng := NewEngine(registry, data)

	if err := eng.EnableHooks(); err != nil {
		t.Fatalf("EnableHooks: %v", err)
	}
	if err := eng.ExecFault(uintptr(hookEntry.HookVA)); err != nil {
		t.Fatalf("ExecFault: %v", err)
	}
	if err := eng.DisableHooks(); err == nil {
		t.Fatalf("expected DisableHooks to reject HookExecVisible")
	}
}

func TestMMIOFaultBuildsIdentityMapping(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA)
	eng := NewEngine(registry, data)

	const mmioPA = 0xfee0_0000 // a plausible APIC-ish MMIO address.
	if data.NPT.Find(mmioPA) != nil {
		t.Fatalf("precondition: mmioPA should be unmapped")
	}
	if err := eng.MMIOFault(mmioPA); err != nil {
		t.Fatalf("MMIOFault: %v", err)
	}
	leaf := data.NPT.Find(mmioPA)
	if leaf == nil {
		t.Fatalf("MMIOFault should have materialized a leaf for %#x", mmioPA)
	}
	if leaf.NX() {
		t.Fatalf("MMIO identity mapping should be executable (NX=0)")
	}
	if leaf.Address() != mmioPA&^0xfff {
		t.Fatalf("leaf.Address() = %#x, want %#x", leaf.Address(), mmioPA&^0xfff)
	}
}

func TestHandleBreakpointRedirectsOnHookVA(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA)
	eng := NewEngine(registry, data)

	outcome := eng.HandleBreakpoint(hookEntry.HookVA)
	if outcome.Reinject {
		t.Fatalf("expected redirect, not reinject, for a registered hook VA")
	}
	if outcome.RedirectRIP != hookEntry.Handler {
		t.Fatalf("RedirectRIP = %#x, want %#x", outcome.RedirectRIP, hookEntry.Handler)
	}
	if hookEntry.Invocations.Load() != 1 {
		t.Fatalf("Invocations = %d, want 1", hookEntry.Invocations.Load())
	}
}

func TestHandleBreakpointReinjectsOnUnknownRIP(t *testing.T) {
	registry, hookEntry := newTestRegistryWithOneHook()
	data, _ := buildTestHookData(t, registry, hookEntry.OrigPagePA, hookEntry.ExecPagePA)
	eng := NewEngine(registry, data)

	outcome := eng.HandleBreakpoint(0xffff_ffff_0000)
	if !outcome.Reinject {
		t.Fatalf("expected reinject for an address with no registered hook")
	}
}
