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

	"golang.org/x/exp/slices"

	"github.com/hookvisor/hookvisor/pkg/host"
	"github.com/hookvisor/hookvisor/pkg/trampoline"
)

// Registry is the fixed, load-time-populated, read-only-after-Register
// set of hook descriptors.
type Registry struct {
	entries []*HookEntry
	shared  map[uintptr]*SharedPageResource // keyed by OrigPagePA.
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{shared: make(map[uintptr]*SharedPageResource)}
}

// Register resolves name to a virtual address via p, builds its
// trampoline, allocates (or reuses, if another hook already targets the
// same page) a SharedPageResource, stamps 0xCC into the exec copy at the
// hook offset, and invalidates instruction caches globally. This is the
// three-step process ported from HookCommon.cpp's per-descriptor loop in
// the original driver's DriverEntry path.
func (r *Registry) Register(p host.Platform, name string, handler uint64) (*HookEntry, error) {
	hookVA, err := p.ResolveKernelSymbol(name)
	if err != nil {
		return nil, fmt.Errorf("hook: resolve %q: %w", name, err)
	}

	bind, err := p.PinAndMapVirtual(hookVA &^ 0xfff)
	if err != nil {
		return nil, fmt.Errorf("hook: pin page for %q: %w", name, err)
	}
	origPagePA := bind.PhysicalAddress
	offset := int(hookVA & 0xfff)

	shared, exists := r.shared[origPagePA]
	if !exists {
		shared = &SharedPageResource{OrigPagePA: origPagePA}
		orig, err := p.ReadPage(origPagePA)
		if err != nil {
			return nil, fmt.Errorf("hook: read original page for %q: %w", name, err)
		}
		copy(shared.ExecBytes[:], orig)

		execPA, err := p.AllocateExecutablePage()
		if err != nil {
			return nil, fmt.Errorf("hook: allocate exec page for %q: %w", name, err)
		}
		shared.ExecPagePA = execPA
		r.shared[origPagePA] = shared
	}

	pageRemaining := 4096 - offset
	stub, insnLen, err := trampoline.BuildAt(shared.ExecBytes[offset:min(offset+trampoline.MaxPatternLen, 4096)], hookVA, pageRemaining)
	if err != nil {
		return nil, fmt.Errorf("hook: %q: %w", name, err)
	}

	shared.ExecBytes[offset] = 0xcc

	originalCallPA, err := p.AllocateExecutablePage()
	if err != nil {
		return nil, fmt.Errorf("hook: allocate trampoline page for %q: %w", name, err)
	}
	if err := p.WritePage(originalCallPA, stub); err != nil {
		return nil, fmt.Errorf("hook: write trampoline for %q: %w", name, err)
	}
	originalCallVA, err := p.MapExecutablePage(originalCallPA)
	if err != nil {
		return nil, fmt.Errorf("hook: map trampoline for %q: %w", name, err)
	}

	if err := p.WritePage(shared.ExecPagePA, shared.ExecBytes[:]); err != nil {
		return nil, fmt.Errorf("hook: write exec page for %q: %w", name, err)
	}
	p.InvalidateAllInstructionCaches()

	entry := &HookEntry{
		Name:         name,
		HookVA:       hookVA,
		Handler:      handler,
		OriginalCall: originalCallVA,
		OrigPagePA:   origPagePA,
		ExecPagePA:   shared.ExecPagePA,
		InsnLen:      insnLen,
	}
	r.entries = append(r.entries, entry)
	slices.SortFunc(r.entries, func(a, b *HookEntry) int {
		switch {
		case a.HookVA < b.HookVA:
			return -1
		case a.HookVA > b.HookVA:
			return 1
		default:
			return 0
		}
	})
	return entry, nil
}

// Entries returns every registered hook, ordered by HookVA, for
// deterministic iteration during EnableHooks/DisableHooks.
func (r *Registry) Entries() []*HookEntry { return r.entries }

// FindByAddress returns the entry whose HookVA equals va, or nil.
func (r *Registry) FindByAddress(va uint64) *HookEntry {
	for _, e := range r.entries {
		if e.HookVA == va {
			return e
		}
	}
	return nil
}

// FindByPhysicalPage returns the entry whose OrigPagePA equals fp (a
// page-aligned physical address), or nil. Multiple entries may share
// fp; the one with the lowest HookVA (first in Entries order) is
// returned, found by a linear scan like FindHookEntryByPhysicalPage's
// in HookVmmCommon.cpp.
func (r *Registry) FindByPhysicalPage(fp uintptr) *HookEntry {
	for _, e := range r.entries {
		if e.OrigPagePA == fp {
			return e
		}
	}
	return nil
}

// SharedPages returns every distinct SharedPageResource this registry
// allocated, in no particular order.
func (r *Registry) SharedPages() []*SharedPageResource {
	out := make([]*SharedPageResource, 0, len(r.shared))
	for _, s := range r.shared {
		out = append(out, s)
	}
	return out
}
