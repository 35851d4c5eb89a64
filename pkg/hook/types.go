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

// Package hook implements the stealth hook registry and per-processor
// state engine described by original_source/SimpleSvmHook's
// HookVmmCommon.cpp: the part of this repository that decides, on every
// nested-page-fault and breakpoint exit, which physical page currently
// backs a hooked virtual address and whether that page is executable.
package hook

import (
	"sync/atomic"

	"github.com/hookvisor/hookvisor/pkg/pagetables"
)

// State is one of the three NPT-visibility states a per-processor
// HookData can be in.
type State int

const (
	// Off: every hook page executes from its original backing, NX=0
	// everywhere (the pre-virtualization appearance).
	Off State = iota
	// HookArmedInvisible: every hook page's leaf is NX=1 (orig backing);
	// every other mapped page remains executable.
	HookArmedInvisible
	// HookExecVisible: exactly one hook page (ActiveHook) is executable
	// and backed by its exec copy; every other mapped page, hook or not,
	// is NX=1.
	HookExecVisible
)

func (s State) String() string {
	switch s {
	case Off:
		return "Off"
	case HookArmedInvisible:
		return "HookArmedInvisible"
	case HookExecVisible:
		return "HookExecVisible"
	default:
		return "State(?)"
	}
}

// HookEntry is one immutable, load-time-registered hook. Multiple
// entries may share OrigPagePA/ExecPagePA when they target the same 4
// KiB page.
type HookEntry struct {
	Name string

	HookVA        uint64 // Not page-aligned.
	Handler       uint64 // Address the #BP handler redirects RIP to.
	OriginalCall  uint64 // Address of the trampoline stub.
	OrigPagePA    uintptr
	ExecPagePA    uintptr
	InsnLen       int

	// Invocations counts how many times the #BP path has redirected
	// into Handler for this entry. Observability-only supplement
	// (original_source's kernel handlers keep similar per-hook counters,
	// e.g. g_ZwQuerySystemInformationCounter, for diagnostics), never
	// read by the state machine itself.
	Invocations atomic.Uint64
}

// SharedPageResource is the one-per-distinct-hooked-page resource the
// registry allocates: the exec copy, and the pin/binding for the
// original page. Multiple HookEntry values may point at the same
// SharedPageResource's OrigPagePA/ExecPagePA.
type SharedPageResource struct {
	OrigPagePA uintptr
	ExecPagePA uintptr
	ExecBytes  [4096]byte // Private copy of the page with 0xCC stamped in.
}

// PreAllocPool is a small fixed-size reserve of zeroed pages a
// per-processor HookData draws from when PageTables.Build must materialize
// a new interior table while handling an NPF. Exhaustion is fatal because
// there is no safe way to suspend the faulting guest instruction.
//
// The pool does not keep its own table storage: each slot's physical
// address and in-process Table handle must come from the same Backing
// that the owning PageTables resolves addresses through, via paOf.
// Handing back a table the Backing doesn't know pa as would orphan it:
// later Lookup(pa) calls resolve to whatever the Backing actually
// registered at pa, not the table this pool returned.
type PreAllocPool struct {
	size int
	paOf func(slot int) (uintptr, *pagetables.Table)
	used atomic.Int32
}

// NewPreAllocPool builds a pool of size slots, addressed via paOf, a
// function mapping a pool slot index to the physical address and Table
// handle the host collaborator's Backing reserved for it (typically by
// calling that Backing's NewPage once per slot). The pool does not
// itself own a physical address space; host/sim supplies one.
func NewPreAllocPool(size int, paOf func(slot int) (uintptr, *pagetables.Table)) *PreAllocPool {
	return &PreAllocPool{size: size, paOf: paOf}
}

// Acquire implements pagetables.PageSource. It hands out the next
// unused pool slot, or pagetables.ErrPoolExhausted once all slots are
// consumed.
func (p *PreAllocPool) Acquire() (uintptr, *pagetables.Table, error) {
	slot := p.used.Add(1) - 1
	if int(slot) >= p.size {
		p.used.Add(-1)
		return 0, nil, pagetables.ErrPoolExhausted
	}
	pa, t := p.paOf(int(slot))
	return pa, t, nil
}

// Used reports the number of slots consumed so far.
func (p *PreAllocPool) Used() int { return int(p.used.Load()) }

// Capacity reports the pool's fixed size.
func (p *PreAllocPool) Capacity() int { return p.size }

// HookData is the per-processor owner of the NPT hierarchy, the
// pre-allocated pool, the current State, and the currently-visible hook
// entry, if any. Invariant: ActiveHook != nil iff State == HookExecVisible.
type HookData struct {
	NPT        *pagetables.PageTables
	Pool       *PreAllocPool
	MaxPDPTIdx int

	State      State
	ActiveHook *HookEntry
}
