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

package pagetables

import (
	"fmt"

	"github.com/hookvisor/hookvisor/pkg/hvlog"
)

// ErrPoolExhausted is returned by Build when its PageSource has no more
// pages to hand out. The hook state engine treats this as fatal for NPF
// handling but Build itself stays a plain error return, leaving the
// bug-check decision to the caller — idiomatic Go prefers returning
// errors over panicking across a package boundary, even where the
// original C++ calls BugCheck directly. Wraps hvlog.ErrResourceExhaustion
// so callers can classify it without importing this package.
var ErrPoolExhausted = fmt.Errorf("pagetables: page source exhausted: %w", hvlog.ErrResourceExhaustion)

// PageSource hands out zeroed, page-aligned physical pages for use as new
// interior nodes. Two distinct sources exist: the at-init allocator
// (fresh pages, unlimited) and the per-CPU PreAllocPool consumed during
// NPF handling (fixed size, exhaustion is fatal).
type PageSource interface {
	// Acquire returns a zeroed page's physical address and its in-process
	// Table handle, or ErrPoolExhausted.
	Acquire() (pa uintptr, t *Table, err error)
}

// Backing resolves a physical address to the in-process Table that
// represents it, and mints fresh physical addresses for newly acquired
// pages. It is the simulation-side stand-in for "physical memory": in a
// real host this resolution is a direct VA=PA+offset computation (the
// original driver's GetVaFromPfn); here it is an explicit map, since this
// repository's NPT engine runs detached from any real physical address
// space.
type Backing interface {
	// Lookup returns the Table backing physical address pa. pa must be
	// page-aligned and previously returned by NewPage.
	Lookup(pa uintptr) *Table
	// NewPage allocates and zeros a fresh page, returning its physical
	// address and Table handle.
	NewPage() (pa uintptr, t *Table)
}

// PageTables owns one 4-level NPT hierarchy rooted at a PML4 page. It
// does not itself decide permissions; Find/Build are the plain
// walk/materialize primitives, and SetLeafNX/BulkToggle (permission.go)
// are the AMD-NX-specific mutators built on top of them.
type PageTables struct {
	backing Backing
	RootPA  uintptr
	Root    *Table

	// MaxPDPTIndex is not set by this package or by vmm; the bound on
	// PDPT entries passed to BulkToggle is kept in hook.HookData.MaxPDPTIdx.
	MaxPDPTIndex int

	nodesAllocated int
	leavesMapped   int
}

// TableStats is a snapshot of how much of the hierarchy has been built,
// for status reporting.
type TableStats struct {
	NodesAllocated int
	LeavesMapped   int
}

// Stats returns the current node/leaf counts. Cheap: just reads the two
// counters step/Build maintain as they materialize the hierarchy.
func (pt *PageTables) Stats() TableStats {
	return TableStats{NodesAllocated: pt.nodesAllocated, LeavesMapped: pt.leavesMapped}
}

// New allocates an empty PML4 and returns the NPT root for it.
func New(backing Backing) *PageTables {
	pa, root := backing.NewPage()
	return &PageTables{backing: backing, RootPA: pa, Root: root, nodesAllocated: 1}
}

// freshSource adapts a Backing into a PageSource that always allocates a
// brand new page; used during the initial 1:1 identity-map construction
// in PerCpuInit, where there is no pre-allocated pool yet.
type freshSource struct{ b Backing }

func (f freshSource) Acquire() (uintptr, *Table, error) {
	pa, t := f.b.NewPage()
	return pa, t, nil
}

// FreshSource returns a PageSource drawing directly from backing,
// unbounded, for use outside of NPF handling.
func (pt *PageTables) FreshSource() PageSource { return freshSource{pt.backing} }

// Find walks PML4->PDPT->PD->PT for pa and returns the leaf PTE, or nil
// if any interior entry along the walk is not present. No allocation is
// performed. Grounded on OperateOnNestedPageTables(..., FindOperation).
func (pt *PageTables) Find(pa uintptr) *PTE {
	pxe, ppe, pde, pteIdx := indices(pa)

	pml4e := &pt.Root[pxe]
	if !pml4e.Valid() {
		return nil
	}
	pdpt := pt.backing.Lookup(pml4e.Address())

	pdpte := &(*pdpt)[ppe]
	if !pdpte.Valid() {
		return nil
	}
	pd := pt.backing.Lookup(pdpte.Address())

	pde_ := &(*pd)[pde]
	if !pde_.Valid() {
		return nil
	}
	ptbl := pt.backing.Lookup(pde_.Address())

	return &(*ptbl)[pteIdx]
}

// Build walks PML4->PDPT->PD->PT for pa, materializing any missing
// interior table from src, and returns the leaf PTE. If the leaf did not
// previously exist it is installed pointing at pa with NX=0 (executable),
// matching BuildNestedPageTableEntry's unconditional {Valid,Write,User=1}
// leaf construction. If the leaf already existed, it is returned
// unmodified. Grounded on OperateOnNestedPageTables(..., BuildOperation).
func (pt *PageTables) Build(pa uintptr, src PageSource) (*PTE, error) {
	pxe, ppe, pde, pteIdx := indices(pa)

	pdpt, err := pt.step(&pt.Root[pxe], src)
	if err != nil {
		return nil, fmt.Errorf("pagetables: build pdpt for %#x: %w", pa, err)
	}
	pd, err := pt.step(&(*pdpt)[ppe], src)
	if err != nil {
		return nil, fmt.Errorf("pagetables: build pd for %#x: %w", pa, err)
	}
	ptbl, err := pt.step(&(*pd)[pde], src)
	if err != nil {
		return nil, fmt.Errorf("pagetables: build pt for %#x: %w", pa, err)
	}

	leaf := &(*ptbl)[pteIdx]
	if !leaf.Valid() {
		leaf.set(pa, false)
		pt.leavesMapped++
	}
	return leaf, nil
}

// step materializes entry as an interior pointer if it is not already
// valid, drawing a fresh sub-table from src, and returns the resulting
// sub-table.
func (pt *PageTables) step(entry *PTE, src PageSource) (*Table, error) {
	if entry.Valid() {
		return pt.backing.Lookup(entry.Address()), nil
	}
	pa, t, err := src.Acquire()
	if err != nil {
		return nil, err
	}
	entry.set(pa, false)
	pt.nodesAllocated++
	return t, nil
}

// SetLeafPFN repoints the already-present leaf for pa at newPA, leaving
// NX and presence untouched. Returns false if no leaf is present for pa.
// Used by the hook engine to swap a hooked page's backing between its
// original and exec physical copies.
func (pt *PageTables) SetLeafPFN(pa, newPA uintptr) bool {
	leaf := pt.Find(pa)
	if leaf == nil {
		return false
	}
	leaf.setPFN(newPA)
	return true
}

// Level is one entry visited by Walk, used for diagnostics (status
// reporting and test assertions).
type Level struct {
	Name  string
	Index int
	Valid bool
	NX    bool
	PFN   uintptr
}

// Walk returns the PML4/PDPT/PD/PT entries for pa without mutating
// anything, stopping early if an interior entry is absent.
func (pt *PageTables) Walk(pa uintptr) []Level {
	pxe, ppe, pde, pteIdx := indices(pa)
	names := []string{"pml4", "pdpt", "pd", "pt"}
	idxs := []int{pxe, ppe, pde, pteIdx}

	var levels []Level
	table := pt.Root
	for i, name := range names {
		e := table[idxs[i]]
		levels = append(levels, Level{Name: name, Index: idxs[i], Valid: e.Valid(), NX: e.NX(), PFN: e.PFN()})
		if !e.Valid() || i == len(names)-1 {
			break
		}
		table = pt.backing.Lookup(e.Address())
	}
	return levels
}
