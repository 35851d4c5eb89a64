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

// This file ports HookVmmAlwaysOptimized.cpp's ChangePermissionOfPage,
// MakeAllSubTablesExecutable, and ChangePermissionsOfAllPages. AMD NPT
// has no execute-only permission; the original works around this by
// toggling NX on whichever level (leaf, PD, or PDPT) currently governs a
// region, and by masking every sibling of a level it clears NX on so
// that clearing NX at a parent cannot accidentally make siblings
// executable that the caller never asked to enable.

// SetLeafNX sets or clears the NX bit on the single leaf PTE for pa. If
// any ancestor (PD or PDPT) currently has NX set, a leaf-only NX write
// would be ineffective for "make this page executable" — the effective
// permission is the logical OR of NX across every level — so SetLeafNX
// also clears NX at every ancestor whose NX is set, top down, mirroring
// ChangePermissionOfPage's two-level sibling-mask restoration. Clearing
// the PDPT entry's NX first sets NX on every PD entry beneath it,
// including pa's own; pa's PD entry is then cleared in turn after NX is
// set on every *other* PT entry beneath it, so only pa's leaf becomes
// executable and its siblings at both levels stay non-executable.
func (pt *PageTables) SetLeafNX(pa uintptr, nx bool) {
	pxe, ppe, pde, pteIdx := indices(pa)

	pml4e := &pt.Root[pxe]
	if !pml4e.Valid() {
		return
	}
	pdpt := pt.backing.Lookup(pml4e.Address())
	pdpte := &(*pdpt)[ppe]
	if !pdpte.Valid() {
		return
	}
	pd := pt.backing.Lookup(pdpte.Address())
	pde_ := &(*pd)[pde]
	if !pde_.Valid() {
		return
	}
	ptbl := pt.backing.Lookup(pde_.Address())
	leaf := &(*ptbl)[pteIdx]
	if !leaf.Valid() {
		return
	}

	if nx {
		// Disabling execute at the leaf is always effective regardless
		// of ancestor state: OR-of-NX can only grow more restrictive.
		leaf.setNX(true)
		return
	}

	// Enabling execute at the leaf requires every ancestor's NX to be
	// clear too. Clearing an ancestor's NX outright would make its whole
	// range executable, so before clearing it we stamp NX=1 onto its
	// children so only pa's path becomes executable.
	if pdpte.NX() {
		restoreSiblingsNX(pd, -1)
		pdpte.setNX(false)
	}
	if pde_.NX() {
		restoreSiblingsNX(ptbl, pteIdx)
		pde_.setNX(false)
	}
	leaf.setNX(false)
}

// restoreSiblingsNX sets NX on every entry of table other than except
// (pass -1 to cover every entry), skipping entries that are not valid
// (there is nothing to restrict).
func restoreSiblingsNX(table *Table, except int) {
	for i := range table {
		if i == except {
			continue
		}
		if table[i].Valid() {
			table[i].setNX(true)
		}
	}
}

// BulkToggle sets or clears NX across an entire 1 GiB PDPT-indexed range
// in one step, used when arming or disarming the whole-address-space NX
// sweep that makes every page not itself hook-visible non-executable.
// Ports ChangePermissionsOfAllPages: rather than
// walking every leaf, it sets NX directly on the PDPT entry governing
// pdptIndex. When nx is false (re-enabling execute broadly), it also
// must restore any PD/PT interior nodes under that PDPT entry that were
// previously forced NX=1 by a prior SetLeafNX sibling mask, matching
// MakeAllSubTablesExecutable's walk of every PD and PT entry beneath the
// PDPT entry being cleared.
func (pt *PageTables) BulkToggle(pdptIndex int, nx bool) {
	if pdptIndex < 0 || pdptIndex >= EntriesPerPage {
		return
	}
	pml4e := &pt.Root[0]
	if !pml4e.Valid() {
		return
	}
	pdpt := pt.backing.Lookup(pml4e.Address())
	pdpte := &(*pdpt)[pdptIndex]
	if !pdpte.Valid() {
		return
	}

	if nx {
		pdpte.setNX(true)
		return
	}

	pt.makeAllSubTablesExecutable(pdpte)
	pdpte.setNX(false)
}

// makeAllSubTablesExecutable clears NX on every PD and PT entry reachable
// beneath pdpte, so that clearing pdpte's own NX makes the whole 1 GiB
// range executable again with no stale sibling masks left over from an
// earlier SetLeafNX call. Ports MakeAllSubTablesExecutable.
func (pt *PageTables) makeAllSubTablesExecutable(pdpte *PTE) {
	pd := pt.backing.Lookup(pdpte.Address())
	for i := range pd {
		pde := &pd[i]
		if !pde.Valid() {
			continue
		}
		pde.setNX(false)
		ptbl := pt.backing.Lookup(pde.Address())
		for j := range ptbl {
			pte := &ptbl[j]
			if pte.Valid() {
				pte.setNX(false)
			}
		}
	}
}
