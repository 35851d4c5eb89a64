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

// Package pagetables implements the 4-level, 4-KiB-granular Nested Page
// Table hierarchy used to back a single logical processor's NPT. It is
// the generic walker/mutator engine, grounded on gVisor's
// pkg/sentry/platform/ring0/pagetables package (the same
// find-or-build walk, the same "only leaf mappings, no super pages for
// this use case" discipline) and on original_source/SimpleSvmHook's
// OperateOnNestedPageTables / ChangePermissionOfPage for the AMD-specific
// NX sibling-mask behavior that NPT's missing execute-only permission
// forces on callers.
package pagetables

const (
	// EntriesPerPage is the number of entries in one 4 KiB table page.
	EntriesPerPage = 512

	pageSize  = 1 << 12
	pteShift  = 12
	pdeShift  = 21
	ppeShift  = 30
	pxeShift  = 39
	indexMask = EntriesPerPage - 1

	flagValid = 1 << 0
	flagWrite = 1 << 1
	flagUser  = 1 << 2
	flagNX    = 1 << 63

	pfnMask = 0x000f_ffff_ffff_f000
)

// PTE is a single 64-bit nested page table entry, used uniformly for PML4,
// PDPT, PD, and PT nodes: this engine only ever installs 4 KiB leaf
// mappings, so every interior node has the same field layout as a leaf.
type PTE uint64

// Valid reports whether the entry refers to a present mapping or sub-table.
func (e PTE) Valid() bool { return e&flagValid != 0 }

// NX reports the no-execute bit.
func (e PTE) NX() bool { return e&flagNX != 0 }

// PFN returns the page frame number (physical address >> 12) this entry
// points to, whether that is a leaf's backing page or a sub-table.
func (e PTE) PFN() uintptr { return uintptr(e&pfnMask) >> pteShift }

// Address returns the physical address this entry points to.
func (e PTE) Address() uintptr { return e.PFN() << pteShift }

// set installs a present, read/write/user entry pointing at pa. Read and
// write are unconditionally enabled on every valid NPT entry in this
// design: AMD NPT has no independent read or write disable that this
// engine needs, only NX, which is the entire reason the hook engine must
// swap backing pages instead of narrowing permissions.
func (e *PTE) set(pa uintptr, nx bool) {
	v := PTE(flagValid | flagWrite | flagUser)
	v |= PTE(uint64(pa) & pfnMask)
	if nx {
		v |= flagNX
	}
	*e = v
}

// setNX flips only the NX bit, leaving the PFN and presence untouched.
func (e *PTE) setNX(nx bool) {
	if nx {
		*e |= flagNX
	} else {
		*e &^= flagNX
	}
}

// setPFN repoints an already-valid entry at a different physical page,
// used by the hook engine to swap a leaf between its original and exec
// backing without disturbing NX or presence.
func (e *PTE) setPFN(pa uintptr) {
	*e = PTE(uint64(*e)&^uint64(pfnMask) | uint64(pa)&pfnMask)
}

// indices returns the PML4/PDPT/PD/PT indices for pa, using the standard
// AMD64 shifts (39/30/21/12) and the 9-bit (0x1FF) index mask.
func indices(pa uintptr) (pxe, ppe, pde, pte int) {
	pxe = int((pa >> pxeShift) & indexMask)
	ppe = int((pa >> ppeShift) & indexMask)
	pde = int((pa >> pdeShift) & indexMask)
	pte = int((pa >> pteShift) & indexMask)
	return
}

// Table is one 4 KiB page of 512 entries: a PML4, PDPT, PD, or PT node.
type Table [EntriesPerPage]PTE
