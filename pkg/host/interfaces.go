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

// Package host declares the boundary between this repository's core
// (pagetables, hook, dispatch, svm) and the platform-specific
// collaborators this repository does not implement itself: SVM
// enablement, physical memory enumeration, symbol resolution, and the
// raw VMRUN loop. Every core package that needs one of these
// capabilities takes a Platform, never a concrete type, so host/sim can
// stand in for a real hypervisor loader in tests and in the CLI demo.
package host

import (
	"fmt"

	"github.com/hookvisor/hookvisor/pkg/hvlog"
)

// ErrUnsupportedHost classifies a host whose CPU lacks SVM/NP support,
// or has VM_CR.SVMDIS set. No Platform method declared here returns it,
// and host/sim performs no such check. Wraps
// hvlog.ErrUnsupportedHost so callers can classify it without importing
// this package.
var ErrUnsupportedHost = fmt.Errorf("host: CPU does not support SVM with NPT, or SVM is disabled: %w", hvlog.ErrUnsupportedHost)

// PhysicalRun is one contiguous run of RAM: an ordered (base_page_frame,
// page_count) pair.
type PhysicalRun struct {
	BasePageFrame uintptr
	PageCount     int
}

// VirtualBinding is the result of pinning and mapping a virtual page.
type VirtualBinding struct {
	PhysicalAddress uintptr
	PinToken        uintptr
}

// Platform is the full set of host-provided capabilities the core
// consumes. A concrete implementation backs either a real hypervisor
// bootstrap (not provided by this repository) or, for this repository's
// own tests and CLI demo, host/sim's software model.
type Platform interface {
	// PhysicalMemoryRuns enumerates the RAM this processor must 1:1-map
	// into NPT at init.
	PhysicalMemoryRuns() []PhysicalRun

	// ResolveKernelSymbol resolves an exported kernel symbol's name to
	// its virtual address.
	ResolveKernelSymbol(name string) (uint64, error)

	// PinAndMapVirtual pins a virtual page and returns its physical
	// binding.
	PinAndMapVirtual(va uint64) (VirtualBinding, error)

	// AllocateExecutablePage allocates a 4 KiB page in executable
	// non-paged memory, returning its physical address.
	AllocateExecutablePage() (uintptr, error)

	// AllocatePage allocates a single zeroed 4 KiB page, returning its
	// physical address.
	AllocatePage() (uintptr, error)

	// AllocateContiguous allocates n contiguous zeroed 4 KiB pages,
	// returning the base physical address.
	AllocateContiguous(n int) (uintptr, error)

	// FreeContiguous releases pages previously returned by
	// AllocateContiguous or AllocatePage.
	FreeContiguous(pa uintptr, n int) error

	// ReadPage reads the 4 KiB page at pa.
	ReadPage(pa uintptr) ([]byte, error)

	// WritePage writes up to 4 KiB of data to the page at pa.
	WritePage(pa uintptr, data []byte) error

	// MapExecutablePage returns a virtual address through which the
	// executable page at pa can be reached by the guest.
	MapExecutablePage(pa uintptr) (uint64, error)

	// InvalidateAllInstructionCaches invalidates every logical
	// processor's instruction cache, required after writing 0xCC into
	// an exec page before it is made visible to the guest.
	InvalidateAllInstructionCaches()

	// APICBasePhysicalPage returns the physical page frame containing
	// the local APIC base for this processor, read from the APIC-base
	// MSR and masked to its page frame.
	APICBasePhysicalPage() uintptr

	// ForEachLogicalProcessor invokes fn once per logical processor,
	// used to drive per-CPU virtualize/de-virtualize sequencing.
	ForEachLogicalProcessor(fn func(cpuIndex int) error) error
}
