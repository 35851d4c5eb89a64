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

// Package sim is the one concrete host.Platform this repository ships:
// a software model of a single logical processor's physical memory and
// CPUID surface, good enough to drive the hook engine and dispatcher
// through every state transition without real SVM hardware.
// It plays the role google-gvisor's pkg/sentry/platform/kvm plays for
// ring0's Kernel/CPU types: the real collaborator the core is written
// against is an interface (host.Platform here, kvm's ioctl surface
// there), and this package is the test/demo backend for it.
package sim

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hookvisor/hookvisor/pkg/host"
)

const pageSize = 4096

// Machine is an in-process stand-in for "one logical processor's
// physical memory plus the bookkeeping a real bootstrap loader would
// otherwise own": a flat mmap'd arena sliced into 4 KiB pages, a
// symbol table standing in for ResolveKernelSymbol, and a synthetic
// APIC base.
type Machine struct {
	mu sync.Mutex

	arena    []byte
	nextPage uintptr
	capacity uintptr

	symbols  map[string]uint64
	vaToPA   map[uint64]uintptr
	execPAs  map[uintptr]uint64 // physical address -> a fabricated virtual address for it.
	apicBase uintptr

	cpuidOverrides map[[2]uint32][4]uint32
}

// New mmaps an arena of size bytes (rounded up to a page) via
// unix.Mmap, mirroring physical_map.go's use of PROT_NONE/anonymous
// mappings to reserve a host-visible stand-in for guest physical
// memory; sim uses PROT_READ|PROT_WRITE throughout since it never
// actually executes guest code, only simulates the permission
// bookkeeping around it.
func New(size int) (*Machine, error) {
	if size <= 0 {
		size = 64 * 1024 * 1024
	}
	n := (size + pageSize - 1) &^ (pageSize - 1)
	arena, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("sim: mmap arena: %w", err)
	}
	return &Machine{
		arena:          arena,
		capacity:       uintptr(n),
		symbols:        make(map[string]uint64),
		vaToPA:         make(map[uint64]uintptr),
		execPAs:        make(map[uintptr]uint64),
		apicBase:       0xfee0_0000,
		cpuidOverrides: make(map[[2]uint32][4]uint32),
	}, nil
}

// Close unmaps the arena. Mirrors physical_map.go's teardown discipline
// of matching every Mmap with a Munmap.
func (m *Machine) Close() error {
	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}

func (m *Machine) allocPage() (uintptr, error) {
	if m.nextPage+pageSize > m.capacity {
		return 0, fmt.Errorf("sim: arena exhausted")
	}
	pa := m.nextPage
	m.nextPage += pageSize
	return pa, nil
}

func (m *Machine) slice(pa uintptr) ([]byte, error) {
	if pa+pageSize > m.capacity {
		return nil, fmt.Errorf("sim: physical address %#x out of range", pa)
	}
	return m.arena[pa : pa+pageSize], nil
}

// DefineSymbol registers a synthetic kernel symbol at va, resolvable
// later through ResolveKernelSymbol; the CLI and tests use this to set
// up fixed hook targets for their scenarios.
func (m *Machine) DefineSymbol(name string, va uint64, pa uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[name] = va
	m.vaToPA[va&^0xfff] = pa &^ 0xfff
}

// SetCpuidOverride fixes the (EAX,EBX,ECX,EDX) result Cpuid returns for
// a given (eax,ecx) pair, standing in for whatever the real hardware
// would report; used by tests to control the feature-info leaf's
// baseline bits before this repository's own CPUID overrides apply on
// top.
func (m *Machine) SetCpuidOverride(eax, ecx uint32, result [4]uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpuidOverrides[[2]uint32{eax, ecx}] = result
}

// Cpuid implements dispatch.CPUIDHost.
func (m *Machine) Cpuid(eax, ecx uint32) (uint32, uint32, uint32, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.cpuidOverrides[[2]uint32{eax, ecx}]; ok {
		return r[0], r[1], r[2], r[3]
	}
	return eax, 0, 0, 0
}

var _ host.Platform = (*Machine)(nil)

func (m *Machine) PhysicalMemoryRuns() []host.PhysicalRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []host.PhysicalRun{{BasePageFrame: 0, PageCount: int(m.capacity / pageSize)}}
}

func (m *Machine) ResolveKernelSymbol(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	va, ok := m.symbols[name]
	if !ok {
		return 0, fmt.Errorf("sim: unknown symbol %q", name)
	}
	return va, nil
}

func (m *Machine) PinAndMapVirtual(va uint64) (host.VirtualBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.vaToPA[va&^0xfff]
	if !ok {
		return host.VirtualBinding{}, fmt.Errorf("sim: no physical binding for va %#x", va)
	}
	return host.VirtualBinding{PhysicalAddress: pa, PinToken: uintptr(va)}, nil
}

func (m *Machine) AllocateExecutablePage() (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocPage()
}

func (m *Machine) AllocatePage() (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocPage()
}

func (m *Machine) AllocateContiguous(n int) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return 0, fmt.Errorf("sim: AllocateContiguous requires n > 0")
	}
	base := m.nextPage
	if base+uintptr(n)*pageSize > m.capacity {
		return 0, fmt.Errorf("sim: arena exhausted requesting %d contiguous pages", n)
	}
	m.nextPage += uintptr(n) * pageSize
	return base, nil
}

func (m *Machine) FreeContiguous(pa uintptr, n int) error {
	// sim never reclaims arena space; this is a bump allocator, as is
	// typical of a software model that only ever runs one short-lived
	// scenario per Machine.
	return nil
}

func (m *Machine) ReadPage(pa uintptr) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slice(pa)
	if err != nil {
		return nil, err
	}
	out := make([]byte, pageSize)
	copy(out, s)
	return out, nil
}

func (m *Machine) WritePage(pa uintptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.slice(pa)
	if err != nil {
		return err
	}
	n := copy(s, data)
	for i := n; i < len(s); i++ {
		s[i] = 0
	}
	return nil
}

func (m *Machine) MapExecutablePage(pa uintptr) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if va, ok := m.execPAs[pa]; ok {
		return va, nil
	}
	// Fabricate a distinct virtual address in a high, unused range; sim
	// never actually executes guest code, so this address only needs to
	// be stable and distinguishable, not backed by real mapped memory.
	va := uint64(0xffff_f800_0000_0000) + uint64(pa)
	m.execPAs[pa] = va
	return va, nil
}

func (m *Machine) InvalidateAllInstructionCaches() {
	// No real instruction cache exists in this software model.
}

func (m *Machine) APICBasePhysicalPage() uintptr {
	return m.apicBase &^ 0xfff
}

func (m *Machine) ForEachLogicalProcessor(fn func(cpuIndex int) error) error {
	return fn(0)
}
