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

// Package vmm wires the pagetables/hook/dispatch/svm packages into the
// six Core→host entry points: CoreInit, PerCpuInit, ConfigureVmcb,
// OnVmExit, PerCpuCleanup, CoreCleanup. It is the thinnest
// layer in this repository — almost everything it does is delegate —
// which mirrors how google-gvisor's ring0.Kernel.init /
// ring0.CPU.init are themselves thin assemblies of the lower-level
// pagetables and GDT/IDT setup they call into.
package vmm

import (
	"fmt"

	"github.com/hookvisor/hookvisor/pkg/dispatch"
	"github.com/hookvisor/hookvisor/pkg/hook"
	"github.com/hookvisor/hookvisor/pkg/host"
	"github.com/hookvisor/hookvisor/pkg/pagetables"
	"github.com/hookvisor/hookvisor/pkg/shuttle"
	"github.com/hookvisor/hookvisor/pkg/svm"
)

// HookDesc is one load-time request to hook a named kernel symbol and
// redirect it to handler.
type HookDesc struct {
	Name    string
	Handler uint64
}

// Core owns the process-wide, read-only-after-init state: the hook
// registry and trampolines. One Core serves every logical processor.
type Core struct {
	Platform host.Platform
	Registry *hook.Registry
}

// CoreInit builds the hook registry and every hook's trampoline. It
// must run once, before any PerCpuInit.
func CoreInit(p host.Platform, hooks []HookDesc) (*Core, error) {
	r := hook.NewRegistry()
	for _, h := range hooks {
		if _, err := r.Register(p, h.Name, h.Handler); err != nil {
			return nil, fmt.Errorf("vmm: CoreInit: %w", err)
		}
	}
	return &Core{Platform: p, Registry: r}, nil
}

// CoreCleanup is a placeholder counterpart to CoreInit. The registry and
// its SharedPageResources are process-wide and read-only once built;
// nothing about them needs orderly teardown beyond releasing the pages
// host.Platform itself owns, which is the host's responsibility, not
// the core's.
func CoreCleanup(c *Core) {}

// backing adapts a host.Platform into pagetables.Backing by keeping an
// in-process index of physical address -> pagetables.Table, mirroring
// how the NPT engine's tests model physical memory, but backed by real
// allocations through the platform rather than a bare map.
type backing struct {
	platform host.Platform
	tables   map[uintptr]*pagetables.Table
}

func newBacking(p host.Platform) *backing {
	return &backing{platform: p, tables: make(map[uintptr]*pagetables.Table)}
}

func (b *backing) NewPage() (uintptr, *pagetables.Table) {
	pa, err := b.platform.AllocatePage()
	if err != nil {
		// CoreInit/PerCpuInit callers treat NPT construction failure as
		// fatal at load time, and pagetables.Backing has no error return,
		// so this package panics here rather than threading an error
		// through every pagetables call; the panic is recovered at the
		// PerCpuInit boundary and turned back into an error.
		panic(fmt.Errorf("vmm: NPT page allocation failed: %w", err))
	}
	t := &pagetables.Table{}
	b.tables[pa] = t
	return pa, t
}

func (b *backing) Lookup(pa uintptr) *pagetables.Table {
	t, ok := b.tables[pa]
	if !ok {
		panic(fmt.Errorf("vmm: NPT lookup of unmapped physical address %#x", pa))
	}
	return t
}

// CPU is the per-logical-processor state PerCpuInit builds: the NPT,
// the pool, the hook state machine, and the dispatcher that routes
// VM-exits into it.
type CPU struct {
	Data       *hook.HookData
	Engine     *hook.Engine
	Dispatcher *dispatch.Dispatcher
	MSRPM      [svm.MsrpmSize]byte
}

// PerCpuInit builds a 1:1 NPT over every run core.Platform reports plus
// the local APIC's page, pre-allocates the fault pool, and returns the
// per-processor CPU bundle. Ported from the init-time half of
// HookCommon.cpp's OperateOnNestedPageTables driven in Build mode over
// every RAM run.
func PerCpuInit(core *Core, poolSize int) (cpu *CPU, err error) {
	defer func() {
		if r := recover(); r != nil {
			cpu, err = nil, fmt.Errorf("vmm: PerCpuInit: %v", r)
		}
	}()

	b := newBacking(core.Platform)
	npt := pagetables.New(b)
	fresh := npt.FreshSource()

	for _, run := range core.Platform.PhysicalMemoryRuns() {
		base := run.BasePageFrame * 4096
		for i := 0; i < run.PageCount; i++ {
			pa := base + uintptr(i)*4096
			if _, err := npt.Build(pa, fresh); err != nil {
				return nil, fmt.Errorf("vmm: build RAM mapping at %#x: %w", pa, err)
			}
		}
	}
	apicPage := core.Platform.APICBasePhysicalPage()
	if _, err := npt.Build(apicPage, fresh); err != nil {
		return nil, fmt.Errorf("vmm: build APIC mapping at %#x: %w", apicPage, err)
	}

	maxPPE := maxPDPTIndex(core.Platform.PhysicalMemoryRuns())

	pool := hook.NewPreAllocPool(poolSize, func(slot int) (uintptr, *pagetables.Table) {
		return b.NewPage()
	})

	data := &hook.HookData{NPT: npt, Pool: pool, MaxPDPTIdx: maxPPE, State: hook.Off}
	engine := hook.NewEngine(core.Registry, data)

	return &CPU{
		Data:       data,
		Engine:     engine,
		Dispatcher: dispatch.NewDispatcher(engine),
		MSRPM:      svm.BuildMSRPM(),
	}, nil
}

// maxPDPTIndex computes the NPT root's max PDPT index: ceil(highest
// RAM byte / 1 GiB) - 1.
func maxPDPTIndex(runs []host.PhysicalRun) int {
	var highest uintptr
	for _, r := range runs {
		end := (r.BasePageFrame + uintptr(r.PageCount)) * 4096
		if end > highest {
			highest = end
		}
	}
	if highest == 0 {
		return 0
	}
	const gib = 1 << 30
	idx := (highest + gib - 1) / gib
	if idx == 0 {
		return 0
	}
	return int(idx) - 1
}

// ConfigureVmcb sets the interception bits, NCr3, ASID, and MSRPM base
// a guest VMCB needs before its first VMRUN.
func ConfigureVmcb(vmcb *svm.Vmcb, cpu *CPU, msrpmBasePA uintptr) {
	vmcb.ControlArea.InterceptException = svm.InterceptExceptionBP
	vmcb.ControlArea.InterceptMisc1 = svm.InterceptMisc1CPUID | svm.InterceptMisc1MSRProt
	vmcb.ControlArea.InterceptMisc2 = svm.InterceptMisc2VMRUN
	vmcb.ControlArea.NpEnable = svm.NpEnableNP
	vmcb.ControlArea.NCr3 = uint64(cpu.Data.NPT.RootPA)
	vmcb.ControlArea.GuestAsid = 1
	vmcb.ControlArea.MsrpmBasePa = uint64(msrpmBasePA)
}

// OnVmExit delegates to the per-CPU dispatcher, the thin Core→host
// exit entry point.
func OnVmExit(cpu *CPU, vmcb *svm.Vmcb, gpr *shuttle.GuestRegisters, cpuidHost dispatch.CPUIDHost, perCPUDataVA uint64) (dispatch.Outcome, error) {
	return cpu.Dispatcher.OnVmExit(vmcb, gpr, cpuidHost, perCPUDataVA)
}

// PerCpuCleanup is a placeholder counterpart to PerCpuInit. A full
// teardown would walk the 4 NPT levels freeing leaves first and return
// pre-allocated-but-unused pool pages to the host, both of which are
// host.Platform responsibilities this package does not itself need to
// duplicate logic for beyond calling it.
func PerCpuCleanup(core *Core, cpu *CPU) {}
