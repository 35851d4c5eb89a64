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

package dispatch

import (
	"testing"

	"github.com/hookvisor/hookvisor/pkg/hook"
	"github.com/hookvisor/hookvisor/pkg/pagetables"
	"github.com/hookvisor/hookvisor/pkg/shuttle"
	"github.com/hookvisor/hookvisor/pkg/svm"
)

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

type fakeCPUIDHost struct{}

func (fakeCPUIDHost) Cpuid(eax, ecx uint32) (uint32, uint32, uint32, uint32) {
	return eax, 0, 0, 0
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	b := newFakeBacking()
	npt := pagetables.New(b)
	registry := hook.NewRegistry()
	pool := hook.NewPreAllocPool(8, func(slot int) (uintptr, *pagetables.Table) {
		return b.NewPage()
	})
	data := &hook.HookData{NPT: npt, Pool: pool, State: hook.Off}
	engine := hook.NewEngine(registry, data)
	return NewDispatcher(engine)
}

func TestOnVmExitCPUIDSetsHypervisorPresentBit(t *testing.T) {
	d := newTestDispatcher(t)
	vmcb := &svm.Vmcb{ControlArea: svm.ControlArea{ExitCode: svm.ExitCodeCPUID, NRip: 0x2000}}
	vmcb.StateSaveArea.Rax = 0x1 // Guest RAX lives in the VMCB; OnVmExit loads it from there.
	gpr := &shuttle.GuestRegisters{Rcx: 0}

	if _, err := d.OnVmExit(vmcb, gpr, fakeCPUIDHost{}, 0); err != nil {
		t.Fatalf("OnVmExit: %v", err)
	}
	if gpr.Rcx&(1<<31) == 0 {
		t.Fatalf("hypervisor-present bit not set in ECX")
	}
	if vmcb.StateSaveArea.Rip != 0x2000 {
		t.Fatalf("RIP not advanced to NRip")
	}
}

func TestOnVmExitVMRUNAlwaysInjectsGP(t *testing.T) {
	d := newTestDispatcher(t)
	vmcb := &svm.Vmcb{ControlArea: svm.ControlArea{ExitCode: svm.ExitCodeVMRUN}}
	gpr := &shuttle.GuestRegisters{}

	if _, err := d.OnVmExit(vmcb, gpr, fakeCPUIDHost{}, 0); err != nil {
		t.Fatalf("OnVmExit: %v", err)
	}
	if vmcb.ControlArea.EventInj == 0 {
		t.Fatalf("expected a #GP event injection for VMRUN exit")
	}
	if d.Stats.VMRUN != 1 {
		t.Fatalf("Stats.VMRUN = %d, want 1", d.Stats.VMRUN)
	}
}

func TestOnVmExitMSRClearingSVMEInjectsGPAndLeavesEFER(t *testing.T) {
	d := newTestDispatcher(t)
	vmcb := &svm.Vmcb{ControlArea: svm.ControlArea{ExitCode: svm.ExitCodeMSR}}
	vmcb.StateSaveArea.Efer = svm.EferSVME
	gpr := &shuttle.GuestRegisters{Rax: 0, Rdx: 0} // SVME bit clear in the intended value.

	if _, err := d.OnVmExit(vmcb, gpr, fakeCPUIDHost{}, 0); err != nil {
		t.Fatalf("OnVmExit: %v", err)
	}
	if vmcb.StateSaveArea.Efer != svm.EferSVME {
		t.Fatalf("EFER was modified despite SVME-clearing write")
	}
	if vmcb.ControlArea.EventInj == 0 {
		t.Fatalf("expected #GP injection for SVME-clearing write")
	}
}

func TestOnVmExitMSRPreservingSVMEWritesThrough(t *testing.T) {
	d := newTestDispatcher(t)
	vmcb := &svm.Vmcb{ControlArea: svm.ControlArea{ExitCode: svm.ExitCodeMSR, NRip: 0x3000}}
	vmcb.StateSaveArea.Rax = svm.EferSVME | 0x1 // Guest RAX lives in the VMCB; OnVmExit loads it from there.
	gpr := &shuttle.GuestRegisters{Rdx: 0}

	if _, err := d.OnVmExit(vmcb, gpr, fakeCPUIDHost{}, 0); err != nil {
		t.Fatalf("OnVmExit: %v", err)
	}
	if vmcb.StateSaveArea.Efer != svm.EferSVME|0x1 {
		t.Fatalf("EFER = %#x, want write-through of intended value", vmcb.StateSaveArea.Efer)
	}
	if vmcb.StateSaveArea.Rip != 0x3000 {
		t.Fatalf("RIP not advanced on accepted MSR write")
	}
}

func TestOnVmExitBreakpointReinjectsWhenNoHookMatches(t *testing.T) {
	d := newTestDispatcher(t)
	vmcb := &svm.Vmcb{ControlArea: svm.ControlArea{ExitCode: svm.ExitCodeExceptionBP, NRip: 0x4000}}
	vmcb.StateSaveArea.Rip = 0x5000
	gpr := &shuttle.GuestRegisters{}

	if _, err := d.OnVmExit(vmcb, gpr, fakeCPUIDHost{}, 0); err != nil {
		t.Fatalf("OnVmExit: %v", err)
	}
	if vmcb.ControlArea.EventInj == 0 {
		t.Fatalf("expected #BP re-injection for a non-hook breakpoint")
	}
	if vmcb.StateSaveArea.Rip != 0x4000 {
		t.Fatalf("RIP should advance to NRip on re-injected breakpoint")
	}
}

func TestOnVmExitUnknownExitCodeIsFatal(t *testing.T) {
	d := newTestDispatcher(t)
	vmcb := &svm.Vmcb{ControlArea: svm.ControlArea{ExitCode: 0xdead}}
	gpr := &shuttle.GuestRegisters{}

	if _, err := d.OnVmExit(vmcb, gpr, fakeCPUIDHost{}, 0); err == nil {
		t.Fatalf("expected an error for an unhandled ExitCode")
	}
}
