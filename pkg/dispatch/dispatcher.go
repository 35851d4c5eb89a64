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

// Package dispatch implements the single VM-exit entry point, grounded
// on google-gvisor's pkg/sentry/platform/kvm/bluepill_amd64_unsafe.go
// switchToUser, which dispatches on a captured exit reason the same way
// this Dispatcher switches on VMCB.ControlArea.ExitCode.
package dispatch

import (
	"fmt"

	"github.com/hookvisor/hookvisor/pkg/hook"
	"github.com/hookvisor/hookvisor/pkg/shuttle"
	"github.com/hookvisor/hookvisor/pkg/svm"
)

// Stats counts every exit this dispatcher has routed, for status
// reporting (hookvisorctl status) and tests; original_source's handlers
// keep comparable tallies, so this is carried as an ambient,
// observability-only supplement.
type Stats struct {
	CPUID        uint64
	MSR          uint64
	VMRUN        uint64
	Breakpoint   uint64
	NPF          uint64
	EngineErrors uint64
}

// Outcome tells the VMRUN loop what to do after OnVmExit returns.
type Outcome struct {
	// Terminate is true when the guest issued the unload back-door: the
	// caller must finish de-virtualizing and stop calling VMRUN.
	Terminate bool
	// UnloadPerCPUData / UnloadContinuationRIP are only meaningful when
	// Terminate is true; they carry the values the outer assembly must
	// place into RAX/RDX/RBX/RCX before the final VMLOAD.
	UnloadPerCPUData      uint64
	UnloadContinuationRIP uint64
}

// Dispatcher owns the exit-routing logic for one logical processor. It
// holds no hardware state itself; svm.Vmcb and shuttle.GuestRegisters
// are passed in by the caller on every exit.
type Dispatcher struct {
	Engine *hook.Engine
	Stats  Stats
}

// NewDispatcher binds a Dispatcher to the hook engine for this
// processor.
func NewDispatcher(engine *hook.Engine) *Dispatcher {
	return &Dispatcher{Engine: engine}
}

// OnVmExit is the Core→host entry point invoked once per VM-exit. vmcb
// is the current guest VMCB, gpr is the register block the VM-exit assembly
// captured, cpuidHost supplies the raw hardware CPUID for leaves this
// dispatcher forwards, and perCPUDataVA is the value the unload path
// must hand back to the guest.
func (d *Dispatcher) OnVmExit(vmcb *svm.Vmcb, gpr *shuttle.GuestRegisters, cpuidHost CPUIDHost, perCPUDataVA uint64) (Outcome, error) {
	gpr.LoadRAX(&vmcb.StateSaveArea)

	switch vmcb.ControlArea.ExitCode {
	case svm.ExitCodeCPUID:
		d.Stats.CPUID++
		eax := uint32(gpr.Rax)
		ecx := uint32(gpr.Rcx)
		ssDPL := vmcb.StateSaveArea.SsDPL()

		if isUnloadRequest(eax, ecx, ssDPL) {
			gpr.SetUnloadOutputs(perCPUDataVA, vmcb.ControlArea.NRip)
			return Outcome{Terminate: true, UnloadPerCPUData: perCPUDataVA, UnloadContinuationRIP: vmcb.ControlArea.NRip}, nil
		}

		res := d.handleCPUID(cpuidHost, eax, ecx, ssDPL, d.Engine)
		gpr.Rax = uint64(res.EAX)
		gpr.Rbx = uint64(res.EBX)
		gpr.Rcx = uint64(res.ECX)
		gpr.Rdx = uint64(res.EDX)
		vmcb.StateSaveArea.Rip = vmcb.ControlArea.NRip

	case svm.ExitCodeMSR:
		d.Stats.MSR++
		inject, advance := d.handleMSR(&vmcb.StateSaveArea, uint32(gpr.Rdx), uint32(gpr.Rax))
		if advance {
			vmcb.StateSaveArea.Rip = vmcb.ControlArea.NRip
		} else {
			vmcb.ControlArea.EventInj = inject.Pack()
		}

	case svm.ExitCodeVMRUN:
		d.Stats.VMRUN++
		vmcb.ControlArea.EventInj = svm.GeneralProtectionInjection().Pack()

	case svm.ExitCodeExceptionBP:
		d.Stats.Breakpoint++
		outcome := d.Engine.HandleBreakpoint(vmcb.StateSaveArea.Rip)
		if outcome.Reinject {
			vmcb.ControlArea.EventInj = svm.BreakpointInjection().Pack()
			vmcb.StateSaveArea.Rip = vmcb.ControlArea.NRip
		} else {
			vmcb.StateSaveArea.Rip = outcome.RedirectRIP
		}

	case svm.ExitCodeNPF:
		d.Stats.NPF++
		info1 := svm.DecodeNPFExitInfo1(vmcb.ControlArea.ExitInfo1)
		faultPA := uintptr(vmcb.ControlArea.ExitInfo2)
		var err error
		if !info1.Valid {
			err = d.Engine.MMIOFault(faultPA)
		} else {
			err = d.Engine.ExecFault(faultPA)
		}
		if err != nil {
			d.Stats.EngineErrors++
			return Outcome{}, fmt.Errorf("dispatch: NPF at %#x: %w", faultPA, err)
		}
		// No RIP advance: the faulting instruction is retried after the
		// permission change.

	default:
		return Outcome{}, fmt.Errorf("dispatch: unhandled ExitCode %#x", vmcb.ControlArea.ExitCode)
	}

	gpr.StoreRAX(&vmcb.StateSaveArea)
	return Outcome{}, nil
}
