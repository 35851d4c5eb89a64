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

// Package shuttle marshals general-purpose registers between the
// VM-exit assembly's register block and the engine code that inspects
// or rewrites them. It is grounded on other_examples/aghosn-enclosures'
// bluepill_amd64.go, which performs the same kind of GPR copy between a
// trapped-context structure and a VCPU's logical register set.
package shuttle

import "github.com/hookvisor/hookvisor/pkg/svm"

// GuestRegisters holds the 16 general-purpose registers captured by the
// VM-exit assembly's pushaq, in the fixed order the assembly pushes
// them: R15 down to RAX, with RSP given a dummy placeholder slot because
// RSP is authoritative in the VMCB state-save area instead.
type GuestRegisters struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rdi, Rsi, Rbp                        uint64
	rspPlaceholder                       uint64
	Rbx, Rdx, Rcx, Rax                   uint64
}

// LoadRAX copies guest RAX out of the VMCB state-save area into the
// register block. The processor spills RAX there on every VM-exit, so
// the dispatcher must do this before engine code can see a consistent
// RAX.
func (g *GuestRegisters) LoadRAX(save *svm.StateSaveArea) {
	g.Rax = save.Rax
}

// StoreRAX copies the register block's RAX back into the VMCB
// state-save area, so VMRUN reloads the value the dispatcher left
// there. Called at the dispatcher boundary on every exit that does not
// terminate virtualization.
func (g *GuestRegisters) StoreRAX(save *svm.StateSaveArea) {
	save.Rax = g.Rax
}

// SetUnloadOutputs stamps the four registers the CPUID back-door unload
// path returns to the guest: RAX/RDX carry the low/high halves of the
// per-CPU data pointer, RBX carries the continuation RIP, RCX carries
// the "MVSS" magic tag.
func (g *GuestRegisters) SetUnloadOutputs(perCPUData uint64, continuationRIP uint64) {
	g.Rax = perCPUData & 0xffff_ffff
	g.Rdx = perCPUData >> 32
	g.Rbx = continuationRIP
	g.Rcx = 0x4D565353 // "MVSS" little-endian.
}
