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

// Package svm contains the AMD SVM wire types this repository's core
// manipulates: the VMCB control/save areas, event-injection records, and
// the MSR permission bitmap. Field names and offsets follow the "VMCB
// Layout" sections of the AMD64 Architecture Programmer's Manual, volume 2.
package svm

// Bits within VMCB.ControlArea.InterceptException.
const (
	InterceptExceptionBP = 1 << 3 // #BP, vector 3.
)

// Bits within VMCB.ControlArea.InterceptMisc1.
const (
	InterceptMisc1CPUID   = 1 << 18
	InterceptMisc1MSRProt = 1 << 28
)

// Bits within VMCB.ControlArea.InterceptMisc2.
const (
	InterceptMisc2VMRUN = 1 << 0
)

// Bits within VMCB.ControlArea.NpEnable.
const (
	NpEnableNP = 1 << 0
)

// ExitCode values this core dispatches on (AMD64 APM vol. 2, appendix C).
const (
	ExitCodeCPUID      = 0x72
	ExitCodeMSR        = 0x7c
	ExitCodeVMRUN      = 0x80
	ExitCodeExceptionBP = 0x43
	ExitCodeNPF        = 0x400
)

// ControlArea is the subset of the VMCB control area this core reads or
// writes. Offsets are noted for cross-reference with the APM; the Go
// struct does not need to match hardware layout byte-for-byte because
// nothing in this repository overlays it onto real VMCB memory (that
// overlay is a host-collaborator concern).
type ControlArea struct {
	InterceptException uint32 // +0x008
	InterceptMisc1     uint32 // +0x00c
	InterceptMisc2     uint32 // +0x010
	MsrpmBasePa        uint64 // +0x048
	GuestAsid          uint32 // +0x058
	ExitCode           uint64 // +0x070
	ExitInfo1          uint64 // +0x078
	ExitInfo2          uint64 // +0x080
	NpEnable           uint64 // +0x090
	EventInj           uint64 // +0x0a8
	NCr3               uint64 // +0x0b0
	NRip               uint64 // +0x0c8
}

// StateSaveArea is the subset of the VMCB state-save area this core reads
// or writes.
type StateSaveArea struct {
	SsAttrib uint16 // +0x022, bits [5:6] are the DPL.
	Efer     uint64 // +0x0d0
	Rflags   uint64 // +0x170
	Rip      uint64 // +0x178
	Rsp      uint64 // +0x1d8
	Rax      uint64 // +0x1f8
}

// SsDPL extracts the descriptor privilege level from SsAttrib, following
// the segment-attribute packing of the AMD64 segment descriptor: bits
// [5:6] of the packed attribute word hold the DPL.
func (s *StateSaveArea) SsDPL() int {
	return int(s.SsAttrib>>5) & 0x3
}

// Vmcb bundles both areas, mirroring the one-page VMCB an external
// collaborator (the VMM loader) allocates and owns; this core never
// allocates one itself.
type Vmcb struct {
	ControlArea   ControlArea
	StateSaveArea StateSaveArea
}

// NPFExitInfo1 decodes VMCB.ControlArea.ExitInfo1 for an NPF exit, per
// "Nested versus Guest Page Faults, Fault Ordering" in the APM.
type NPFExitInfo1 struct {
	Valid   bool
	Read    bool
	Write   bool
	User    bool
	Execute bool
}

// DecodeNPFExitInfo1 unpacks the raw ExitInfo1 bits for an NPF exit.
func DecodeNPFExitInfo1(raw uint64) NPFExitInfo1 {
	return NPFExitInfo1{
		Valid:   raw&(1<<0) != 0,
		Read:    raw&(1<<1) != 0,
		Write:   raw&(1<<2) != 0,
		User:    raw&(1<<3) != 0,
		Execute: raw&(1<<4) != 0,
	}
}
