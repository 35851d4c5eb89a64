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

import "github.com/hookvisor/hookvisor/pkg/hook"

// Back-door CPUID leaf/subleaf values.
const (
	backDoorLeaf           = 0x41414141
	backDoorSubleafUnload  = 0x41414141
	backDoorSubleafEnable  = 0x41414142
	backDoorSubleafDisable = 0x41414143
)

// Hypervisor-presence and signature leaves.
const (
	leafFeatureInfo  = 0x00000001
	leafHVVendor     = 0x40000000
	leafHVInterface  = 0x40000001
)

// hvSignature is the 12-byte vendor string returned across
// EBX:ECX:EDX for leaf 0x40000000, matching the original driver's
// "SimpleSvm   " (padded to 12 bytes) so that a guest querying the
// hypervisor vendor sees the same string this repository's ancestor did.
var hvSignature = [12]byte{'S', 'i', 'm', 'p', 'l', 'e', 'S', 'v', 'm', ' ', ' ', ' '}

// cpuidResult is the four-register result of a CPUID leaf/subleaf,
// before or after this dispatcher's overrides are applied.
type cpuidResult struct {
	EAX, EBX, ECX, EDX uint32
}

// CPUIDHost is the narrow slice of host.Platform the CPUID handler
// needs: the raw hardware CPUID instruction, since this handler only
// overrides specific leaves and otherwise forwards everything else.
type CPUIDHost interface {
	Cpuid(eax, ecx uint32) (uint32, uint32, uint32, uint32)
}

// handleCPUID implements the CPUID exit branch: forward to hardware,
// then override the leaves the hypervisor must shape, then handle the
// back-door leaf when SS.DPL == 0.
func (d *Dispatcher) handleCPUID(host CPUIDHost, eax, ecx uint32, ssDPL int, engine *hook.Engine) cpuidResult {
	a, b, c, dd := host.Cpuid(eax, ecx)
	res := cpuidResult{EAX: a, EBX: b, ECX: c, EDX: dd}

	switch eax {
	case leafFeatureInfo:
		res.ECX |= 1 << 31
	case leafHVVendor:
		res.EAX = leafHVInterface
		res.EBX = le32(hvSignature[0:4])
		res.ECX = le32(hvSignature[4:8])
		res.EDX = le32(hvSignature[8:12])
	case leafHVInterface:
		// Deliberately not the Microsoft interface id ("Hv#0").
		res.EAX = 0x30305356 // "VS00", arbitrary non-Hv#0 id.
	case backDoorLeaf:
		if ssDPL == 0 {
			d.handleBackDoor(ecx, engine)
		}
	}
	return res
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// handleBackDoor dispatches the three recognized subleaves. Unload is
// handled by the caller (Dispatcher.OnVmExit), since it changes control
// flow (terminates the VM-exit loop); this function only handles the
// two that stay within the engine.
func (d *Dispatcher) handleBackDoor(subleaf uint32, engine *hook.Engine) {
	switch subleaf {
	case backDoorSubleafEnable:
		if err := engine.EnableHooks(); err != nil {
			d.Stats.EngineErrors++
		}
	case backDoorSubleafDisable:
		if err := engine.DisableHooks(); err != nil {
			d.Stats.EngineErrors++
		}
	case backDoorSubleafUnload:
		// Handled by the caller.
	}
}

// isUnloadRequest reports whether eax/ecx identify the unload subleaf,
// gated on ssDPL == 0 exactly like the rest of the back-door protocol.
func isUnloadRequest(eax, ecx uint32, ssDPL int) bool {
	return eax == backDoorLeaf && ecx == backDoorSubleafUnload && ssDPL == 0
}
