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

import "github.com/hookvisor/hookvisor/pkg/svm"

// handleMSR implements the MSR-write exit branch. The MSRPM only traps
// writes to EFER (built by svm.BuildMSRPM), so this handler assumes the
// exit is exactly that: it is never reached for anything else. If the
// intended write would clear EFER.SVME, the guest is punished with
// #GP(0) and the real EFER is left untouched; otherwise the value is
// written through to the guest's VMCB EFER field.
func (d *Dispatcher) handleMSR(save *svm.StateSaveArea, edx, eax uint32) (inject svm.EventInjection, advanceRIP bool) {
	intended := uint64(edx)<<32 | uint64(eax)
	if intended&svm.EferSVME == 0 {
		return svm.GeneralProtectionInjection(), false
	}
	save.Efer = intended
	return svm.EventInjection{}, true
}
