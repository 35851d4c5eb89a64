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

package svm

// EventInjection is the SVM event-injection record, packed into
// VMCB.ControlArea.EventInj. See "Event Injection" in the AMD64 APM.
type EventInjection struct {
	Vector        uint8
	Type          uint8 // 2 = NMI, 3 = exception, 4 = software interrupt.
	ErrorCodeValid bool
	Valid         bool
	ErrorCode     uint32
}

// Event types recognized by this core.
const (
	EventTypeNMI       = 2
	EventTypeException = 3
)

// Exception vectors this core injects.
const (
	VectorBP = 3
	VectorGP = 13
)

// Pack encodes the record into the 64-bit wire format expected by
// VMCB.ControlArea.EventInj.
func (e EventInjection) Pack() uint64 {
	var v uint64
	v |= uint64(e.Vector)
	v |= uint64(e.Type&0x7) << 8
	if e.ErrorCodeValid {
		v |= 1 << 11
	}
	if e.Valid {
		v |= 1 << 31
	}
	v |= uint64(e.ErrorCode) << 32
	return v
}

// BreakpointInjection builds the #BP(vector=3, type=exception) record used
// to re-inject a guest breakpoint that did not land on a registered hook.
func BreakpointInjection() EventInjection {
	return EventInjection{Vector: VectorBP, Type: EventTypeException, Valid: true}
}

// GeneralProtectionInjection builds the #GP(vector=13, type=exception,
// error code=0) record used to punish a guest that tries to clear
// EFER.SVME or execute VMRUN.
func GeneralProtectionInjection() EventInjection {
	return EventInjection{Vector: VectorGP, Type: EventTypeException, ErrorCodeValid: true, Valid: true}
}

// MsrpmSize is the size in bytes of the MSR permission bitmap referenced
// by VMCB.ControlArea.MsrpmBasePa.
const MsrpmSize = 8 * 1024

// EferMSR is the address of the Extended Feature Enable Register.
const EferMSR = 0xC0000080

// EferSVME is the SVM-enable bit of EFER.
const EferSVME = 1 << 12

// BuildMSRPM returns an 8 KiB MSR permission bitmap with exactly one bit
// set: the write-intercept bit for EFER. Layout per "MSR Permissions Map"
// in the APM: MSRs in [0xC0000000, 0xC0001FFF] live in the third 2-KiB
// bank (offset 0x800 into the map), two bits per MSR (read, then write).
func BuildMSRPM() [MsrpmSize]byte {
	var pm [MsrpmSize]byte
	bit := 0x800*8 + (EferMSR-0xC0000000)*2 + 1
	pm[bit/8] |= 1 << (bit % 8)
	return pm
}
