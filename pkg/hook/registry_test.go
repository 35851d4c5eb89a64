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

package hook

import (
	"testing"

	"github.com/hookvisor/hookvisor/pkg/host/sim"
)

// TestRegisterStampsBreakpointOnlyIntoExecCopy exercises the mechanism
// behind the self-read limitation: the 0xCC byte Register stamps for the
// breakpoint-based trap lives only in the exec copy of the hooked page,
// never in the original. Any read of the exec copy, including one issued
// by code executing from that same page while it is the active hook,
// observes 0xCC rather than the shadowed instruction byte; this is the
// documented tradeoff that makes same-page self-reads unreliable once a
// hook is exec-visible.
func TestRegisterStampsBreakpointOnlyIntoExecCopy(t *testing.T) {
	m, err := sim.New(1 << 21)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	defer m.Close()

	const hookVA = 0xffff_f880_0010_0040
	const origPagePA = 0x0010_0000
	m.DefineSymbol("TestHookedFunction", hookVA, origPagePA)

	offset := int(hookVA & 0xfff)
	page := make([]byte, 4096)
	copy(page[offset:], []byte{0x48, 0x83, 0xec, 0x28}) // sub rsp, imm8: a recognized prologue.
	if err := m.WritePage(origPagePA, page); err != nil {
		t.Fatalf("WritePage(orig page): %v", err)
	}

	r := NewRegistry()
	entry, err := r.Register(m, "TestHookedFunction", 0xdead_beef)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	execBytes, err := m.ReadPage(entry.ExecPagePA)
	if err != nil {
		t.Fatalf("ReadPage(exec page): %v", err)
	}
	if execBytes[offset] != 0xcc {
		t.Fatalf("exec copy byte at hook offset = %#x, want 0xcc", execBytes[offset])
	}

	origBytes, err := m.ReadPage(origPagePA)
	if err != nil {
		t.Fatalf("ReadPage(orig page): %v", err)
	}
	if origBytes[offset] == 0xcc {
		t.Fatalf("original page was mutated; only the exec copy should carry the breakpoint byte")
	}
}
