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

package trampoline

import (
	"encoding/binary"
	"testing"
)

func TestMatchRecognizesPushRbx(t *testing.T) {
	code := []byte{0x40, 0x53, 0x48, 0x89, 0x5c, 0x24, 0x08}
	length, name, ok := Match(code)
	if !ok {
		t.Fatalf("expected match")
	}
	if length != 2 || name != "push rbx" {
		t.Fatalf("got length=%d name=%q", length, name)
	}
}

func TestMatchRecognizesSubRspImm8(t *testing.T) {
	code := []byte{0x48, 0x83, 0xec, 0x28, 0x90}
	length, _, ok := Match(code)
	if !ok || length != 4 {
		t.Fatalf("got length=%d ok=%v, want 4,true", length, ok)
	}
}

func TestMatchRejectsUnknownPrefix(t *testing.T) {
	code := []byte{0x0f, 0x0b, 0x00, 0x00, 0x00}
	if _, _, ok := Match(code); ok {
		t.Fatalf("expected no match for unrecognized prefix")
	}
}

func TestBuildLayout(t *testing.T) {
	code := []byte{0x53, 0x90, 0x90, 0x90}
	const hookVA uint64 = 0xfffff80012340000
	stub, err := Build(code, 1, hookVA)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(stub) != Size(1) {
		t.Fatalf("len(stub) = %d, want %d", len(stub), Size(1))
	}
	if stub[0] != 0x53 {
		t.Fatalf("copied instruction byte mismatch: %#x", stub[0])
	}
	if stub[1] != 0x90 {
		t.Fatalf("expected nop pad at offset 1, got %#x", stub[1])
	}
	if stub[2] != 0xff || stub[3] != 0x25 {
		t.Fatalf("expected jmp [rip+0] opcode at offset 2, got %#x %#x", stub[2], stub[3])
	}
	target := binary.LittleEndian.Uint64(stub[len(stub)-8:])
	if target != hookVA+1 {
		t.Fatalf("target = %#x, want %#x", target, hookVA+1)
	}
}

func TestBuildAtRejectsPageStraddle(t *testing.T) {
	code := []byte{0x48, 0x83, 0xec, 0x28} // sub rsp, imm8; length 4.
	_, _, err := BuildAt(code, 0x1000-2, 2)
	if err == nil {
		t.Fatalf("expected page-straddle error")
	}
}

func TestBuildAtSucceedsWithinPage(t *testing.T) {
	code := []byte{0x40, 0x55, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	stub, length, err := BuildAt(code, 0x1000-16, 16)
	if err != nil {
		t.Fatalf("BuildAt: %v", err)
	}
	if length != 2 {
		t.Fatalf("length = %d, want 2", length)
	}
	if len(stub) != Size(2) {
		t.Fatalf("len(stub) = %d, want %d", len(stub), Size(2))
	}
}
