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

// Package trampoline recognizes a fixed table of x86-64 prologue byte
// patterns and builds the "original_call" stub a hook's handler uses to
// invoke the function it shadowed. It deliberately does not decode
// instruction length in general, carried over unchanged from
// original_source/SimpleSvmHook's HookCommon.cpp MatchPattern table.
package trampoline

import "bytes"

// pattern is one recognized first-instruction byte sequence. Mask bytes
// of 0xff must match exactly; a mask byte of 0x00 matches any value at
// that position (used for immediates such as the imm8 in "sub rsp,
// imm8"). Len is the instruction's length in bytes, which by
// construction never exceeds len(Bytes).
type pattern struct {
	name  string
	bytes []byte
	mask  []byte
	len   int
}

// patternTable lists every first-instruction shape this builder accepts,
// grounded on HookCommon.cpp's known kernel-function prologues.
var patternTable = []pattern{
	{name: "push rbx", bytes: []byte{0x40, 0x53}, mask: []byte{0xff, 0xff}, len: 2},
	{name: "push rbp", bytes: []byte{0x40, 0x55}, mask: []byte{0xff, 0xff}, len: 2},
	{name: "push rdi", bytes: []byte{0x40, 0x57}, mask: []byte{0xff, 0xff}, len: 2},
	{name: "mov rax, rsp", bytes: []byte{0x48, 0x8b, 0xc4}, mask: []byte{0xff, 0xff, 0xff}, len: 3},
	{name: "xor edx, edx", bytes: []byte{0x33, 0xd2}, mask: []byte{0xff, 0xff}, len: 2},
	{name: "sub rsp, imm8", bytes: []byte{0x48, 0x83, 0xec, 0x00}, mask: []byte{0xff, 0xff, 0xff, 0x00}, len: 4},
	{name: "mov [rsp+off], rbx", bytes: []byte{0x48, 0x89, 0x5c, 0x24, 0x00}, mask: []byte{0xff, 0xff, 0xff, 0xff, 0x00}, len: 5},
	{name: "mov [rsp-8+arg_8], rdx", bytes: []byte{0x48, 0x89, 0x54, 0x24, 0x00}, mask: []byte{0xff, 0xff, 0xff, 0xff, 0x00}, len: 5},
}

// Match returns the instruction length of the pattern matching the
// first bytes of code, or false if none of patternTable matches. A
// pattern longer than code is skipped, so input shorter than the
// longest pattern can still match one of the shorter patterns.
func Match(code []byte) (length int, name string, ok bool) {
	for _, p := range patternTable {
		if len(code) < len(p.bytes) {
			continue
		}
		if matchesMasked(code[:len(p.bytes)], p.bytes, p.mask) {
			return p.len, p.name, true
		}
	}
	return 0, "", false
}

func matchesMasked(code, want, mask []byte) bool {
	masked := make([]byte, len(code))
	for i := range code {
		masked[i] = code[i] & mask[i]
	}
	return bytes.Equal(masked, maskedWant(want, mask))
}

func maskedWant(want, mask []byte) []byte {
	out := make([]byte, len(want))
	for i := range want {
		out[i] = want[i] & mask[i]
	}
	return out
}

// maxPatternLen is the longest byte sequence any pattern in patternTable
// inspects; used by callers to know how many bytes of the hook site they
// must read before calling Match.
func maxPatternLen() int {
	max := 0
	for _, p := range patternTable {
		if len(p.bytes) > max {
			max = len(p.bytes)
		}
	}
	return max
}

// MaxPatternLen is exported for callers sizing their read of the hook
// site prior to calling Match or Build.
var MaxPatternLen = maxPatternLen()
