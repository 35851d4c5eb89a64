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
	"fmt"

	"github.com/hookvisor/hookvisor/pkg/hvlog"
)

// ErrUnsupportedPrefix is returned when no entry in patternTable matches
// the bytes at a hook site, or the matched instruction would straddle a
// page boundary. Wraps hvlog.ErrUnsupportedPrefix so callers can
// classify it without importing this package.
var ErrUnsupportedPrefix = fmt.Errorf("trampoline: unsupported instruction prefix at hook site: %w", hvlog.ErrUnsupportedPrefix)

// jmpRipRel0 is the 6-byte encoding of "jmp qword [rip+0]": FF 25
// followed by a 4-byte zero displacement, meaning the target pointer
// sits immediately after the 6-byte instruction. We lay the pointer out
// directly after those 6 bytes, so the displacement is always 0.
var jmpRipRel0 = []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}

// Size returns the total byte length of the stub Build would produce
// for an instruction of length l.
func Size(l int) int { return l + 1 + len(jmpRipRel0) + 8 }

// Build copies the first l bytes of code (the matched instruction at
// hookVA), appends a single-byte NOP pad, a "jmp [rip+0]" indirect jump,
// and the absolute continuation address hookVA+l, producing the
// "original_call" stub a hooked function's trampoline needs. The caller
// is responsible for placing the result in executable memory; Build
// itself only produces bytes.
func Build(code []byte, l int, hookVA uint64) ([]byte, error) {
	if l <= 0 || l > len(code) {
		return nil, fmt.Errorf("trampoline: invalid instruction length %d for %d available bytes", l, len(code))
	}
	out := make([]byte, 0, Size(l))
	out = append(out, code[:l]...)
	out = append(out, 0x90) // nop
	out = append(out, jmpRipRel0...)

	target := make([]byte, 8)
	binary.LittleEndian.PutUint64(target, hookVA+uint64(l))
	out = append(out, target...)

	return out, nil
}

// BuildAt matches the prologue at the start of code and builds its
// trampoline in one step, returning ErrUnsupportedPrefix if code's
// prefix matches no recognized pattern, or if the matched instruction
// would run past pageRemaining bytes (the distance from hookVA to the
// end of its containing 4 KiB page) — straddling a page boundary.
func BuildAt(code []byte, hookVA uint64, pageRemaining int) ([]byte, int, error) {
	length, _, ok := Match(code)
	if !ok {
		return nil, 0, ErrUnsupportedPrefix
	}
	if length > pageRemaining {
		return nil, 0, fmt.Errorf("%w: instruction of length %d straddles page boundary (%d bytes remain)", ErrUnsupportedPrefix, length, pageRemaining)
	}
	stub, err := Build(code, length, hookVA)
	if err != nil {
		return nil, 0, err
	}
	return stub, length, nil
}
