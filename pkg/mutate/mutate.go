// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutate generates candidate inputs from corpus samples.
//
// All mutators implement the same lazy enumeration interface regardless of
// whether they are deterministic walks, random havoc or format-aware
// structural edits. Format-aware mutators never fail hard: unparsable data
// degrades to generic byte-level mutation.
package mutate

import (
	"encoding/binary"
)

// Mutator enumerates variants of an input. Enumeration is lazy and finite:
// emit is called once per variant and enumeration stops early when emit
// returns false. The input slice is never modified; every emitted variant is
// a fresh allocation the callee may retain.
type Mutator interface {
	Name() string
	Mutate(data []byte, emit func([]byte) bool)
}

// Interesting values, afl style. Replacing a field with one of these tends
// to land on boundary conditions of size checks and signed comparisons.
var (
	interesting8  = []uint8{0, 1, 0x7f, 0x80, 0xff}
	interesting16 = []uint16{0, 1, 0x7fff, 0x8000, 0xffff}
	interesting32 = []uint32{0, 1, 0x7fffffff, 0x80000000, 0xffffffff}
)

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func putUint(buf []byte, val uint64, size int, bigEndian bool) {
	switch size {
	case 2:
		if bigEndian {
			binary.BigEndian.PutUint16(buf, uint16(val))
		} else {
			binary.LittleEndian.PutUint16(buf, uint16(val))
		}
	case 4:
		if bigEndian {
			binary.BigEndian.PutUint32(buf, uint32(val))
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(val))
		}
	default:
		buf[0] = byte(val)
	}
}

func getUint(buf []byte, size int, bigEndian bool) uint64 {
	switch size {
	case 2:
		if bigEndian {
			return uint64(binary.BigEndian.Uint16(buf))
		}
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		if bigEndian {
			return uint64(binary.BigEndian.Uint32(buf))
		}
		return uint64(binary.LittleEndian.Uint32(buf))
	default:
		return uint64(buf[0])
	}
}

// fitLen truncates or zero-pads v to exactly n bytes. Structural mutators
// use it to keep region sizes stable so surrounding headers stay valid.
func fitLen(v []byte, n int) []byte {
	if len(v) == n {
		return v
	}
	out := make([]byte, n)
	copy(out, v)
	return out
}

// Collect drains a mutator into a slice, stopping after max variants.
// Intended for tests and one-shot tooling, not the fuzzing hot path.
func Collect(m Mutator, data []byte, max int) [][]byte {
	var out [][]byte
	m.Mutate(data, func(v []byte) bool {
		out = append(out, v)
		return len(out) < max
	})
	return out
}
