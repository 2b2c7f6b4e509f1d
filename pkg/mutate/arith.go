// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

// Arith nudges 1/2/4-byte fields by small deltas with wraparound, in both
// byte orders for the multi-byte widths. Positions are bounded to the input
// front, same as the bit flip walk.
type Arith struct {
	MaxPositions int
}

var arithDeltas = []int64{1, -1, 2, -2, 8, -8, 16, -16}

func NewArith(maxPositions int) *Arith {
	if maxPositions <= 0 {
		maxPositions = 32
	}
	return &Arith{MaxPositions: maxPositions}
}

func (m *Arith) Name() string {
	return "arith"
}

func (m *Arith) Mutate(data []byte, emit func([]byte) bool) {
	if len(data) == 0 {
		return
	}
	maxPos := len(data)
	if maxPos > m.MaxPositions {
		maxPos = m.MaxPositions
	}
	for pos := 0; pos < maxPos; pos++ {
		for _, d := range arithDeltas {
			out := clone(data)
			out[pos] = byte(int64(out[pos]) + d)
			if !emit(out) {
				return
			}
		}
	}
	for _, size := range []int{2, 4} {
		mask := uint64(1)<<(size*8) - 1
		for pos := 0; pos+size <= len(data) && pos < m.MaxPositions; pos++ {
			for _, bigEndian := range []bool{false, true} {
				val := getUint(data[pos:], size, bigEndian)
				for _, d := range arithDeltas {
					out := clone(data)
					putUint(out[pos:], uint64(int64(val)+d)&mask, size, bigEndian)
					if !emit(out) {
						return
					}
				}
			}
		}
	}
}
