// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

// Interest overwrites 1/2/4-byte fields with boundary constants, in both
// byte orders for the multi-byte widths.
type Interest struct {
	MaxPositions int
}

func NewInterest(maxPositions int) *Interest {
	if maxPositions <= 0 {
		maxPositions = 32
	}
	return &Interest{MaxPositions: maxPositions}
}

func (m *Interest) Name() string {
	return "interest"
}

func (m *Interest) Mutate(data []byte, emit func([]byte) bool) {
	if len(data) == 0 {
		return
	}
	maxPos := len(data)
	if maxPos > m.MaxPositions {
		maxPos = m.MaxPositions
	}
	for pos := 0; pos < maxPos; pos++ {
		for _, v := range interesting8 {
			out := clone(data)
			out[pos] = v
			if !emit(out) {
				return
			}
		}
	}
	for pos := 0; pos+2 <= len(data) && pos < m.MaxPositions; pos++ {
		for _, bigEndian := range []bool{false, true} {
			for _, v := range interesting16 {
				out := clone(data)
				putUint(out[pos:], uint64(v), 2, bigEndian)
				if !emit(out) {
					return
				}
			}
		}
	}
	for pos := 0; pos+4 <= len(data) && pos < m.MaxPositions; pos++ {
		for _, bigEndian := range []bool{false, true} {
			for _, v := range interesting32 {
				out := clone(data)
				putUint(out[pos:], uint64(v), 4, bigEndian)
				if !emit(out) {
					return
				}
			}
		}
	}
}
