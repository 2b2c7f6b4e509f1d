// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

// BitFlip walks the input front to back flipping single bits, adjacent bit
// pairs and whole bytes. The walk is bounded to the first MaxBits bits so
// long inputs do not explode the deterministic stage.
type BitFlip struct {
	MaxBits int
}

func NewBitFlip(maxBits int) *BitFlip {
	if maxBits <= 0 {
		maxBits = 64
	}
	return &BitFlip{MaxBits: maxBits}
}

func (m *BitFlip) Name() string {
	return "bitflip"
}

func (m *BitFlip) Mutate(data []byte, emit func([]byte) bool) {
	if len(data) == 0 {
		return
	}
	limit := len(data) * 8
	if limit > m.MaxBits {
		limit = m.MaxBits
	}
	for bit := 0; bit < limit; bit++ {
		out := clone(data)
		out[bit/8] ^= 1 << (bit % 8)
		if !emit(out) {
			return
		}
	}
	for bit := 0; bit+1 < limit; bit++ {
		out := clone(data)
		out[bit/8] ^= 1 << (bit % 8)
		out[(bit+1)/8] ^= 1 << ((bit + 1) % 8)
		if !emit(out) {
			return
		}
	}
	for pos := 0; pos < (limit+7)/8 && pos < len(data); pos++ {
		out := clone(data)
		out[pos] ^= 0xff
		if !emit(out) {
			return
		}
	}
}
