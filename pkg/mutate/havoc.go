// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"math/rand"
)

// Havoc stacks a random number of destructive edits per round and emits one
// variant per round. The op table mixes byte-local edits with block-level
// ones so both parser state machines and length fields get stressed.
type Havoc struct {
	Rounds     int
	MaxChanges int

	rnd   *rand.Rand
	scale float64
}

func NewHavoc(rnd *rand.Rand, rounds, maxChanges int) *Havoc {
	if rounds <= 0 {
		rounds = 20
	}
	if maxChanges <= 0 {
		maxChanges = 8
	}
	return &Havoc{Rounds: rounds, MaxChanges: maxChanges, rnd: rnd, scale: 1}
}

func (m *Havoc) Name() string {
	return "havoc"
}

// SetScale widens the edit budget while coverage growth has stalled.
// Scale 1 restores the configured behavior.
func (m *Havoc) SetScale(scale float64) {
	if scale < 1 {
		scale = 1
	}
	m.scale = scale
}

func (m *Havoc) Mutate(data []byte, emit func([]byte) bool) {
	rounds := int(float64(m.Rounds) * m.scale)
	maxChanges := int(float64(m.MaxChanges) * m.scale)
	for i := 0; i < rounds; i++ {
		out := append([]byte{}, data...)
		for n := 1 + m.rnd.Intn(maxChanges); n > 0; n-- {
			out = m.edit(out)
		}
		if !emit(out) {
			return
		}
	}
}

func (m *Havoc) edit(data []byte) []byte {
	const nops = 8
	switch op := m.rnd.Intn(nops); op {
	case 0: // flip one bit
		if len(data) == 0 {
			return data
		}
		data[m.rnd.Intn(len(data))] ^= 1 << m.rnd.Intn(8)
	case 1: // xor a byte
		if len(data) == 0 {
			return data
		}
		data[m.rnd.Intn(len(data))] ^= byte(1 + m.rnd.Intn(255))
	case 2: // set a byte
		if len(data) == 0 {
			return data
		}
		data[m.rnd.Intn(len(data))] = byte(m.rnd.Intn(256))
	case 3: // insert a byte
		idx := 0
		if len(data) > 0 {
			idx = m.rnd.Intn(len(data) + 1)
		}
		data = append(data, 0)
		copy(data[idx+1:], data[idx:])
		data[idx] = byte(m.rnd.Intn(256))
	case 4: // delete a byte
		if len(data) == 0 {
			return data
		}
		idx := m.rnd.Intn(len(data))
		data = append(data[:idx], data[idx+1:]...)
	case 5: // overwrite a block with a constant
		if len(data) == 0 {
			return data
		}
		start, n := m.randBlock(len(data))
		b := byte(m.rnd.Intn(256))
		for i := start; i < start+n; i++ {
			data[i] = b
		}
	case 6: // duplicate a block to another position
		if len(data) == 0 {
			return data
		}
		start, n := m.randBlock(len(data))
		dst := m.rnd.Intn(len(data))
		block := append([]byte{}, data[start:start+n]...)
		data = append(data[:dst], append(block, data[dst:]...)...)
	case 7: // copy a block over another position
		if len(data) < 2 {
			return data
		}
		start, n := m.randBlock(len(data))
		dst := m.rnd.Intn(len(data) - n + 1)
		copy(data[dst:dst+n], data[start:start+n])
	}
	return data
}

func (m *Havoc) randBlock(size int) (start, n int) {
	n = 1 + m.rnd.Intn(size)
	if n > 32 {
		n = 32
	}
	start = m.rnd.Intn(size - n + 1)
	return
}
