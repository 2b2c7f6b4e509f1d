// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"bytes"
	"math/rand"
)

// Splice combines the input with another corpus sample at random break
// points. The second sample is drawn through the Pool callback on every
// attempt, so the mutator always sees the live corpus rather than a stale
// copy. Self-copies and variants outside [MinOut, MaxOut] are rejected.
type Splice struct {
	// Pool returns the current corpus samples to splice against.
	Pool func() [][]byte

	Attempts int
	MinOut   int
	MaxOut   int
	// Align snaps break points to a multiple, to avoid shearing
	// multi-byte fields in binary formats.
	Align int
	// SimilarityThreshold is the maximum common-prefix ratio for the
	// preferred partner; more distant partners produce more interesting
	// recombinations.
	SimilarityThreshold float64

	rnd   *rand.Rand
	scale float64
}

func NewSplice(rnd *rand.Rand, pool func() [][]byte) *Splice {
	return &Splice{
		Pool:                pool,
		Attempts:            8,
		MinOut:              1,
		MaxOut:              4096,
		Align:               1,
		SimilarityThreshold: 0.1,
		rnd:                 rnd,
		scale:               1,
	}
}

func (m *Splice) Name() string {
	return "splice"
}

// SetScale raises the attempt budget and relaxes the partner similarity
// constraint while coverage growth has stalled.
func (m *Splice) SetScale(scale float64) {
	if scale < 1 {
		scale = 1
	}
	m.scale = scale
}

func (m *Splice) Mutate(data []byte, emit func([]byte) bool) {
	pool := m.Pool()
	if len(pool) == 0 {
		return
	}
	attempts := int(float64(m.Attempts) * m.scale)
	maxOut := int(float64(m.MaxOut) * m.scale)
	simThreshold := m.SimilarityThreshold * (1 + 0.5*(m.scale-1))
	for i := 0; i < attempts; i++ {
		other := m.pickPartner(data, pool, simThreshold)
		if other == nil {
			continue
		}
		out := m.combine(data, other)
		if out == nil || len(out) < m.MinOut || len(out) > maxOut {
			continue
		}
		if !emit(out) {
			return
		}
	}
}

// pickPartner samples a few pool members and prefers one whose common
// prefix with data is short.
func (m *Splice) pickPartner(data []byte, pool [][]byte, simThreshold float64) []byte {
	k := len(pool)
	if k > 8 {
		k = 8
	}
	var fallback []byte
	for _, idx := range m.rnd.Perm(len(pool))[:k] {
		cand := pool[idx]
		if len(cand) == 0 || bytes.Equal(cand, data) {
			continue
		}
		if fallback == nil {
			fallback = cand
		}
		if similarity(data, cand) <= simThreshold {
			return cand
		}
	}
	return fallback
}

func similarity(a, b []byte) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return float64(i) / float64(max)
}

func (m *Splice) combine(data, other []byte) []byte {
	align := m.Align
	if align < 1 {
		align = 1
	}
	snap := func(v int) int { return v / align * align }
	switch m.rnd.Intn(4) {
	case 0: // prefix of data + suffix of other
		a := snap(m.rnd.Intn(len(data) + 1))
		b := snap(m.rnd.Intn(len(other) + 1))
		return concat(data[:a], other[b:])
	case 1: // prefix of data + all of other
		a := snap(m.rnd.Intn(len(data) + 1))
		return concat(data[:a], other)
	case 2: // all of data + suffix of other
		b := snap(m.rnd.Intn(len(other) + 1))
		return concat(data, other[b:])
	default: // crossover
		if len(data) == 0 || len(other) == 0 {
			return nil
		}
		a := snap(m.rnd.Intn(len(data)))
		b := snap(1 + m.rnd.Intn(len(other)))
		return concat(data[:a], other[b:])
	}
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
