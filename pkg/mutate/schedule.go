// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"math/rand"
	"time"
)

// Schedule owns the full mutator pool and decides which mutator handles a
// given input. Deterministic mutators run as a fixed stage; the stochastic
// stage mixes havoc and splice 70/30, with the detected format-aware
// mutator taking a weighted share when the input matches a known format.
// A format-aware mutator is never used exclusively: generic byte mutation
// always keeps a share of the schedule.
//
// The schedule also tracks cumulative coverage growth over a sliding
// window. When growth stalls it enters an aggressive phase: havoc and
// splice get a wider edit budget and the schedule shifts weight from the
// structural mutators back to the generic pool.
type Schedule struct {
	rnd     *rand.Rand
	det     []Mutator
	havoc   *Havoc
	splice  *Splice
	formats map[Format]Mutator

	// FormatWeight is the share of stochastic picks routed to the
	// format-aware mutator when one matches; always < 1.
	FormatWeight float64
	// SpliceWeight is the splice share of the generic stochastic picks.
	SpliceWeight float64

	// Growth stall detection.
	Window      time.Duration
	MinRate     float64 // coverage points per second considered healthy
	Scale       float64 // edit budget factor while aggressive
	MinDuration time.Duration
	Cooldown    time.Duration

	now        func() time.Time
	samples    []growthSample
	aggressive bool
	enteredAt  time.Time
	exitedAt   time.Time
}

type growthSample struct {
	at     time.Time
	points int
}

func NewSchedule(rnd *rand.Rand, pool func() [][]byte) *Schedule {
	s := &Schedule{
		rnd:    rnd,
		det:    []Mutator{NewBitFlip(0), NewArith(0), NewInterest(0)},
		havoc:  NewHavoc(rnd, 0, 0),
		splice: NewSplice(rnd, pool),

		FormatWeight: 0.5,
		SpliceWeight: 0.3,
		Window:       30 * time.Second,
		MinRate:      0.5,
		Scale:        2.0,
		MinDuration:  15 * time.Second,
		Cooldown:     60 * time.Second,

		now: time.Now,
	}
	s.formats = map[Format]Mutator{
		FormatELF:  NewELFSections(rnd),
		FormatPNG:  NewPNGChunks(rnd),
		FormatJPEG: NewJPEGSegments(rnd),
		FormatPCAP: NewPCAPRecords(rnd),
		FormatLua:  NewLuaSource(rnd),
		FormatMJS:  NewMJSSource(rnd),
		FormatXML:  NewXMLDoc(rnd),
	}
	return s
}

// Deterministic returns the ordered deterministic stage.
func (s *Schedule) Deterministic() []Mutator {
	return s.det
}

// Stochastic picks the mutator for one stochastic round on data.
func (s *Schedule) Stochastic(data []byte) Mutator {
	formatWeight := s.FormatWeight
	if s.aggressive {
		formatWeight /= 2
	}
	if fm, ok := s.formats[Detect(data)]; ok && s.rnd.Float64() < formatWeight {
		return fm
	}
	if s.rnd.Float64() < s.SpliceWeight {
		return s.splice
	}
	return s.havoc
}

// Aggressive reports whether the schedule is in its widened-budget phase.
func (s *Schedule) Aggressive() bool {
	return s.aggressive
}

// ObserveCoverage feeds the current cumulative coverage point count into
// the growth tracker. Call it whenever cumulative coverage may have moved.
func (s *Schedule) ObserveCoverage(points int) {
	now := s.now()
	s.samples = append(s.samples, growthSample{now, points})
	cutoff := now.Add(-s.Window)
	for len(s.samples) > 1 && s.samples[1].at.Before(cutoff) {
		s.samples = s.samples[1:]
	}
	oldest := s.samples[0]
	elapsed := now.Sub(oldest.at).Seconds()
	if elapsed < s.Window.Seconds()/2 {
		return // not enough history to judge
	}
	rate := float64(points-oldest.points) / elapsed
	slow := rate < s.MinRate
	switch {
	case slow && !s.aggressive:
		if now.Sub(s.exitedAt) >= s.Cooldown {
			s.aggressive = true
			s.enteredAt = now
			s.havoc.SetScale(s.Scale)
			s.splice.SetScale(s.Scale)
		}
	case !slow && s.aggressive:
		if now.Sub(s.enteredAt) >= s.MinDuration {
			s.aggressive = false
			s.exitedAt = now
			s.havoc.SetScale(1)
			s.splice.SetScale(1)
		}
	}
}
