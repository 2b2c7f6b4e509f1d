// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/greyfuzz/greyfuzz/pkg/testutil"
)

func TestScheduleStochasticMix(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	s := NewSchedule(r, func() [][]byte { return nil })
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[s.Stochastic([]byte{0x00, 0x01, 0x02, 0x80}).Name()]++
	}
	// Raw input: only havoc and splice, roughly 70/30.
	assert.Len(t, counts, 2)
	assert.InDelta(t, 1400, counts["havoc"], 150)
	assert.InDelta(t, 600, counts["splice"], 150)
}

func TestScheduleFormatNeverExclusive(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	s := NewSchedule(r, func() [][]byte { return nil })
	counts := map[string]int{}
	png := append(clone(pngSig), 0, 0)
	for i := 0; i < 2000; i++ {
		counts[s.Stochastic(png).Name()]++
	}
	// The structural mutator takes its share, but generic mutation
	// always keeps part of the schedule.
	assert.Greater(t, counts["png"], 0)
	assert.Greater(t, counts["havoc"]+counts["splice"], 0)
	assert.Less(t, counts["png"], 2000)
}

func TestScheduleAggression(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	s := NewSchedule(r, func() [][]byte { return nil })
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	// Flat coverage across a full window triggers the aggressive phase.
	for i := 0; i < 10; i++ {
		s.ObserveCoverage(100)
		now = now.Add(5 * time.Second)
	}
	assert.True(t, s.Aggressive())

	// Strong growth after the minimum duration releases it.
	now = now.Add(s.MinDuration)
	points := 100
	for i := 0; i < 10; i++ {
		points += 100
		s.ObserveCoverage(points)
		now = now.Add(5 * time.Second)
	}
	assert.False(t, s.Aggressive())
}

func TestScheduleDeterministicStage(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	s := NewSchedule(r, func() [][]byte { return nil })
	var names []string
	for _, m := range s.Deterministic() {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{"bitflip", "arith", "interest"}, names)
}
