// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutate

import (
	"math/rand"
)

// Format-aware mutators share a common shape: parse the container, locate
// mutable payload regions, run a small set of byte-level mutators over each
// region and splice the mutated region back without disturbing the
// surrounding structure. If parsing fails, the whole input is handed to the
// fallback so a corrupt sample still produces variants.

const (
	perRegionLimit = 20
	maxVariants    = 200
)

// regionSet is the byte-level mutator pool applied inside payload regions.
type regionSet struct {
	muts     []Mutator
	fallback Mutator
}

func newRegionSet(rnd *rand.Rand) *regionSet {
	return &regionSet{
		muts: []Mutator{
			NewBitFlip(256),
			NewArith(64),
			NewInterest(64),
			NewHavoc(rnd, 4, 6),
		},
		fallback: NewHavoc(rnd, 20, 8),
	}
}

// mutateRegion feeds region through every byte-level mutator and hands each
// variant (trimmed or padded back to the region size when keepLen is set) to
// rebuild, which splices it into a full input. Enumeration respects both the
// per-region limit and the caller's remaining variant budget.
func (rs *regionSet) mutateRegion(region []byte, keepLen bool, budget *int,
	rebuild func(v []byte) []byte, emit func([]byte) bool) bool {
	produced := 0
	for _, mut := range rs.muts {
		if produced >= perRegionLimit || *budget <= 0 {
			return true
		}
		stop := false
		mut.Mutate(region, func(v []byte) bool {
			if keepLen {
				v = fitLen(v, len(region))
			}
			out := rebuild(v)
			if out == nil {
				return true
			}
			produced++
			*budget--
			if !emit(out) {
				stop = true
				return false
			}
			return produced < perRegionLimit && *budget > 0
		})
		if stop {
			return false
		}
	}
	return true
}
