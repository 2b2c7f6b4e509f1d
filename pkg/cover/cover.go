// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cover provides the coverage bitmap type used as feedback signal.
//
// A Bitmap holds one byte of hit intensity per coverage bucket (edge id).
// Its size is fixed for the lifetime of a fuzzing session and equals the
// shared memory region the instrumented target writes into.
package cover

import (
	"fmt"

	"github.com/greyfuzz/greyfuzz/pkg/hash"
)

// DefaultMapSize matches the default map size of afl-style instrumentation.
const DefaultMapSize = 1 << 16

type Bitmap []byte

func NewBitmap(size int) Bitmap {
	if size <= 0 {
		size = DefaultMapSize
	}
	return make(Bitmap, size)
}

// FromRaw wraps a raw shared-memory snapshot without copying.
func FromRaw(raw []byte) Bitmap {
	return Bitmap(raw)
}

func (bm Bitmap) Copy() Bitmap {
	c := make(Bitmap, len(bm))
	copy(c, bm)
	return c
}

// MergeAndCountNew raises every cell of bm to the sample's intensity and
// returns the number of raised cells. It runs in time proportional to the
// map size regardless of how much coverage has accumulated, which is what
// keeps per-execution overhead flat over long sessions.
// Merging the same sample twice yields zero the second time.
func (bm Bitmap) MergeAndCountNew(sample Bitmap) (int, error) {
	if len(bm) != len(sample) {
		return 0, fmt.Errorf("bitmap size mismatch: %v vs %v", len(bm), len(sample))
	}
	newHits := 0
	for i, v := range sample {
		if v > bm[i] {
			bm[i] = v
			newHits++
		}
	}
	return newHits, nil
}

// Count returns the number of hit buckets.
func (bm Bitmap) Count() int {
	n := 0
	for _, v := range bm {
		if v != 0 {
			n++
		}
	}
	return n
}

// Empty reports whether no bucket was hit.
func (bm Bitmap) Empty() bool {
	for _, v := range bm {
		if v != 0 {
			return false
		}
	}
	return true
}

// Signature returns a content digest of the bitmap for O(1) duplicate-coverage
// detection. Bit-identical bitmaps always produce the same signature.
func (bm Bitmap) Signature() hash.Sig {
	return hash.Hash(bm)
}

// PointSet materializes the sparse set of hit bucket ids.
// It is intended for reporting and export, not for the execution hot path.
func (bm Bitmap) PointSet() []int {
	var points []int
	for i, v := range bm {
		if v != 0 {
			points = append(points, i)
		}
	}
	return points
}
