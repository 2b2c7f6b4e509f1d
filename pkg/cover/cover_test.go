// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cover

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/greyfuzz/greyfuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMergeAndCountNew(t *testing.T) {
	cum := NewBitmap(16)
	sample := NewBitmap(16)
	sample[1] = 1
	sample[5] = 3

	n, err := cum.MergeAndCountNew(sample)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, cum.Count())

	// Idempotent: the same sample adds nothing the second time.
	n, err = cum.MergeAndCountNew(sample)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	// Higher intensity in an already-hit bucket counts as new.
	sample[5] = 7
	n, err = cum.MergeAndCountNew(sample)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(7), cum[5])
}

func TestMergeSizeMismatch(t *testing.T) {
	cum := NewBitmap(16)
	_, err := cum.MergeAndCountNew(NewBitmap(32))
	assert.Error(t, err)
}

func TestSignature(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	bm1 := NewBitmap(64)
	r.Read(bm1)
	bm2 := bm1.Copy()
	assert.Equal(t, bm1.Signature(), bm2.Signature())

	bm2[17]++
	assert.NotEqual(t, bm1.Signature(), bm2.Signature())
}

func TestPointSet(t *testing.T) {
	bm := NewBitmap(8)
	bm[0] = 1
	bm[3] = 9
	bm[7] = 255
	if diff := cmp.Diff([]int{0, 3, 7}, bm.PointSet()); diff != "" {
		t.Fatal(diff)
	}
	assert.Nil(t, NewBitmap(8).PointSet())
}

func TestMergeRandom(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	cum := NewBitmap(DefaultMapSize)
	total := 0
	for i := 0; i < 10; i++ {
		sample := NewBitmap(DefaultMapSize)
		for j := 0; j < 100; j++ {
			sample[r.Intn(len(sample))] = byte(1 + r.Intn(255))
		}
		n, err := cum.MergeAndCountNew(sample)
		assert.NoError(t, err)
		total += n
		// Replaying the sample must never add hits.
		n, err = cum.MergeAndCountNew(sample)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	assert.GreaterOrEqual(t, total, cum.Count())
}
