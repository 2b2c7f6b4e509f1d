// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greyfuzz/greyfuzz/pkg/cover"
	"github.com/greyfuzz/greyfuzz/pkg/db"
	"github.com/greyfuzz/greyfuzz/pkg/executor"
	"github.com/greyfuzz/greyfuzz/pkg/hash"
	"github.com/greyfuzz/greyfuzz/pkg/testutil"
)

const testMapSize = 256

func newTestCorpus(t *testing.T, cfg Config) *Corpus {
	c, err := New(cfg, testMapSize, rand.New(testutil.RandSource(t)), "")
	require.NoError(t, err)
	return c
}

// bitmapWith builds an execution bitmap hitting the given buckets.
func bitmapWith(buckets ...int) cover.Bitmap {
	bm := cover.NewBitmap(testMapSize)
	for _, b := range buckets {
		bm[b] = 1
	}
	return bm
}

func normalResult(bm cover.Bitmap) *executor.Result {
	return &executor.Result{
		Status:   executor.StatusNormal,
		Duration: time.Millisecond,
		Coverage: bm,
	}
}

func TestAddSeedNext(t *testing.T) {
	c := newTestCorpus(t, DefaultConfig())
	assert.Nil(t, c.Next())
	seed := c.AddSeed([]byte("AAAA"))
	assert.Equal(t, 1, c.Len())
	got := c.Next()
	require.NotNil(t, got)
	assert.Equal(t, seed.ID, got.ID)
	assert.Equal(t, 1, got.Cycles)
}

// Scenario: a target with constant coverage admits nothing beyond the seed.
func TestConstantCoverageAdmitsNothing(t *testing.T) {
	c := newTestCorpus(t, DefaultConfig())
	seed := c.AddSeed([]byte("AAAA"))
	bm := bitmapWith(1, 2, 3)

	novelty, admitted, err := c.ReportResult(seed, seed.Data, normalResult(bm))
	require.NoError(t, err)
	assert.Equal(t, 3, novelty)
	assert.Nil(t, admitted) // re-running the seed itself never duplicates it

	for i := 0; i < 100; i++ {
		mutant := []byte{byte(i), 'A', 'A', 'A'}
		novelty, admitted, err = c.ReportResult(seed, mutant, normalResult(bm.Copy()))
		require.NoError(t, err)
		assert.Equal(t, 0, novelty)
		assert.Nil(t, admitted)
	}
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 3, c.Cumulative().Count())
}

// Scenario: a mutant with a differing bitmap is admitted, favored, and
// carries a signature distinct from the seed's.
func TestNovelMutantAdmitted(t *testing.T) {
	c := newTestCorpus(t, DefaultConfig())
	seed := c.AddSeed([]byte{0, 0, 0, 0})
	_, _, err := c.ReportResult(seed, seed.Data, normalResult(bitmapWith(10)))
	require.NoError(t, err)

	mutant := []byte{1, 0, 0, 0}
	novelty, admitted, err := c.ReportResult(seed, mutant, normalResult(bitmapWith(10, 20)))
	require.NoError(t, err)
	assert.Equal(t, 1, novelty)
	require.NotNil(t, admitted)
	assert.Equal(t, mutant, admitted.Data)
	assert.True(t, admitted.Favored(time.Now()))
	assert.NotEqual(t, seed.Sig, admitted.Sig)
	assert.LessOrEqual(t, admitted.Energy, DefaultConfig().NovelAdmitCap)
	assert.GreaterOrEqual(t, admitted.Energy, 6)
}

// The first result reported for a fresh candidate is normally a mutant's,
// not its own. The mutant must be admitted on its own signature and the
// parent must not adopt coverage it never produced.
func TestFirstReportFromMutant(t *testing.T) {
	c := newTestCorpus(t, DefaultConfig())
	seed := c.AddSeed([]byte{0, 0, 0, 0})

	mutant := []byte{1, 0, 0, 0}
	bm := bitmapWith(10, 20)
	novelty, admitted, err := c.ReportResult(seed, mutant, normalResult(bm))
	require.NoError(t, err)
	assert.Equal(t, 2, novelty)
	require.NotNil(t, admitted)
	assert.Equal(t, mutant, admitted.Data)
	assert.True(t, admitted.Favored(time.Now()))
	assert.Equal(t, bm.Signature(), admitted.Sig)
	assert.NotEqual(t, admitted.Sig, seed.Sig)

	// The seed's signature stays unset until its own bytes run.
	assert.Equal(t, hash.Sig{}, seed.Sig)
	seedBM := bitmapWith(10)
	_, _, err = c.ReportResult(seed, seed.Data, normalResult(seedBM))
	require.NoError(t, err)
	assert.Equal(t, seedBM.Signature(), seed.Sig)
}

func TestSignatureDedup(t *testing.T) {
	c := newTestCorpus(t, DefaultConfig())
	seed := c.AddSeed([]byte("seed"))
	_, _, err := c.ReportResult(seed, seed.Data, normalResult(bitmapWith(1)))
	require.NoError(t, err)

	bm := bitmapWith(1, 7)
	_, first, err := c.ReportResult(seed, []byte("mutant-1"), normalResult(bm))
	require.NoError(t, err)
	require.NotNil(t, first)

	// Identical coverage signature: the second mutant is not admitted even
	// though its bytes differ.
	_, second, err := c.ReportResult(seed, []byte("mutant-2"), normalResult(bm.Copy()))
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, 2, c.Len())
}

func TestEnergyBounds(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCorpus(t, cfg)
	seed := c.AddSeed([]byte("seed"))
	for i := 0; i < 50; i++ {
		bm := bitmapWith(i, i+100)
		_, admitted, err := c.ReportResult(seed, []byte{byte(i), 1}, normalResult(bm))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, seed.Energy, 1)
		assert.LessOrEqual(t, seed.Energy, cfg.MaxEnergy)
		if admitted != nil {
			assert.GreaterOrEqual(t, admitted.Energy, 1)
			assert.LessOrEqual(t, admitted.Energy, cfg.NovelAdmitCap)
		}
	}
	for i := 0; i < 500; i++ {
		cand := c.Next()
		require.NotNil(t, cand)
		assert.GreaterOrEqual(t, cand.Energy, 1)
		assert.LessOrEqual(t, cand.Energy, cfg.MaxEnergy)
	}
}

func TestCrashSuppression(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCorpus(t, cfg)
	seed := c.AddSeed([]byte("seed"))
	seed.Energy = cfg.MaxEnergy
	_, _, err := c.ReportResult(seed, seed.Data, normalResult(bitmapWith(1)))
	require.NoError(t, err)

	crash := &executor.Result{
		Status:   executor.StatusCrash,
		Duration: time.Millisecond,
		Coverage: bitmapWith(1, 2),
	}
	novelty, admitted, err := c.ReportResult(seed, []byte("crasher"), crash)
	require.NoError(t, err)
	assert.Equal(t, 1, novelty)
	// Crashing variants are not auto-admitted, and the crash-prone parent's
	// energy is capped low.
	assert.Nil(t, admitted)
	assert.LessOrEqual(t, seed.Energy, cfg.CrashEnergyCap)
}

func TestCrashAdmissionPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdmitCrashes = true
	c := newTestCorpus(t, cfg)
	seed := c.AddSeed([]byte("seed"))
	_, _, err := c.ReportResult(seed, seed.Data, normalResult(bitmapWith(1)))
	require.NoError(t, err)

	crash := &executor.Result{
		Status:   executor.StatusCrash,
		Duration: time.Millisecond,
		Coverage: bitmapWith(1, 2),
	}
	_, admitted, err := c.ReportResult(seed, []byte("crasher"), crash)
	require.NoError(t, err)
	require.NotNil(t, admitted)
	assert.Equal(t, []byte("crasher"), admitted.Data)
}

func TestFavoredSamplingAndDecay(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCorpus(t, cfg)
	now := time.Unix(5000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		c.AddSeed([]byte{byte(i)})
	}
	seed := c.active[c.order[0]]
	_, _, err := c.ReportResult(seed, seed.Data, normalResult(bitmapWith(1)))
	require.NoError(t, err)
	_, fav, err := c.ReportResult(seed, []byte("novel"), normalResult(bitmapWith(1, 2)))
	require.NoError(t, err)
	require.NotNil(t, fav)
	require.True(t, fav.Favored(now))

	// The favored member dominates selection while the flag lasts.
	picks := 0
	for i := 0; i < 200 && fav.Favored(now); i++ {
		if c.Next() == fav {
			picks++
		}
	}
	assert.Greater(t, picks, 0)
	// Repeated favored selections decay the flag.
	assert.False(t, fav.Favored(now))
	assert.LessOrEqual(t, fav.favoredPicks, cfg.FavoredMaxPicks+1)

	// And the TTL alone expires it too.
	_, fav2, err := c.ReportResult(seed, []byte("novel2"), normalResult(bitmapWith(1, 2, 3)))
	require.NoError(t, err)
	require.NotNil(t, fav2)
	now = now.Add(cfg.FavoredTTL + time.Second)
	assert.False(t, fav2.Favored(now))
}

func TestPruneKeepsCeilingAndArchives(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolCeiling = 50
	dir := t.TempDir()
	archiveFile := filepath.Join(dir, "corpus.db")
	c, err := New(cfg, testMapSize, rand.New(testutil.RandSource(t)), archiveFile)
	require.NoError(t, err)

	seed := c.AddSeed([]byte("seed"))
	_, _, err = c.ReportResult(seed, seed.Data, normalResult(bitmapWith(0)))
	require.NoError(t, err)
	admittedTotal := 1
	for i := 1; i < 100; i++ {
		bm := bitmapWith(0, i)
		_, admitted, err := c.ReportResult(seed, []byte{byte(i), byte(i >> 8)}, normalResult(bm))
		require.NoError(t, err)
		if admitted != nil {
			admittedTotal++
		}
	}
	// Between passes the pool may overshoot by the slack margin, but a
	// completed pass always brings it back under the ceiling.
	assert.Less(t, c.Len(), cfg.PoolCeiling+exploreBuffer)
	c.prune()
	assert.LessOrEqual(t, c.Len(), cfg.PoolCeiling)
	assert.Greater(t, c.ArchivedLen(), 0)
	// Nothing is lost: active plus archive covers every admission.
	assert.Equal(t, admittedTotal, c.Len()+c.ArchivedLen())

	// Archived members are recoverable, both in memory and from disk.
	for id, data := range c.archived {
		got, ok := c.Recover(id)
		require.True(t, ok)
		assert.Equal(t, data, got)
	}
	require.NoError(t, c.Flush())
	reopened, err := db.Open(archiveFile)
	require.NoError(t, err)
	assert.Equal(t, c.ArchivedLen(), len(reopened.Records))
}

func TestStagnationWidensExploration(t *testing.T) {
	cfg := DefaultConfig()
	c := newTestCorpus(t, cfg)
	now := time.Unix(9000, 0)
	c.now = func() time.Time { return now }
	c.lastProbe = now

	seed := c.AddSeed([]byte("seed"))
	_, _, err := c.ReportResult(seed, seed.Data, normalResult(bitmapWith(1, 2, 3)))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		c.AddSeed([]byte{byte(i)})
	}

	// First probe primes the baseline; the second sees zero growth.
	now = now.Add(cfg.StagnationPeriod + time.Second)
	c.Next()
	now = now.Add(cfg.StagnationPeriod + time.Second)
	c.Next()
	assert.Equal(t, cfg.StagnationFrac, c.exploreFraction)
	assert.Equal(t, cfg.StagnationPool, c.explorePool)

	// Growth restores the defaults.
	_, _, err = c.ReportResult(seed, []byte("new"), normalResult(bitmapWith(1, 2, 3, 4, 5, 6)))
	require.NoError(t, err)
	now = now.Add(cfg.StagnationPeriod + time.Second)
	c.Next()
	assert.Equal(t, cfg.ExploreFraction, c.exploreFraction)
}

func TestSpawnFailureIgnored(t *testing.T) {
	c := newTestCorpus(t, DefaultConfig())
	seed := c.AddSeed([]byte("seed"))
	novelty, admitted, err := c.ReportResult(seed, []byte("x"), &executor.Result{Status: executor.StatusFailed})
	require.NoError(t, err)
	assert.Zero(t, novelty)
	assert.Nil(t, admitted)
	assert.Zero(t, seed.Hits)
}
