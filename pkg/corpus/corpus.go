// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus schedules fuzzing candidates with an afl-style energy
// model. The active pool is sampled by fitness score with a short-lived
// favored fast path for recent novelty producers; members pushed out by the
// size ceiling move to a non-destructive archive and stay recoverable.
package corpus

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/greyfuzz/greyfuzz/pkg/cover"
	"github.com/greyfuzz/greyfuzz/pkg/db"
	"github.com/greyfuzz/greyfuzz/pkg/executor"
	"github.com/greyfuzz/greyfuzz/pkg/hash"
	"github.com/greyfuzz/greyfuzz/pkg/log"
)

// Candidate is one corpus member. Scheduling metadata is owned by the
// corpus; callers read Data and pass the candidate back into ReportResult.
type Candidate struct {
	ID          int64
	Data        []byte
	Energy      int
	Cycles      int
	Hits        int
	AvgExecTime time.Duration
	LastNovelty int
	Sig         hash.Sig

	hasSig       bool
	crashes      int
	favoredUntil time.Time
	favoredPicks int
	score        float64
	scoredAt     int
}

// Favored reports whether the candidate currently holds the favored flag.
func (c *Candidate) Favored(now time.Time) bool {
	return now.Before(c.favoredUntil)
}

// Config carries the scheduling tunables. The energy constants are policy
// defaults, not invariants; they are exposed so sessions can tighten or
// relax admission without rebuilding.
type Config struct {
	MaxEnergy        int           // hard ceiling for any candidate
	NovelAdmitCap    int           // energy cap for freshly admitted novelty producers
	CrashEnergyCap   int           // energy cap for crash-prone pool members
	AdmitCrashes     bool          // admit crashing/hanging variants into the pool
	FavoredProb      float64       // probability of sampling from the favored subset
	FavoredTTL       time.Duration // favored flag lifetime
	FavoredCapacity  int           // maximum favored members
	FavoredMaxPicks  int           // selections before the favored flag decays
	ExploreFraction  float64       // probability of picking a low-cycles candidate
	ExplorePool      int           // size of the low-cycles exploration pool
	StagnationFrac   float64       // exploration fraction while coverage stalls
	StagnationPool   int           // exploration pool size while coverage stalls
	StagnationPeriod time.Duration // how often to probe coverage growth
	PoolCeiling      int           // active pool size limit
	ShuffleInterval  int           // selections between decay/shuffle sweeps
	ScoreStaleness   int           // selections a cached score stays valid
}

func DefaultConfig() Config {
	return Config{
		MaxEnergy:        20,
		NovelAdmitCap:    12,
		CrashEnergyCap:   3,
		FavoredProb:      0.65,
		FavoredTTL:       30 * time.Second,
		FavoredCapacity:  20,
		FavoredMaxPicks:  8,
		ExploreFraction:  0.15,
		ExplorePool:      8,
		StagnationFrac:   0.30,
		StagnationPool:   32,
		StagnationPeriod: 10 * time.Second,
		PoolCeiling:      2000,
		ShuffleInterval:  200,
		ScoreStaleness:   50,
	}
}

const (
	decayNoNovelty   = 0.8
	decayWithNovelty = 0.95
	strayAdmitProb   = 0.01
	exploreBuffer    = 32 // random members spared by a prune pass
)

type Corpus struct {
	cfg Config
	rnd *rand.Rand
	now func() time.Time

	nextID     int64
	active     map[int64]*Candidate
	order      []int64
	sigs       map[hash.Sig]int64
	cumulative cover.Bitmap

	archive   *db.DB // nil when the session runs without persistence
	archived  map[int64][]byte
	archEpoch uint64

	selections      int
	exploreFraction float64
	explorePool     int
	lastProbe       time.Time
	lastCovPoints   int
}

// New creates a corpus for the given coverage map size. If archiveFile is
// non-empty, pruned candidates are persisted there.
func New(cfg Config, mapSize int, rnd *rand.Rand, archiveFile string) (*Corpus, error) {
	c := &Corpus{
		cfg:             cfg,
		rnd:             rnd,
		now:             time.Now,
		nextID:          1,
		active:          make(map[int64]*Candidate),
		sigs:            make(map[hash.Sig]int64),
		cumulative:      cover.NewBitmap(mapSize),
		archived:        make(map[int64][]byte),
		exploreFraction: cfg.ExploreFraction,
		explorePool:     cfg.ExplorePool,
	}
	c.lastProbe = c.now()
	if archiveFile != "" {
		archive, err := db.Open(archiveFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open corpus archive: %w", err)
		}
		c.archive = archive
	}
	return c, nil
}

// AddSeed admits an initial candidate with baseline energy. Seeds carry no
// signature until their first execution is reported.
func (c *Corpus) AddSeed(data []byte) *Candidate {
	return c.admit(data, 1)
}

func (c *Corpus) admit(data []byte, energy int) *Candidate {
	cand := &Candidate{
		ID:     c.nextID,
		Data:   data,
		Energy: energy,
	}
	c.nextID++
	c.active[cand.ID] = cand
	c.order = append(c.order, cand.ID)
	return cand
}

func (c *Corpus) Len() int {
	return len(c.active)
}

// ArchivedLen returns the number of pruned candidates.
func (c *Corpus) ArchivedLen() int {
	return len(c.archived)
}

// Cumulative returns the corpus-owned cumulative coverage. Callers must
// treat it as read-only.
func (c *Corpus) Cumulative() cover.Bitmap {
	return c.cumulative
}

// Samples returns the active pool's raw inputs, for splice partners.
func (c *Corpus) Samples() [][]byte {
	out := make([][]byte, 0, len(c.active))
	for _, id := range c.order {
		if cand, ok := c.active[id]; ok {
			out = append(out, cand.Data)
		}
	}
	return out
}

// Next selects the next candidate to mutate, or nil if the pool is empty.
func (c *Corpus) Next() *Candidate {
	if len(c.order) == 0 {
		return nil
	}
	c.selections++
	if c.selections%c.cfg.ShuffleInterval == 0 {
		c.sweep()
	}
	c.probeStagnation()

	if len(c.active) <= 2 {
		return c.roundRobin()
	}
	if c.rnd.Float64() < c.exploreFraction {
		if cand := c.explore(); cand != nil {
			return c.picked(cand)
		}
	}
	if favored := c.favoredSet(); len(favored) > 0 && c.rnd.Float64() < c.cfg.FavoredProb {
		return c.picked(favored[c.rnd.Intn(len(favored))])
	}
	return c.picked(c.weighted())
}

func (c *Corpus) roundRobin() *Candidate {
	for len(c.order) > 0 {
		id := c.order[0]
		c.order = c.order[1:]
		if cand, ok := c.active[id]; ok {
			c.order = append(c.order, id)
			cand.Cycles++
			c.refreshFavored(cand)
			return cand
		}
	}
	return nil
}

// explore picks uniformly among the least-selected candidates so fresh
// admissions are not starved by established high scorers.
func (c *Corpus) explore() *Candidate {
	ids := make([]int64, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := c.active[ids[i]], c.active[ids[j]]
		if ci.Cycles != cj.Cycles {
			return ci.Cycles < cj.Cycles
		}
		return ids[i] < ids[j]
	})
	n := c.explorePool
	if n > len(ids) {
		n = len(ids)
	}
	if n == 0 {
		return nil
	}
	return c.active[ids[c.rnd.Intn(n)]]
}

func (c *Corpus) favoredSet() []*Candidate {
	now := c.now()
	var favored []*Candidate
	for _, cand := range c.active {
		if cand.Favored(now) {
			favored = append(favored, cand)
		}
	}
	return favored
}

// weighted samples the pool by cached fitness score. Scores are recomputed
// in batch once the cache crosses the staleness window, not per selection.
func (c *Corpus) weighted() *Candidate {
	stale := c.selections - c.cfg.ScoreStaleness
	total := 0.0
	for _, cand := range c.active {
		if cand.scoredAt <= stale || cand.score == 0 {
			cand.score = c.score(cand)
			cand.scoredAt = c.selections
		}
		total += cand.score
	}
	r := c.rnd.Float64() * total
	upto := 0.0
	var last *Candidate
	for _, id := range c.order {
		cand, ok := c.active[id]
		if !ok {
			continue
		}
		last = cand
		upto += cand.score
		if upto >= r {
			return cand
		}
	}
	return last
}

func (c *Corpus) picked(cand *Candidate) *Candidate {
	if cand == nil {
		return nil
	}
	cand.Cycles++
	c.requeue(cand.ID)
	c.refreshFavored(cand)
	return cand
}

func (c *Corpus) requeue(id int64) {
	for i, qid := range c.order {
		if qid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, id)
}

// refreshFavored extends a picked candidate's favored deadline, and decays
// the flag entirely after enough favored selections so one member cannot
// monopolize the sampler.
func (c *Corpus) refreshFavored(cand *Candidate) {
	now := c.now()
	if !cand.Favored(now) {
		return
	}
	cand.favoredPicks++
	if cand.favoredPicks > c.cfg.FavoredMaxPicks {
		cand.favoredUntil = time.Time{}
		return
	}
	cand.favoredUntil = now.Add(c.cfg.FavoredTTL)
}

// sweep applies periodic energy decay, trims the favored set to capacity
// and shuffles the queue to break long-lived orderings.
func (c *Corpus) sweep() {
	for _, cand := range c.active {
		factor := decayNoNovelty
		if cand.LastNovelty > 0 {
			factor = decayWithNovelty
		}
		cand.Energy = clampEnergy(int(float64(cand.Energy)*factor), c.cfg.MaxEnergy)
	}
	c.trimFavored()
	c.rnd.Shuffle(len(c.order), func(i, j int) {
		c.order[i], c.order[j] = c.order[j], c.order[i]
	})
}

func (c *Corpus) trimFavored() {
	favored := c.favoredSet()
	if len(favored) <= c.cfg.FavoredCapacity {
		return
	}
	sort.Slice(favored, func(i, j int) bool {
		return favored[i].favoredUntil.After(favored[j].favoredUntil)
	})
	for _, cand := range favored[c.cfg.FavoredCapacity:] {
		cand.favoredUntil = time.Time{}
	}
}

// probeStagnation periodically measures cumulative coverage growth and
// widens the exploration pool while the session plateaus.
func (c *Corpus) probeStagnation() {
	now := c.now()
	if now.Sub(c.lastProbe) < c.cfg.StagnationPeriod {
		return
	}
	c.lastProbe = now
	cur := c.cumulative.Count()
	prev := c.lastCovPoints
	c.lastCovPoints = cur
	if prev == 0 {
		return
	}
	growth := float64(cur-prev) / float64(prev)
	if growth <= 0.01 {
		c.exploreFraction = c.cfg.StagnationFrac
		c.explorePool = c.cfg.StagnationPool
	} else {
		c.exploreFraction = c.cfg.ExploreFraction
		if c.explorePool/2 > c.cfg.ExplorePool {
			c.explorePool = c.explorePool / 2
		} else {
			c.explorePool = c.cfg.ExplorePool
		}
	}
}

// ReportResult feeds one execution result back into the scheduler. It
// returns the novelty of the execution and the admitted candidate when the
// mutated input itself entered the pool.
func (c *Corpus) ReportResult(parent *Candidate, input []byte, res *executor.Result) (int, *Candidate, error) {
	if res.Status == executor.StatusFailed {
		return 0, nil, nil
	}
	novelty, err := c.cumulative.MergeAndCountNew(res.Coverage)
	if err != nil {
		return 0, nil, err
	}
	sig := res.Coverage.Signature()
	fault := res.Status == executor.StatusCrash || res.Status == executor.StatusHang
	selfRun := parent != nil && bytes.Equal(input, parent.Data)

	if parent != nil {
		c.updateParent(parent, res, novelty, sig, fault, selfRun)
	}

	// The executed input is admitted only when it is a genuine mutant:
	// re-running a pool member must not duplicate it, and a signature
	// already in the index means the coverage is not new content.
	var admitted *Candidate
	if _, dup := c.sigs[sig]; !dup && !selfRun {
		admitted = c.maybeAdmit(input, novelty, sig, fault)
	}
	c.maybePrune()
	return novelty, admitted, nil
}

func (c *Corpus) updateParent(parent *Candidate, res *executor.Result, novelty int, sig hash.Sig, fault, selfRun bool) {
	if parent.AvgExecTime == 0 {
		parent.AvgExecTime = res.Duration
	} else {
		const alpha = 0.3
		parent.AvgExecTime = time.Duration(alpha*float64(res.Duration) + (1-alpha)*float64(parent.AvgExecTime))
	}
	parent.Hits++
	// The signature belongs to the candidate's own bytes, so only a
	// calibration run of those bytes may set it. A mutant's coverage must
	// never be recorded against the parent: that would both misattribute
	// the signature and block the mutant's own admission.
	if selfRun && !parent.hasSig {
		parent.Sig = sig
		parent.hasSig = true
		if _, ok := c.sigs[sig]; !ok {
			c.sigs[sig] = parent.ID
		}
	}
	if novelty > 0 {
		parent.LastNovelty = novelty
		parent.Energy = clampEnergy(parent.Energy+2+novelty, c.cfg.MaxEnergy)
		c.markFavored(parent)
	}
	if fault {
		parent.crashes++
		// Known-bad region: keep it schedulable but stop pouring energy
		// into re-executing it.
		if parent.Energy > c.cfg.CrashEnergyCap {
			parent.Energy = c.cfg.CrashEnergyCap
		}
	} else {
		parent.Energy = clampEnergy(int(c.score(parent)/25), c.cfg.MaxEnergy)
	}
}

func (c *Corpus) maybeAdmit(input []byte, novelty int, sig hash.Sig, fault bool) *Candidate {
	if fault && !c.cfg.AdmitCrashes {
		return nil
	}
	if novelty > 0 {
		energy := 1 + novelty*3
		if energy < 6 {
			energy = 6
		}
		cand := c.admit(input, clampEnergy(energy, c.cfg.NovelAdmitCap))
		cand.Sig = sig
		cand.hasSig = true
		cand.LastNovelty = novelty
		c.sigs[sig] = cand.ID
		c.markFavored(cand)
		return cand
	}
	// Occasionally keep a boring variant for diversity.
	if !fault && c.rnd.Float64() < strayAdmitProb {
		return c.admit(input, 1)
	}
	return nil
}

func (c *Corpus) markFavored(cand *Candidate) {
	cand.favoredUntil = c.now().Add(c.cfg.FavoredTTL)
	cand.favoredPicks = 0
}

// maybePrune runs a prune pass only once the pool has overshot the ceiling
// by a slack margin, so the cost is amortized over many admissions instead
// of being paid at every call at the boundary.
func (c *Corpus) maybePrune() {
	if len(c.active) >= c.cfg.PoolCeiling+exploreBuffer {
		c.prune()
	}
}

// prune archives members until the active pool fits the ceiling again.
// Favored members (up to their capacity) and a small random exploration
// buffer survive regardless of score; the rest is kept top-K by fitness.
// Nothing is deleted: archived candidates remain recoverable.
func (c *Corpus) prune() {
	if len(c.active) <= c.cfg.PoolCeiling {
		return
	}
	c.trimFavored()
	now := c.now()
	budget := c.cfg.PoolCeiling
	keep := make(map[int64]bool)
	var rest []*Candidate
	for id, cand := range c.active {
		if cand.Favored(now) && len(keep) < budget {
			keep[id] = true
		} else {
			rest = append(rest, cand)
		}
	}
	buffer := exploreBuffer
	if max := budget - len(keep); buffer > max {
		buffer = max
	}
	for i := 0; i < buffer && len(rest) > 0; i++ {
		idx := c.rnd.Intn(len(rest))
		keep[rest[idx].ID] = true
		rest[idx] = rest[len(rest)-1]
		rest = rest[:len(rest)-1]
	}
	for _, cand := range rest {
		cand.score = c.score(cand)
		cand.scoredAt = c.selections
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].score > rest[j].score })
	for i := 0; i < len(rest) && len(keep) < budget; i++ {
		keep[rest[i].ID] = true
	}
	pruned := 0
	for id, cand := range c.active {
		if keep[id] {
			continue
		}
		c.toArchive(cand)
		delete(c.active, id)
		pruned++
	}
	var order []int64
	for _, id := range c.order {
		if keep[id] {
			order = append(order, id)
		}
	}
	c.order = order
	log.Logf(1, "corpus: pruned %v candidates, %v active, %v archived", pruned, len(c.active), len(c.archived))
}

func (c *Corpus) toArchive(cand *Candidate) {
	c.archived[cand.ID] = cand.Data
	if c.archive != nil {
		c.archEpoch++
		c.archive.Save(strconv.FormatInt(cand.ID, 10), cand.Data, c.archEpoch)
	}
}

// Recover returns an archived candidate's data.
func (c *Corpus) Recover(id int64) ([]byte, bool) {
	data, ok := c.archived[id]
	return data, ok
}

// Flush persists pending archive writes.
func (c *Corpus) Flush() error {
	if c.archive == nil {
		return nil
	}
	return c.archive.Flush()
}

// score is the fitness heuristic used for weighted sampling: small and
// fast inputs rank higher, recent novelty dominates short-term, selection
// count pulls long-running members back down, and a bounded jitter keeps
// the ordering from freezing.
func (c *Corpus) score(cand *Candidate) float64 {
	score := 100.0
	switch size := len(cand.Data); {
	case size <= 16:
		score += 40
	case size <= 64:
		score += 20
	case size <= 256:
		score += 5
	}
	if cand.AvgExecTime > 0 {
		bonus := 100.0 / (float64(cand.AvgExecTime.Milliseconds()) + 1.0)
		if bonus > 50 {
			bonus = 50
		}
		score += bonus
	}
	penalty := float64(cand.Cycles) * 1.5
	if penalty > 60 {
		penalty = 60
	}
	score -= penalty
	hitBonus := float64(cand.Hits) * 2
	if hitBonus > 40 {
		hitBonus = 40
	}
	score += hitBonus
	noveltyBoost := float64(cand.LastNovelty) * 5
	if noveltyBoost > 200 {
		noveltyBoost = 200
	}
	score += noveltyBoost
	energy := cand.Energy
	if energy < 1 {
		energy = 1
	}
	if energy > 100 {
		energy = 100
	}
	score *= 1 + math.Log1p(float64(energy))*0.05
	score += c.rnd.Float64() * 0.01 * score
	if score < 1 {
		score = 1
	}
	return score
}

func clampEnergy(energy, max int) int {
	if energy < 1 {
		return 1
	}
	if energy > max {
		return max
	}
	return energy
}
