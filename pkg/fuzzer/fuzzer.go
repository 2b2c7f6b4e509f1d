// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzer ties the components into the session loop: pick a
// candidate, mutate it, execute the target, feed the outcome back into the
// corpus and the monitor. The loop itself stays thin; all policy lives in
// the corpus scheduler and the mutation schedule.
package fuzzer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/greyfuzz/greyfuzz/pkg/config"
	"github.com/greyfuzz/greyfuzz/pkg/corpus"
	"github.com/greyfuzz/greyfuzz/pkg/executor"
	"github.com/greyfuzz/greyfuzz/pkg/log"
	"github.com/greyfuzz/greyfuzz/pkg/monitor"
	"github.com/greyfuzz/greyfuzz/pkg/mutate"
	"github.com/greyfuzz/greyfuzz/pkg/osutil"
	"github.com/greyfuzz/greyfuzz/pkg/stat"
)

// spawnFailLimit aborts the session after this many consecutive failures
// to start the target. A single failure is transient (fd exhaustion, fork
// pressure); a streak means the target or the environment is gone.
const spawnFailLimit = 10

type Fuzzer struct {
	cfg    *Config
	exec   *executor.Executor
	corpus *corpus.Corpus
	mon    *monitor.Monitor
	sched  *mutate.Schedule
	rnd    *rand.Rand

	spawnFails int

	// Atomic mirrors of loop-owned state. The status reporter and the
	// stat gauges read only these, never the corpus or the schedule.
	covCount    atomic.Int64
	corpusLen   atomic.Int64
	archivedLen atomic.Int64
	aggressive  atomic.Bool

	statExecs    *stat.Val
	statCrashes  *stat.Val
	statHangs    *stat.Val
	statCover    *stat.Val
	statCorpus   *stat.Val
	statExecTime *stat.Val
}

// New validates the configuration and assembles a ready-to-run session.
// All configuration errors surface here, before the first execution.
func New(cfg *Config) (*Fuzzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := osutil.MkdirAll(cfg.OutDir); err != nil {
		return nil, err
	}
	// Effective config (flag overrides and defaults applied) lands next to
	// the session output so a run can be reproduced from its out dir alone.
	if err := config.SaveFile(filepath.Join(cfg.OutDir, "config.json"), cfg); err != nil {
		log.Logf(0, "failed to save effective config: %v", err)
	}
	exec, err := executor.New(&executor.Config{
		Command:         cfg.Target,
		Timeout:         time.Duration(cfg.ExecTimeout),
		MapSize:         cfg.MapSize,
		StrictExitCodes: cfg.StrictExitCodes,
		DumpCommand:     cfg.DumpCommand,
		Debug:           cfg.Debug,
	})
	if err != nil {
		return nil, err
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	corp, err := corpus.New(cfg.corpusConfig(), cfg.MapSize, rnd,
		filepath.Join(cfg.OutDir, "corpus.db"))
	if err != nil {
		exec.Close()
		return nil, err
	}
	mon, err := monitor.New(filepath.Join(cfg.OutDir, "artifacts"), cfg.ArtifactNovelty)
	if err != nil {
		exec.Close()
		return nil, err
	}
	f := &Fuzzer{
		cfg:    cfg,
		exec:   exec,
		corpus: corp,
		mon:    mon,
		sched:  mutate.NewSchedule(rnd, corp.Samples),
		rnd:    rnd,

		statExecs: stat.New("execs", "total target executions",
			stat.Rate{}, stat.Prometheus("gfz_exec_total")),
		statCrashes: stat.New("crashes", "crashing executions",
			stat.Prometheus("gfz_crash_total")),
		statHangs: stat.New("hangs", "timed out executions",
			stat.Prometheus("gfz_hang_total")),
		statExecTime: stat.New("exec time", "target execution time (ms)",
			stat.Distribution{}),
	}
	f.statCover = stat.New("coverage", "cumulative coverage points",
		func() int { return int(f.covCount.Load()) }, stat.Prometheus("gfz_coverage"))
	f.statCorpus = stat.New("corpus", "active corpus candidates",
		func() int { return int(f.corpusLen.Load()) }, stat.Prometheus("gfz_corpus_size"))
	if err := f.loadSeeds(); err != nil {
		f.Close()
		return nil, err
	}
	f.corpusLen.Store(int64(f.corpus.Len()))
	return f, nil
}

func (f *Fuzzer) loadSeeds() error {
	files, err := osutil.ListDir(f.cfg.SeedDir)
	if err != nil {
		return fmt.Errorf("seed directory: %w", err)
	}
	loaded := 0
	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(f.cfg.SeedDir, file))
		if err != nil {
			return fmt.Errorf("seed %v: %w", file, err)
		}
		if len(data) == 0 {
			log.Logf(1, "skipping empty seed %v", file)
			continue
		}
		f.corpus.AddSeed(data)
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("seed directory %v contains no usable seeds", f.cfg.SeedDir)
	}
	log.Logf(0, "loaded %v seeds from %v (mode %v)", loaded, f.cfg.SeedDir, f.exec.Mode())
	return nil
}

func (f *Fuzzer) Close() {
	f.exec.Close()
}

// Monitor exposes the session's run history.
func (f *Fuzzer) Monitor() *monitor.Monitor {
	return f.mon
}

// Corpus exposes the session's candidate pool.
func (f *Fuzzer) Corpus() *corpus.Corpus {
	return f.corpus
}

// Run drives the session until the context is cancelled, the wall-clock
// budget expires or a fatal error occurs. The record log, the coverage
// curve and the corpus archive are exported on every exit path, fatal
// ones included.
func (f *Fuzzer) Run(ctx context.Context) error {
	if d := time.Duration(f.cfg.Duration); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer f.export()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.loop(ctx)
	})
	g.Go(func() error {
		return f.reportStatus(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Logf(0, "session done: %v execs, %v coverage points, %v artifacts",
		f.statExecs.Val(), f.covCount.Load(), f.mon.ArtifactCount())
	return err
}

func (f *Fuzzer) export() {
	if path, err := f.mon.ExportRecords(""); err != nil {
		log.Logf(0, "failed to export records: %v", err)
	} else {
		log.Logf(0, "records exported to %v", path)
	}
	if err := f.mon.ExportCurveCSV(""); err != nil {
		log.Logf(0, "failed to export coverage curve: %v", err)
	}
	if err := f.corpus.Flush(); err != nil {
		log.Logf(0, "failed to flush corpus archive: %v", err)
	}
}

func (f *Fuzzer) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		cand := f.corpus.Next()
		if cand == nil {
			return fmt.Errorf("corpus is empty")
		}
		if err := f.fuzzOne(ctx, cand); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// fuzzOne spends one scheduling round on a candidate: a calibration run
// and the deterministic stage on its first selection, then an energy-sized
// batch of stochastic variants.
func (f *Fuzzer) fuzzOne(ctx context.Context, cand *corpus.Candidate) error {
	if cand.Cycles == 1 {
		// Calibration: the candidate's own bytes run first, so its
		// signature and latency baseline come from its own coverage
		// rather than from whichever mutant happens to run first.
		if err := f.runOne(cand, cand.Data); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		for _, m := range f.sched.Deterministic() {
			var loopErr error
			m.Mutate(cand.Data, func(variant []byte) bool {
				if ctx.Err() != nil {
					return false
				}
				loopErr = f.runOne(cand, variant)
				return loopErr == nil
			})
			if loopErr != nil {
				return loopErr
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
	attempts := cand.Energy
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts && ctx.Err() == nil; i++ {
		m := f.sched.Stochastic(cand.Data)
		var variant []byte
		m.Mutate(cand.Data, func(v []byte) bool {
			variant = v
			return false // one variant per attempt
		})
		if variant == nil {
			continue
		}
		if err := f.runOne(cand, variant); err != nil {
			return err
		}
	}
	return nil
}

// runOne executes a single input and routes the outcome to the corpus,
// the monitor and the mutation schedule.
func (f *Fuzzer) runOne(parent *corpus.Candidate, input []byte) error {
	res, err := f.exec.Run(input, time.Duration(f.cfg.ExecTimeout))
	if err != nil {
		if executor.IsChannelFailure(err) {
			return err
		}
		if executor.IsSpawnFailure(err) {
			f.spawnFails++
			log.Logf(1, "spawn failure %v/%v: %v", f.spawnFails, spawnFailLimit, err)
			if f.spawnFails >= spawnFailLimit {
				return fmt.Errorf("%v consecutive spawn failures: %w", f.spawnFails, err)
			}
			f.mon.RecordRun(parent.ID, input, executor.StatusFailed, 0, 0, int(f.covCount.Load()))
			return nil
		}
		return err
	}
	f.spawnFails = 0
	f.statExecs.Add(1)
	f.statExecTime.Add(int(res.Duration.Milliseconds()))
	switch res.Status {
	case executor.StatusCrash:
		f.statCrashes.Add(1)
	case executor.StatusHang:
		f.statHangs.Add(1)
	}
	novelty, admitted, err := f.corpus.ReportResult(parent, input, res)
	if err != nil {
		return err
	}
	cumCover := int(f.covCount.Add(int64(novelty)))
	f.corpusLen.Store(int64(f.corpus.Len()))
	f.archivedLen.Store(int64(f.corpus.ArchivedLen()))
	if admitted != nil {
		log.Logf(2, "admitted candidate %v: %v bytes, novelty %v, energy %v",
			admitted.ID, len(admitted.Data), novelty, admitted.Energy)
	}
	rec := f.mon.RecordRun(parent.ID, input, res.Status, res.Duration, novelty, cumCover)
	if rec.ArtifactPath != "" {
		log.Logf(1, "saved artifact %v (%v, novelty %v)",
			filepath.Base(rec.ArtifactPath), res.Status, novelty)
	}
	f.sched.ObserveCoverage(cumCover)
	f.aggressive.Store(f.sched.Aggressive())
	return nil
}

func (f *Fuzzer) reportStatus(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(f.cfg.StatusInterval))
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		elapsed := time.Since(start)
		execs := f.statExecs.Val()
		rate := float64(execs) / elapsed.Seconds()
		mode := ""
		if f.aggressive.Load() {
			mode = ", aggressive"
		}
		log.Logf(0, "%s: execs %v (%.0f/sec), cover %v, corpus %v (+%v archived), "+
			"crashes %v, hangs %v, exec time %vms%v",
			elapsed.Round(time.Second), execs, rate, f.covCount.Load(),
			f.corpusLen.Load(), f.archivedLen.Load(),
			f.statCrashes.Val(), f.statHangs.Val(), f.statExecTime.Val(), mode)
	}
}
