// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greyfuzz/greyfuzz/pkg/config"
	"github.com/greyfuzz/greyfuzz/pkg/executor"
	"github.com/greyfuzz/greyfuzz/pkg/hash"
)

// testConfig builds a session around a shell one-liner target that reports
// coverage through the dump channel, keyed on the input length. New lengths
// produce new coverage, so the loop has something to chase.
func testConfig(t *testing.T, seeds ...[]byte) *Config {
	seedDir := filepath.Join(t.TempDir(), "seeds")
	require.NoError(t, os.MkdirAll(seedDir, 0o755))
	if len(seeds) == 0 {
		seeds = [][]byte{[]byte("seed-input")}
	}
	for i, seed := range seeds {
		path := filepath.Join(seedDir, "seed-"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(path, seed, 0o644))
	}
	return &Config{
		Target:  []string{"/bin/sh"},
		SeedDir: seedDir,
		OutDir:  filepath.Join(t.TempDir(), "out"),
		DumpCommand: []string{"/bin/sh", "-c",
			`n=$(cat | wc -c); printf '%s:1' $((n % 200)) > ` + "%%"},
		ExecTimeout:    Duration(5 * time.Second),
		StatusInterval: Duration(time.Hour),
		MapSize:        256,
	}
}

func TestValidate(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Target = nil
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Target = []string{"/nonexistent/binary"}
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.SeedDir = filepath.Join(t.TempDir(), "missing")
	assert.Error(t, bad.Validate())

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	bad = *cfg
	bad.SeedDir = empty
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Mode = "file" // no @@ anywhere in the template
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Mode = "network"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.MapSize = 16
	assert.Error(t, bad.Validate())
}

func TestConfigRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuzz.cfg")
	data := []byte(`{
	# target command line
	"target": ["/bin/cat", "@@"],
	"seed_dir": "/tmp/seeds",
	"out_dir": "/tmp/out",
	"duration": "90s",
	"exec_timeout": "250ms",
	"admit_crashes": true
}`)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	cfg := new(Config)
	require.NoError(t, config.LoadFile(path, cfg))
	assert.Equal(t, []string{"/bin/cat", "@@"}, cfg.Target)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.Duration))
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.ExecTimeout))
	assert.True(t, cfg.AdmitCrashes)

	bad := append([]byte(nil), data...)
	bad = append(bad[:len(bad)-2], []byte(`, "unknown_knob": 1}`)...)
	assert.Error(t, config.LoadData(bad, new(Config)))
}

func TestSessionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns many target processes")
	}
	cfg := testConfig(t)
	cfg.Duration = Duration(3 * time.Second)
	f, err := New(cfg)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Run(context.Background()))

	records := f.Monitor().Records()
	require.NotEmpty(t, records)
	// Length-keyed coverage: mutated lengths must have grown the corpus
	// beyond the single seed.
	assert.Greater(t, f.Corpus().Len(), 1)
	assert.Greater(t, f.covCount.Load(), int64(1))

	// Exports land on the normal exit path.
	outFiles := []string{
		filepath.Join(cfg.OutDir, "artifacts", "monitor_records.json"),
		filepath.Join(cfg.OutDir, "artifacts", "coverage_curve.csv"),
		filepath.Join(cfg.OutDir, "corpus.db"),
		filepath.Join(cfg.OutDir, "config.json"),
	}
	for _, file := range outFiles {
		fi, err := os.Stat(file)
		require.NoError(t, err, file)
		assert.Greater(t, fi.Size(), int64(0), file)
	}
}

// A fresh candidate's own bytes run first, so its signature and coverage
// baseline are its own, and mutants with novel coverage from the very first
// round are admitted rather than mistaken for duplicates of the parent.
func TestFirstSelectionCalibrates(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns target processes")
	}
	cfg := testConfig(t, []byte("abcd"))
	f, err := New(cfg)
	require.NoError(t, err)
	defer f.Close()

	seed := f.Corpus().Next()
	require.NotNil(t, seed)
	require.Equal(t, 1, seed.Cycles)
	require.NoError(t, f.fuzzOne(context.Background(), seed))

	records := f.Monitor().Records()
	require.NotEmpty(t, records)
	// Calibration ran before any mutant and owns the first record.
	assert.Equal(t, seed.ID, records[0].CandidateID)
	assert.Equal(t, 1, records[0].Novelty)
	assert.NotEqual(t, hash.Sig{}, seed.Sig)

	// Length-keyed coverage: a length-changing mutant must be admitted
	// even though the seed's first reported result was not its own run.
	for i := 0; i < 20 && f.Corpus().Len() == 1; i++ {
		cand := f.Corpus().Next()
		require.NotNil(t, cand)
		require.NoError(t, f.fuzzOne(context.Background(), cand))
	}
	assert.Greater(t, f.Corpus().Len(), 1)
}

// The status reporter shares the session with the loop; with an aggressive
// reporting interval this test fails under the race detector if the
// reporter ever reads loop-owned state directly.
func TestStatusReporterConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns target processes")
	}
	cfg := testConfig(t)
	cfg.Duration = Duration(2 * time.Second)
	cfg.StatusInterval = Duration(5 * time.Millisecond)
	f, err := New(cfg)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Run(context.Background()))
	assert.NotEmpty(t, f.Monitor().Records())
}

func TestSessionCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns target processes")
	}
	cfg := testConfig(t)
	f, err := New(cfg)
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Second)
		cancel()
	}()
	done := make(chan error, 1)
	go func() {
		done <- f.Run(ctx)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("session did not stop on cancel")
	}
	// Exports are best-effort but must exist on the cancel path too.
	_, err = os.Stat(filepath.Join(cfg.OutDir, "artifacts", "monitor_records.json"))
	assert.NoError(t, err)
}

func TestCrashingTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns target processes")
	}
	cfg := testConfig(t)
	// Consume stdin first: killing the process before the write completes
	// would surface as a broken pipe spawn error instead of a crash.
	cfg.DumpCommand = []string{"/bin/sh", "-c",
		`cat > /dev/null; printf '3:1' > ` + "%%" + `; kill -SEGV $$`}
	cfg.Duration = Duration(2 * time.Second)
	f, err := New(cfg)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Run(context.Background()))
	crashes := 0
	for _, rec := range f.Monitor().Records() {
		if rec.Status == executor.StatusCrash.String() {
			crashes++
		}
	}
	assert.Greater(t, crashes, 0)
	assert.Greater(t, f.statCrashes.Val(), 0)
	// Constant coverage: the crasher never floods the corpus.
	assert.Equal(t, 1, f.Corpus().Len())
}
