// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/greyfuzz/greyfuzz/pkg/corpus"
	"github.com/greyfuzz/greyfuzz/pkg/cover"
	"github.com/greyfuzz/greyfuzz/pkg/executor"
	"github.com/greyfuzz/greyfuzz/pkg/osutil"
)

// Duration is a time.Duration that unmarshals from JSON strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the full session configuration. It is constructed once, checked
// with Validate and then passed read-only into every component.
type Config struct {
	// Target is the command line of the instrumented target. An "@@"
	// placeholder in an argument selects file delivery mode.
	Target []string `json:"target"`
	// SeedDir holds the initial corpus, one input per file.
	SeedDir string `json:"seed_dir"`
	// OutDir receives artifacts, exports and the corpus archive.
	OutDir string `json:"out_dir"`
	// Mode pins the delivery mode ("stdin" or "file"); empty means derive
	// it from the target template.
	Mode string `json:"mode,omitempty"`
	// Duration is the session wall-clock budget; zero runs until interrupted.
	Duration Duration `json:"duration,omitempty"`
	// ExecTimeout is the per-execution timeout.
	ExecTimeout Duration `json:"exec_timeout,omitempty"`
	// StatusInterval controls the periodic status line.
	StatusInterval Duration `json:"status_interval,omitempty"`
	// MapSize is the coverage bitmap size in bytes.
	MapSize int `json:"map_size,omitempty"`
	// ArtifactNovelty is the minimum novelty for persisting an input.
	ArtifactNovelty int `json:"artifact_novelty,omitempty"`
	// CorpusCeiling bounds the active pool size.
	CorpusCeiling int `json:"corpus_ceiling,omitempty"`
	// StrictExitCodes treats any non-zero exit as a crash.
	StrictExitCodes bool `json:"strict_exit_codes,omitempty"`
	// AdmitCrashes admits crashing variants into the corpus.
	AdmitCrashes bool `json:"admit_crashes,omitempty"`
	// FavoredProb overrides the favored sampling probability.
	FavoredProb float64 `json:"favored_prob,omitempty"`
	// MaxEnergy, NovelAdmitCap and CrashEnergyCap override the energy
	// policy ceilings.
	MaxEnergy      int `json:"max_energy,omitempty"`
	NovelAdmitCap  int `json:"novel_admit_cap,omitempty"`
	CrashEnergyCap int `json:"crash_energy_cap,omitempty"`
	// DumpCommand switches coverage extraction to an external dump tool
	// ("@@" input path, "%%" map output path).
	DumpCommand []string `json:"dump_command,omitempty"`
	// Debug forwards target output to the log.
	Debug bool `json:"debug,omitempty"`
}

func (cfg *Config) fixup() {
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = Duration(time.Second)
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = Duration(10 * time.Second)
	}
	if cfg.MapSize == 0 {
		cfg.MapSize = cover.DefaultMapSize
	}
	if cfg.ArtifactNovelty == 0 {
		cfg.ArtifactNovelty = 10
	}
}

// Validate reports configuration errors. These are fatal and must surface
// before the loop starts.
func (cfg *Config) Validate() error {
	cfg.fixup()
	if len(cfg.Target) == 0 {
		return fmt.Errorf("no target command")
	}
	if err := osutil.IsAccessible(cfg.Target[0]); err != nil {
		return fmt.Errorf("target binary: %w", err)
	}
	if cfg.SeedDir == "" {
		return fmt.Errorf("no seed directory")
	}
	seeds, err := osutil.ListDir(cfg.SeedDir)
	if err != nil {
		return fmt.Errorf("seed directory: %w", err)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("seed directory %v is empty", cfg.SeedDir)
	}
	if cfg.OutDir == "" {
		return fmt.Errorf("no output directory")
	}
	hasPlaceholder := false
	for _, arg := range append(cfg.Target[1:], cfg.DumpCommand...) {
		if strings.Contains(arg, executor.InputPlaceholder) {
			hasPlaceholder = true
			break
		}
	}
	switch cfg.Mode {
	case "":
	case "file":
		if !hasPlaceholder {
			return fmt.Errorf("mode file requires an %v placeholder in the target command",
				executor.InputPlaceholder)
		}
	case "stdin":
		if hasPlaceholder {
			return fmt.Errorf("mode stdin conflicts with the %v placeholder in the target command",
				executor.InputPlaceholder)
		}
	default:
		return fmt.Errorf("unknown mode %q (want stdin or file)", cfg.Mode)
	}
	if cfg.MapSize < 64 {
		return fmt.Errorf("map size %v is too small", cfg.MapSize)
	}
	return nil
}

func (cfg *Config) corpusConfig() corpus.Config {
	ccfg := corpus.DefaultConfig()
	ccfg.AdmitCrashes = cfg.AdmitCrashes
	if cfg.FavoredProb > 0 {
		ccfg.FavoredProb = cfg.FavoredProb
	}
	if cfg.MaxEnergy > 0 {
		ccfg.MaxEnergy = cfg.MaxEnergy
	}
	if cfg.NovelAdmitCap > 0 {
		ccfg.NovelAdmitCap = cfg.NovelAdmitCap
	}
	if cfg.CrashEnergyCap > 0 {
		ccfg.CrashEnergyCap = cfg.CrashEnergyCap
	}
	if cfg.CorpusCeiling > 0 {
		ccfg.PoolCeiling = cfg.CorpusCeiling
	}
	return ccfg
}
