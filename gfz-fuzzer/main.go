// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// gfz-fuzzer runs a coverage-guided fuzzing session against a single
// instrumented target binary.
//
// Usage:
//
//	gfz-fuzzer -config fuzz.cfg [-duration 1h] [-debug] [target command...]
//
// The config file is JSON with # comments, see pkg/fuzzer.Config for the
// full set of knobs. Positional arguments, if present, override the target
// command from the config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/greyfuzz/greyfuzz/pkg/config"
	"github.com/greyfuzz/greyfuzz/pkg/fuzzer"
	"github.com/greyfuzz/greyfuzz/pkg/log"
	"github.com/greyfuzz/greyfuzz/pkg/osutil"
)

var (
	flagConfig   = flag.String("config", "", "configuration file")
	flagSeeds    = flag.String("seeds", "", "seed directory (overrides config)")
	flagOut      = flag.String("out", "", "output directory (overrides config)")
	flagDuration = flag.Duration("duration", 0, "session budget (overrides config)")
	flagDebug    = flag.Bool("debug", false, "forward target output to the log")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: gfz-fuzzer [flags] [target command...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	log.EnableLogCaching(1000, 1<<20)

	cfg := new(fuzzer.Config)
	if *flagConfig != "" {
		if err := config.LoadFile(*flagConfig, cfg); err != nil {
			log.Fatal(err)
		}
	}
	if args := flag.Args(); len(args) != 0 {
		cfg.Target = args
	}
	if *flagSeeds != "" {
		cfg.SeedDir = *flagSeeds
	}
	if *flagOut != "" {
		cfg.OutDir = *flagOut
	}
	if *flagDuration != 0 {
		cfg.Duration = fuzzer.Duration(*flagDuration)
	}
	if *flagDebug {
		cfg.Debug = true
	}

	f, err := fuzzer.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	go func() {
		<-shutdown
		cancel()
	}()

	start := time.Now()
	if err := f.Run(ctx); err != nil {
		// The cached log tail is the only diagnostic left once the
		// process exits; keep it next to the session artifacts.
		tail := filepath.Join(cfg.OutDir, "session.log")
		if werr := osutil.WriteFile(tail, []byte(log.CachedLogOutput())); werr != nil {
			log.Logf(0, "failed to save session log: %v", werr)
		}
		log.Fatalf("session failed after %v: %v", time.Since(start).Round(time.Second), err)
	}
}
