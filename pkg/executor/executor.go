// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package executor runs the instrumented target on one input and extracts
// the coverage bitmap it produced.
//
// The target command line may contain the "@@" placeholder; if present, the
// input is delivered by writing it to a temp file whose path is substituted
// for every placeholder occurrence (file mode), otherwise the input is piped
// to the target's stdin (stdin mode). The child runs in its own process
// group, so a timeout kills everything the target managed to spawn.
package executor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/greyfuzz/greyfuzz/pkg/cover"
	"github.com/greyfuzz/greyfuzz/pkg/log"
	"github.com/greyfuzz/greyfuzz/pkg/osutil"
)

// InputPlaceholder marks the position of the input file path in the target
// command line, afl style.
const InputPlaceholder = "@@"

// ShmEnvVar is the environment variable through which the instrumented
// target discovers its coverage shared-memory segment. The name is a fixed
// contract with the instrumentation toolchain.
const ShmEnvVar = "__AFL_SHM_ID"

type Mode int

const (
	ModeStdin Mode = iota
	ModeFile
)

func (m Mode) String() string {
	if m == ModeFile {
		return "file"
	}
	return "stdin"
}

type Status int

const (
	// StatusNormal means the target exited on its own. A non-zero exit code
	// still counts as normal unless Config.StrictExitCodes is set.
	StatusNormal Status = iota
	// StatusCrash means the target was terminated by a fault signal.
	StatusCrash
	// StatusHang means the target exceeded the timeout and its process group
	// was force killed.
	StatusHang
	// StatusFailed means the target could not be spawned at all. This is an
	// engine-side transient error, not a target-induced fault.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCrash:
		return "crash"
	case StatusHang:
		return "hang"
	case StatusFailed:
		return "failed"
	default:
		return "normal"
	}
}

// Result describes one execution of the target. Immutable once constructed.
type Result struct {
	Status   Status
	ExitCode int
	Signal   syscall.Signal
	Duration time.Duration
	Output   []byte       // combined stdout+stderr, bounded
	Coverage cover.Bitmap // snapshot of the coverage map, len == Config.MapSize
}

// ChannelError means the coverage channel itself is broken (shared memory
// cannot be created, attached or read). It must abort the session: treating
// it as zero coverage would corrupt every scheduling decision that follows.
type ChannelError struct {
	Op  string
	Err error
}

func (err *ChannelError) Error() string {
	return fmt.Sprintf("coverage channel: %v: %v", err.Op, err.Err)
}

func (err *ChannelError) Unwrap() error {
	return err.Err
}

type Config struct {
	// Command is the target argv; element 0 is the executable.
	Command []string
	// Timeout is the default per-execution timeout.
	Timeout time.Duration
	// MapSize is the coverage bitmap size in bytes.
	MapSize int
	// StrictExitCodes makes any non-zero exit a crash.
	StrictExitCodes bool
	// DumpCommand, if non-empty, selects dump-based coverage extraction
	// instead of the shared-memory handshake: the command wraps the target
	// invocation and writes the coverage map to a file. "@@" is replaced
	// with the input path and "%%" with the map output path.
	DumpCommand []string
	// Debug forwards target output to the log.
	Debug bool
}

type Executor struct {
	cfg       *Config
	mode      Mode
	dir       string
	inputPath string // reused across runs, rewritten for each one
	mapPath   string // dump channel output file
}

const outputLimit = 64 << 10

func New(cfg *Config) (*Executor, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("empty target command")
	}
	if cfg.MapSize <= 0 {
		cfg.MapSize = cover.DefaultMapSize
	}
	if err := osutil.IsAccessible(cfg.Command[0]); err != nil {
		return nil, fmt.Errorf("target binary: %w", err)
	}
	mode := ModeStdin
	for _, arg := range append(cfg.Command[1:], cfg.DumpCommand...) {
		if strings.Contains(arg, InputPlaceholder) {
			mode = ModeFile
			break
		}
	}
	dir, err := os.MkdirTemp("", "gfz-exec")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &Executor{
		cfg:       cfg,
		mode:      mode,
		dir:       dir,
		inputPath: filepath.Join(dir, "input"),
		mapPath:   filepath.Join(dir, "covmap"),
	}, nil
}

func (e *Executor) Mode() Mode {
	return e.mode
}

func (e *Executor) Close() {
	os.RemoveAll(e.dir)
}

// Run executes the target on input with the given timeout and returns the
// execution result. Target-induced faults (crash, hang) are reported in
// Result.Status, not as errors. A non-nil error is either a transient spawn
// failure (Result.Status == StatusFailed) or a fatal *ChannelError.
func (e *Executor) Run(input []byte, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if e.mode == ModeFile || len(e.cfg.DumpCommand) > 0 {
		// The same file is truncated and rewritten for every run,
		// so inputs never leak across executions.
		if err := osutil.WriteFile(e.inputPath, input); err != nil {
			return &Result{Status: StatusFailed}, fmt.Errorf("failed to write input file: %w", err)
		}
	}
	if len(e.cfg.DumpCommand) > 0 {
		return e.runDump(input, timeout)
	}
	return e.runShm(input, timeout)
}

func (e *Executor) runShm(input []byte, timeout time.Duration) (*Result, error) {
	shm, err := createShm(e.cfg.MapSize)
	if err != nil {
		return nil, &ChannelError{Op: "create", Err: err}
	}
	defer shm.close()

	argv := substituteArgs(e.cfg.Command, e.inputPath)
	cmd := osutil.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%v=%v", ShmEnvVar, shm.id))
	if e.mode == ModeStdin {
		cmd.Stdin = bytes.NewReader(input)
	}
	res := e.wait(cmd, timeout)
	if res.Status == StatusFailed {
		return res, fmt.Errorf("failed to spawn target: %w", errSpawn)
	}
	// The bitmap is read regardless of how the target died: a crashing or
	// killed target still holds whatever coverage it wrote before the fault.
	bitmap, err := shm.read()
	if err != nil {
		return nil, &ChannelError{Op: "read", Err: err}
	}
	res.Coverage = bitmap
	return res, nil
}

func (e *Executor) runDump(input []byte, timeout time.Duration) (*Result, error) {
	os.Remove(e.mapPath)
	argv := substituteArgs(e.cfg.DumpCommand, e.inputPath)
	for i, arg := range argv {
		argv[i] = strings.ReplaceAll(arg, "%%", e.mapPath)
	}
	cmd := osutil.Command(argv[0], argv[1:]...)
	if e.mode == ModeStdin {
		cmd.Stdin = bytes.NewReader(input)
	}
	res := e.wait(cmd, timeout)
	if res.Status == StatusFailed {
		return res, fmt.Errorf("failed to spawn dump command: %w", errSpawn)
	}
	bitmap, err := parseMapFile(e.mapPath, e.cfg.MapSize)
	if err != nil {
		return nil, &ChannelError{Op: "dump", Err: err}
	}
	res.Coverage = bitmap
	return res, nil
}

var errSpawn = errors.New("spawn failure")

// IsSpawnFailure reports whether err is a transient process-spawn failure
// (recoverable by retrying with the next input).
func IsSpawnFailure(err error) bool {
	return errors.Is(err, errSpawn)
}

// IsChannelFailure reports whether err is a fatal coverage-channel failure.
func IsChannelFailure(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce)
}

func (e *Executor) wait(cmd *exec.Cmd, timeout time.Duration) *Result {
	output := new(limitedBuffer)
	cmd.Stdout = output
	cmd.Stderr = output
	if e.cfg.Debug {
		cmd.Stdout = log.VerboseWriter(2)
		cmd.Stderr = log.VerboseWriter(2)
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Logf(1, "executor: start failed: %v", err)
		return &Result{Status: StatusFailed}
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	hanged := false
	select {
	case <-timer.C:
		hanged = true
		// Kill the whole group: the direct child may have forked or
		// daemonized, and stray grandchildren would keep the shared
		// memory attached and the machine loaded.
		osutil.KillPgroup(cmd)
		cmd.Process.Kill()
		<-done
	case err := <-done:
		_ = err // exit status is inspected via ProcessState below
	}
	res := &Result{
		Duration: time.Since(start),
		Output:   output.Bytes(),
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	switch {
	case hanged:
		res.Status = StatusHang
	case ok && ws.Signaled():
		res.Status = StatusCrash
		res.Signal = ws.Signal()
	default:
		res.Status = StatusNormal
		res.ExitCode = cmd.ProcessState.ExitCode()
		if e.cfg.StrictExitCodes && res.ExitCode != 0 {
			res.Status = StatusCrash
		}
	}
	return res
}

func substituteArgs(argv []string, inputPath string) []string {
	res := make([]string, len(argv))
	for i, arg := range argv {
		res[i] = strings.ReplaceAll(arg, InputPlaceholder, inputPath)
	}
	return res
}

// limitedBuffer keeps the first outputLimit bytes and drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := outputLimit - lb.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		lb.buf.Write(p)
	}
	return n, nil
}

func (lb *limitedBuffer) Bytes() []byte {
	return lb.buf.Bytes()
}
