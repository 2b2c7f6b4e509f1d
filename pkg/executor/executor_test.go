// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package executor

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDumpExecutor builds an executor whose coverage comes from a shell
// one-liner writing a showmap-style file, so tests do not depend on System V
// shared memory being available in the build environment.
func newDumpExecutor(t *testing.T, script string, strict bool) *Executor {
	e, err := New(&Config{
		Command:         []string{"/bin/sh"},
		DumpCommand:     []string{"/bin/sh", "-c", script},
		Timeout:         10 * time.Second,
		MapSize:         256,
		StrictExitCodes: strict,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestModeDetection(t *testing.T) {
	e, err := New(&Config{Command: []string{"/bin/cat"}, Timeout: time.Second})
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, ModeStdin, e.Mode())

	e2, err := New(&Config{Command: []string{"/bin/cat", "@@"}, Timeout: time.Second})
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, ModeFile, e2.Mode())

	_, err = New(&Config{Command: []string{"/nonexistent/binary"}})
	assert.Error(t, err)
}

func TestRunNormal(t *testing.T) {
	e := newDumpExecutor(t, `printf '1:3\n7:1\n' > %%`, false)
	res, err := e.Run([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, res.Coverage, 256)
	assert.Equal(t, byte(3), res.Coverage[1])
	assert.Equal(t, byte(1), res.Coverage[7])
	assert.Equal(t, 2, res.Coverage.Count())
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunStdinDelivery(t *testing.T) {
	e := newDumpExecutor(t, `if [ "$(cat)" = "hello" ]; then printf '5:1' > %%; else printf '9:1' > %%; fi`, false)
	res, err := e.Run([]byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	assert.Equal(t, byte(1), res.Coverage[5])
	assert.Equal(t, byte(0), res.Coverage[9])
}

func TestRunFileDelivery(t *testing.T) {
	e := newDumpExecutor(t, `if [ "$(cat @@)" = "world" ]; then printf '5:1' > %%; else printf '9:1' > %%; fi`, false)
	// "@@" in the dump command forces file mode for input delivery too.
	res, err := e.Run([]byte("world"), 0)
	require.NoError(t, err)
	assert.Equal(t, byte(1), res.Coverage[5])

	// The input file must not retain bytes from the previous, longer run.
	res, err = e.Run([]byte("hi"), 0)
	require.NoError(t, err)
	assert.Equal(t, byte(1), res.Coverage[9])
}

func TestRunCrash(t *testing.T) {
	e := newDumpExecutor(t, `printf '1:1' > %%; kill -SEGV $$`, false)
	res, err := e.Run(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCrash, res.Status)
	assert.Equal(t, syscall.SIGSEGV, res.Signal)
	// Coverage written before the fault is still collected.
	assert.Equal(t, byte(1), res.Coverage[1])
}

func TestRunHang(t *testing.T) {
	e := newDumpExecutor(t, `printf '1:1' > %%; sleep 30`, false)
	res, err := e.Run(nil, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusHang, res.Status)
	assert.Less(t, res.Duration, 10*time.Second)
}

func TestStrictExitCodes(t *testing.T) {
	lenient := newDumpExecutor(t, `printf '1:1' > %%; exit 3`, false)
	res, err := lenient.Run(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	assert.Equal(t, 3, res.ExitCode)

	strict := newDumpExecutor(t, `printf '1:1' > %%; exit 3`, true)
	res, err = strict.Run(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCrash, res.Status)
}

func TestSpawnFailure(t *testing.T) {
	e, err := New(&Config{
		Command:     []string{"/bin/sh"},
		DumpCommand: []string{"/nonexistent/dump-tool"},
		Timeout:     time.Second,
		MapSize:     256,
	})
	require.NoError(t, err)
	defer e.Close()
	res, err := e.Run(nil, 0)
	require.Error(t, err)
	assert.True(t, IsSpawnFailure(err))
	assert.False(t, IsChannelFailure(err))
	assert.Equal(t, StatusFailed, res.Status)
}

func TestChannelFailure(t *testing.T) {
	// The dump command succeeds but never writes the map file.
	e := newDumpExecutor(t, `true`, false)
	_, err := e.Run(nil, 0)
	require.Error(t, err)
	assert.True(t, IsChannelFailure(err))
	assert.False(t, IsSpawnFailure(err))
}

func TestParseMapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "map")

	// Textual showmap format, with blank lines and saturation.
	require.NoError(t, os.WriteFile(path, []byte("0:1\n\n10:999\n255:7\n"), 0644))
	bm, err := parseMapFile(path, 256)
	require.NoError(t, err)
	assert.Equal(t, byte(1), bm[0])
	assert.Equal(t, byte(255), bm[10])
	assert.Equal(t, byte(7), bm[255])

	// Raw binary format.
	raw := make([]byte, 256)
	raw[42] = 9
	require.NoError(t, os.WriteFile(path, raw, 0644))
	bm, err = parseMapFile(path, 256)
	require.NoError(t, err)
	assert.Equal(t, byte(9), bm[42])

	for _, bad := range []string{"nonsense", "300:1", "-1:1", "5:x"} {
		require.NoError(t, os.WriteFile(path, []byte(bad), 0644))
		_, err = parseMapFile(path, 256)
		assert.Error(t, err, bad)
	}
}
