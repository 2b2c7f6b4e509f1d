// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package executor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/greyfuzz/greyfuzz/pkg/cover"
)

// parseMapFile reads a coverage map dumped by an external tool.
// Two formats are accepted: a raw binary blob of exactly mapSize bytes, and
// the textual "bucket:count" per-line format produced by showmap-style tools.
func parseMapFile(path string, mapSize int) (cover.Bitmap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read map file: %w", err)
	}
	if len(data) == mapSize {
		return cover.FromRaw(data), nil
	}
	bitmap := cover.NewBitmap(mapSize)
	s := bufio.NewScanner(strings.NewReader(string(data)))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		idx, count, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed map line %q", line)
		}
		bucket, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil || bucket < 0 || bucket >= mapSize {
			return nil, fmt.Errorf("bad bucket in map line %q", line)
		}
		hits, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || hits < 0 {
			return nil, fmt.Errorf("bad count in map line %q", line)
		}
		if hits > 255 {
			hits = 255
		}
		bitmap[bucket] = byte(hits)
	}
	return bitmap, nil
}
