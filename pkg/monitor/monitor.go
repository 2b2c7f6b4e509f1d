// Copyright 2025 greyfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package monitor keeps the append-only execution history of a fuzzing
// session and persists high-value inputs to the artifact store.
//
// Artifacts are written only for runs whose novelty crosses a threshold.
// Crashes and hangs that reproduce already-seen coverage produce records
// but no files, which keeps a crashy target from flooding the output
// directory with thousands of equivalent reproducers.
package monitor

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/greyfuzz/greyfuzz/pkg/executor"
	"github.com/greyfuzz/greyfuzz/pkg/log"
	"github.com/greyfuzz/greyfuzz/pkg/osutil"
)

// RunRecord describes one target execution. Records are immutable once
// appended.
type RunRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	CandidateID  int64         `json:"candidate_id"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"wall_time_ns"`
	Novelty      int           `json:"novelty"`
	CumCoverage  int           `json:"cum_coverage"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
}

// CurvePoint is one sample of the coverage-over-time series.
type CurvePoint struct {
	Elapsed  time.Duration
	Coverage int
}

type Monitor struct {
	dir       string
	session   uuid.UUID
	threshold int
	records   []RunRecord
	now       func() time.Time
}

// New creates a monitor writing artifacts under dir. Runs with novelty of
// at least noveltyThreshold get their input persisted.
func New(dir string, noveltyThreshold int) (*Monitor, error) {
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Monitor{
		dir:       dir,
		session:   uuid.New(),
		threshold: noveltyThreshold,
		now:       time.Now,
	}, nil
}

// Session returns the unique id stamped into this session's artifacts.
func (m *Monitor) Session() uuid.UUID {
	return m.session
}

// RecordRun appends a record for one execution and persists the input as
// an artifact when it brought enough new coverage.
func (m *Monitor) RecordRun(candID int64, input []byte, status executor.Status,
	duration time.Duration, novelty, cumCoverage int) RunRecord {
	ts := m.now()
	rec := RunRecord{
		Timestamp:   ts,
		CandidateID: candID,
		Status:      status.String(),
		Duration:    duration,
		Novelty:     novelty,
		CumCoverage: cumCoverage,
	}
	if novelty >= m.threshold {
		name := fmt.Sprintf("sample_%v_%06d_novel.bin", m.session, len(m.records))
		path := filepath.Join(m.dir, name)
		if err := osutil.WriteFile(path, input); err != nil {
			log.Logf(0, "monitor: failed to save artifact: %v", err)
		} else {
			rec.ArtifactPath = path
		}
	}
	m.records = append(m.records, rec)
	return rec
}

// Records returns the full ordered record log.
func (m *Monitor) Records() []RunRecord {
	return m.records
}

// ArtifactCount returns the number of persisted artifacts.
func (m *Monitor) ArtifactCount() int {
	n := 0
	for _, rec := range m.records {
		if rec.ArtifactPath != "" {
			n++
		}
	}
	return n
}

// ExportRecords writes the record log as JSON and returns the path.
// An empty path defaults into the artifact directory.
func (m *Monitor) ExportRecords(path string) (string, error) {
	if path == "" {
		path = filepath.Join(m.dir, "monitor_records.json")
	}
	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return "", err
	}
	if err := osutil.WriteFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// CoverageCurve derives the coverage-over-time series from the record log.
func (m *Monitor) CoverageCurve() []CurvePoint {
	if len(m.records) == 0 {
		return nil
	}
	start := m.records[0].Timestamp
	curve := make([]CurvePoint, 0, len(m.records))
	for _, rec := range m.records {
		curve = append(curve, CurvePoint{
			Elapsed:  rec.Timestamp.Sub(start),
			Coverage: rec.CumCoverage,
		})
	}
	return curve
}

// ExportCurveCSV writes the coverage curve as CSV for offline plotting.
func (m *Monitor) ExportCurveCSV(path string) error {
	if path == "" {
		path = filepath.Join(m.dir, "coverage_curve.csv")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"time_sec", "cumulative_coverage"}); err != nil {
		return err
	}
	for _, pt := range m.CoverageCurve() {
		row := []string{
			fmt.Sprintf("%.6f", pt.Elapsed.Seconds()),
			fmt.Sprintf("%v", pt.Coverage),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
