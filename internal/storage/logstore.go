// Package storage persists run time series and tuning results as plain
// files: JSON Lines for the per-tick series, one JSON document per tuning
// result. Files stay readable with standard tooling during post-mortems.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

type runMeta struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// FileStore implements the persistence ports on a local directory:
//
//	<dir>/runs/<run-id>.jsonl       one sample per line
//	<dir>/runs/<run-id>.meta.json   run metadata
//	<dir>/tuning/<test-id>.json     tuning results
type FileStore struct {
	dir string
	log *zap.Logger

	mu   sync.Mutex
	open map[string]*openRun
}

type openRun struct {
	f *os.File
	w *bufio.Writer
}

func NewFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, sub := range []string{"runs", "tuning"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &FileStore{dir: dir, log: log, open: make(map[string]*openRun)}, nil
}

func (s *FileStore) runPath(runID string) string {
	return filepath.Join(s.dir, "runs", runID+".jsonl")
}

func (s *FileStore) metaPath(runID string) string {
	return filepath.Join(s.dir, "runs", runID+".meta.json")
}

func (s *FileStore) tuningPath(testID string) string {
	return filepath.Join(s.dir, "tuning", testID+".json")
}

func (s *FileStore) StartRun(runID, mode string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[runID]; ok {
		return fmt.Errorf("run %s already open", runID)
	}
	f, err := os.OpenFile(s.runPath(runID), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	meta := runMeta{RunID: runID, Mode: mode, StartedAt: startedAt.UTC()}
	if err := writeJSONFile(s.metaPath(runID), meta); err != nil {
		f.Close()
		os.Remove(s.runPath(runID))
		return err
	}
	s.open[runID] = &openRun{f: f, w: bufio.NewWriter(f)}
	s.log.Info("run log opened", zap.String("run_id", runID), zap.String("mode", mode))
	return nil
}

func (s *FileStore) Append(runID string, sample kiln.RunSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.open[runID]
	if !ok {
		return fmt.Errorf("run %s not open", runID)
	}
	raw, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	if _, err := r.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	// Flush every sample. The cadence is slow and a crash must not lose the
	// tail of a firing log.
	return r.w.Flush()
}

func (s *FileStore) FinishRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.open[runID]
	if !ok {
		return fmt.Errorf("run %s not open", runID)
	}
	delete(s.open, runID)
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	if err := r.f.Close(); err != nil {
		return err
	}

	var meta runMeta
	if err := readJSONFile(s.metaPath(runID), &meta); err == nil {
		meta.FinishedAt = time.Now().UTC()
		if err := writeJSONFile(s.metaPath(runID), meta); err != nil {
			s.log.Warn("run meta update failed", zap.Error(err), zap.String("run_id", runID))
		}
	}
	s.log.Info("run log closed", zap.String("run_id", runID))
	return nil
}

func (s *FileStore) LoadRun(runID string) ([]kiln.RunSample, error) {
	f, err := os.Open(s.runPath(runID))
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var out []kiln.RunSample
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var sample kiln.RunSample
		if err := json.Unmarshal(line, &sample); err != nil {
			return nil, fmt.Errorf("parse run log %s: %w", runID, err)
		}
		out = append(out, sample)
	}
	return out, sc.Err()
}

// Runs lists recorded run IDs, newest start first.
func (s *FileStore) Runs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "runs"))
	if err != nil {
		return nil, err
	}
	type idAt struct {
		id string
		at time.Time
	}
	var metas []idAt
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		var meta runMeta
		if err := readJSONFile(filepath.Join(s.dir, "runs", name), &meta); err != nil {
			s.log.Warn("unreadable run meta", zap.String("file", name), zap.Error(err))
			continue
		}
		metas = append(metas, idAt{id: meta.RunID, at: meta.StartedAt})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].at.After(metas[j].at) })
	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.id
	}
	return ids, nil
}

func (s *FileStore) SaveTuningResult(res kiln.TuningResult) error {
	if res.TestID == "" {
		return fmt.Errorf("tuning result has no test id")
	}
	return writeJSONFile(s.tuningPath(res.TestID), res)
}

func (s *FileStore) LoadTuningResult(testID string) (kiln.TuningResult, error) {
	var res kiln.TuningResult
	if err := readJSONFile(s.tuningPath(testID), &res); err != nil {
		if os.IsNotExist(err) {
			return res, kiln.ErrResultNotFound
		}
		return res, err
	}
	return res, nil
}

// TuningHistory returns all stored results, newest first.
func (s *FileStore) TuningHistory() ([]kiln.TuningResult, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "tuning"))
	if err != nil {
		return nil, err
	}
	var out []kiln.TuningResult
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var res kiln.TuningResult
		if err := readJSONFile(filepath.Join(s.dir, "tuning", e.Name()), &res); err != nil {
			s.log.Warn("unreadable tuning result", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.After(out[j].ComputedAt) })
	return out, nil
}

func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
