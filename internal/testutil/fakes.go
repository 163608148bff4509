package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

// MemStore is an in-memory kiln.RunStore / adaptive.RunLoader.
type MemStore struct {
	mu      sync.Mutex
	Samples map[string][]kiln.RunSample
	Open    map[string]bool
	Results map[string]kiln.TuningResult
}

func NewMemStore() *MemStore {
	return &MemStore{
		Samples: make(map[string][]kiln.RunSample),
		Open:    make(map[string]bool),
		Results: make(map[string]kiln.TuningResult),
	}
}

func (m *MemStore) StartRun(runID, mode string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Open[runID] {
		return fmt.Errorf("run %s already open", runID)
	}
	m.Open[runID] = true
	return nil
}

func (m *MemStore) Append(runID string, s kiln.RunSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Open[runID] {
		return fmt.Errorf("run %s not open", runID)
	}
	m.Samples[runID] = append(m.Samples[runID], s)
	return nil
}

func (m *MemStore) FinishRun(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Open, runID)
	return nil
}

func (m *MemStore) LoadRun(runID string) ([]kiln.RunSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Samples[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return append([]kiln.RunSample(nil), s...), nil
}

func (m *MemStore) Runs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.Samples))
	for id := range m.Samples {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemStore) SaveTuningResult(res kiln.TuningResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results[res.TestID] = res
	return nil
}

func (m *MemStore) LoadTuningResult(testID string) (kiln.TuningResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.Results[testID]
	if !ok {
		return kiln.TuningResult{}, kiln.ErrResultNotFound
	}
	return res, nil
}

func (m *MemStore) TuningHistory() ([]kiln.TuningResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kiln.TuningResult, 0, len(m.Results))
	for _, res := range m.Results {
		out = append(out, res)
	}
	return out, nil
}
