package adaptive

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

// SuggestionStatus tracks the operator workflow state of a suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Suggestion is one proposed gain adjustment awaiting operator review.
// Nothing changes the live gain table until Approve is called.
type Suggestion struct {
	ID           string           `json:"id"`
	RunIDs       []string         `json:"run_ids"`
	Band         int              `json:"band"`
	Param        string           `json:"param"`
	DeltaPercent float64          `json:"delta_percent"`
	Rationale    string           `json:"rationale"`
	Status       SuggestionStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	ResolvedAt   time.Time        `json:"resolved_at,omitempty"`
}

// RunLoader supplies recorded run series for analysis.
type RunLoader interface {
	LoadRun(runID string) ([]kiln.RunSample, error)
}

// Engine owns the analyze/suggest/approve cycle around the gain table.
type Engine struct {
	table *Table
	runs  RunLoader
	log   *zap.Logger

	mu          sync.Mutex
	suggestions map[string]*Suggestion
}

func NewEngine(table *Table, runs RunLoader, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		table:       table,
		runs:        runs,
		log:         log,
		suggestions: make(map[string]*Suggestion),
	}
}

func (e *Engine) Table() *Table { return e.table }

// Analyze loads one or more finished runs, merges their samples, computes
// per-band metrics and files pending suggestions for the bands that tracked
// poorly. Pooling runs lets bands clear the sample floor that a single short
// firing would miss. It returns the metrics so callers can show them
// alongside the suggestions.
func (e *Engine) Analyze(runIDs ...string) ([]BandMetrics, []Suggestion, error) {
	if len(runIDs) == 0 {
		return nil, nil, fmt.Errorf("analyze: at least one run id required")
	}
	var samples []kiln.RunSample
	for _, id := range runIDs {
		s, err := e.runs.LoadRun(id)
		if err != nil {
			return nil, nil, fmt.Errorf("load run %s: %w", id, err)
		}
		samples = append(samples, s...)
	}
	metrics := AnalyzeRun(samples)

	e.mu.Lock()
	defer e.mu.Unlock()

	var created []Suggestion
	for _, m := range metrics {
		for _, p := range propose(m) {
			s := &Suggestion{
				ID:           uuid.NewString(),
				RunIDs:       append([]string(nil), runIDs...),
				Band:         p.Band,
				Param:        p.Param,
				DeltaPercent: p.DeltaPercent,
				Rationale:    p.Rationale,
				Status:       SuggestionPending,
				CreatedAt:    time.Now().UTC(),
			}
			e.suggestions[s.ID] = s
			created = append(created, *s)
			e.log.Info("tuning suggestion filed",
				zap.String("suggestion_id", s.ID),
				zap.Strings("run_ids", runIDs),
				zap.Int("band", s.Band),
				zap.String("param", s.Param),
				zap.Float64("delta_percent", s.DeltaPercent),
				zap.String("rationale", s.Rationale))
		}
	}
	return metrics, created, nil
}

// Suggestions lists all suggestions, newest first.
func (e *Engine) Suggestions() []Suggestion {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Suggestion, 0, len(e.suggestions))
	for _, s := range e.suggestions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Approve applies a pending suggestion to the gain table. The resulting
// gains pass through the table's clamping, so an approved delta can land
// smaller than requested.
func (e *Engine) Approve(id string) (kiln.Gains, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.suggestions[id]
	if !ok {
		return kiln.Gains{}, fmt.Errorf("suggestion %s not found", id)
	}
	if s.Status != SuggestionPending {
		return kiln.Gains{}, fmt.Errorf("suggestion %s already %s", id, s.Status)
	}

	band, err := e.table.Band(s.Band)
	if err != nil {
		return kiln.Gains{}, err
	}
	g := band.Current
	factor := 1 + s.DeltaPercent/100
	switch s.Param {
	case "kp":
		g.Kp *= factor
	case "ki":
		g.Ki *= factor
	case "kd":
		g.Kd *= factor
	default:
		return kiln.Gains{}, fmt.Errorf("suggestion %s has unknown param %q", id, s.Param)
	}

	applied, clamped, err := e.table.UpdateBand(s.Band, g, "adaptive")
	if err != nil {
		return kiln.Gains{}, err
	}
	s.Status = SuggestionApproved
	s.ResolvedAt = time.Now().UTC()
	e.log.Info("suggestion approved",
		zap.String("suggestion_id", id),
		zap.Int("band", s.Band),
		zap.Bool("clamped", clamped))
	if err := e.table.Save(); err != nil {
		e.log.Warn("gain table save failed", zap.Error(err))
	}
	return applied, nil
}

// Reject marks a pending suggestion as rejected. The table is untouched.
func (e *Engine) Reject(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %s not found", id)
	}
	if s.Status != SuggestionPending {
		return fmt.Errorf("suggestion %s already %s", id, s.Status)
	}
	s.Status = SuggestionRejected
	s.ResolvedAt = time.Now().UTC()
	e.log.Info("suggestion rejected", zap.String("suggestion_id", id))
	return nil
}

// Rollback restores a band to its base gains, dropping every adaptive step.
func (e *Engine) Rollback(band int) (kiln.Gains, error) {
	g, err := e.table.Rollback(band)
	if err != nil {
		return kiln.Gains{}, err
	}
	e.log.Info("band rolled back", zap.Int("band", band))
	if err := e.table.Save(); err != nil {
		e.log.Warn("gain table save failed", zap.Error(err))
	}
	return g, nil
}

// AdoptResult installs an autotune result as the base gains of its band.
func (e *Engine) AdoptResult(res kiln.TuningResult) error {
	band, err := e.table.SetBaseFromResult(res)
	if err != nil {
		return err
	}
	e.log.Info("autotune result adopted",
		zap.String("test_id", res.TestID),
		zap.Int("band", band),
		zap.Float64("test_temperature", res.TestTemperature))
	return e.table.Save()
}
