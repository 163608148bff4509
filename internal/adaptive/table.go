// Package adaptive maintains the temperature-banded gain table and the
// suggestion workflow that tunes it from recorded firing runs.
package adaptive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

// BandEdges are the lower edges of the gain bands in °C. A temperature
// belongs to the band whose edge is the greatest one not above it;
// temperatures past the last edge belong to the last band.
var BandEdges = []float64{0, 200, 400, 600, 800, 1000, 1200}

// maxBaseDeviation bounds how far adaptation may move a gain away from the
// band's base value, as a fraction of the base.
const maxBaseDeviation = 0.5

// BandEntry is one row of the gain table.
type BandEntry struct {
	Base      kiln.Gains   `json:"base"`
	Current   kiln.Gains   `json:"current"`
	Origin    string       `json:"origin"` // "default", "autotune" or "adaptive"
	UpdatedAt time.Time    `json:"updated_at"`
	History   []kiln.Gains `json:"history,omitempty"`
}

// Table is the persistent gain schedule. It implements kiln.GainScheduler.
// All stored gains respect the global gain limits; UpdateBand clamps before
// storing, so readers never see an out-of-range value.
type Table struct {
	mu     sync.RWMutex
	bands  []BandEntry
	limits kiln.GainLimits
	path   string
}

type tableFile struct {
	Edges []float64   `json:"edges"`
	Bands []BandEntry `json:"bands"`
}

// NewTable builds a table seeded with the same gains in every band. path is
// where SaveTo-less Save persists the table; empty disables persistence.
func NewTable(seed kiln.Gains, limits kiln.GainLimits, path string) (*Table, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	clamped, _ := limits.Clamp(seed)
	bands := make([]BandEntry, len(BandEdges))
	now := time.Now().UTC()
	for i := range bands {
		bands[i] = BandEntry{
			Base:      clamped,
			Current:   clamped,
			Origin:    "default",
			UpdatedAt: now,
		}
	}
	return &Table{bands: bands, limits: limits, path: path}, nil
}

// LoadTable reads a previously saved table, falling back to a seeded one
// when the file does not exist yet.
func LoadTable(seed kiln.Gains, limits kiln.GainLimits, path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewTable(seed, limits, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read gain table: %w", err)
	}
	var f tableFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse gain table: %w", err)
	}
	if len(f.Bands) != len(BandEdges) {
		return nil, fmt.Errorf("gain table has %d bands, want %d", len(f.Bands), len(BandEdges))
	}
	t := &Table{bands: f.Bands, limits: limits, path: path}
	// Stored values may predate the current limits; re-clamp on load.
	for i := range t.bands {
		t.bands[i].Current, _ = limits.Clamp(t.bands[i].Current)
		t.bands[i].Base, _ = limits.Clamp(t.bands[i].Base)
	}
	return t, nil
}

// Save writes the table atomically next to its configured path.
func (t *Table) Save() error {
	t.mu.RLock()
	f := tableFile{Edges: BandEdges, Bands: append([]BandEntry(nil), t.bands...)}
	path := t.path
	t.mu.RUnlock()

	if path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// BandIndex returns the band a temperature belongs to.
func BandIndex(temp float64) int {
	idx := 0
	for i, edge := range BandEdges {
		if temp >= edge {
			idx = i
		}
	}
	return idx
}

func bandCenter(i int) float64 {
	if i >= len(BandEdges)-1 {
		return BandEdges[len(BandEdges)-1] + 100
	}
	return (BandEdges[i] + BandEdges[i+1]) / 2
}

// GainsFor interpolates linearly between the centers of adjacent bands so
// gains change smoothly as the kiln heats through a band boundary. Below the
// first center and above the last the edge band's gains apply unchanged.
// The second return value is always true; it satisfies kiln.GainScheduler.
func (t *Table) GainsFor(temp float64) (kiln.Gains, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	first, last := bandCenter(0), bandCenter(len(t.bands)-1)
	if temp <= first {
		return t.bands[0].Current, true
	}
	if temp >= last {
		return t.bands[len(t.bands)-1].Current, true
	}

	i := BandIndex(temp)
	lo, hi := i, i+1
	if temp < bandCenter(i) {
		lo, hi = i-1, i
	}
	cLo, cHi := bandCenter(lo), bandCenter(hi)
	frac := (temp - cLo) / (cHi - cLo)
	a, b := t.bands[lo].Current, t.bands[hi].Current
	return kiln.Gains{
		Kp: a.Kp + frac*(b.Kp-a.Kp),
		Ki: a.Ki + frac*(b.Ki-a.Ki),
		Kd: a.Kd + frac*(b.Kd-a.Kd),
	}, true
}

// Band returns a copy of one table row.
func (t *Table) Band(i int) (BandEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.bands) {
		return BandEntry{}, fmt.Errorf("band %d out of range", i)
	}
	return t.bands[i], nil
}

// Bands returns a copy of the whole table.
func (t *Table) Bands() []BandEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]BandEntry(nil), t.bands...)
}

// UpdateBand stores new current gains for a band. The value is clamped to
// the global limits and then to maxBaseDeviation around the band base; the
// previous value is pushed onto the band history. Reports whether clamping
// altered the requested gains.
func (t *Table) UpdateBand(i int, g kiln.Gains, origin string) (kiln.Gains, bool, error) {
	if !g.Valid() {
		return kiln.Gains{}, false, kiln.ErrInvalidGains
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.bands) {
		return kiln.Gains{}, false, fmt.Errorf("band %d out of range", i)
	}

	band := &t.bands[i]
	clamped, wasClamped := t.limits.Clamp(g)
	clamped, devClamped := clampDeviation(clamped, band.Base)
	wasClamped = wasClamped || devClamped

	band.History = append(band.History, band.Current)
	if len(band.History) > 20 {
		band.History = band.History[len(band.History)-20:]
	}
	band.Current = clamped
	band.Origin = origin
	band.UpdatedAt = time.Now().UTC()
	return clamped, wasClamped, nil
}

// Rollback restores the band to its base gains and discards the adaptive
// history stacked on top of them. Rolling back an untouched band is a no-op.
func (t *Table) Rollback(i int) (kiln.Gains, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.bands) {
		return kiln.Gains{}, fmt.Errorf("band %d out of range", i)
	}
	band := &t.bands[i]
	band.Current = band.Base
	band.History = nil
	band.Origin = "rollback"
	band.UpdatedAt = time.Now().UTC()
	return band.Current, nil
}

// SetBaseFromResult installs a tuning result as the new base (and current)
// gains for the band containing the test temperature. The conservative set
// is used: the kiln is a slow plant and the standard Ziegler-Nichols gains
// overshoot on it.
func (t *Table) SetBaseFromResult(res kiln.TuningResult) (int, error) {
	clamped, _ := t.limits.Clamp(res.Conservative)
	t.mu.Lock()
	defer t.mu.Unlock()
	i := BandIndex(res.TestTemperature)
	band := &t.bands[i]
	band.History = append(band.History, band.Current)
	band.Base = clamped
	band.Current = clamped
	band.Origin = "autotune"
	band.UpdatedAt = time.Now().UTC()
	return i, nil
}

func clampDeviation(g, base kiln.Gains) (kiln.Gains, bool) {
	clamped := false
	bound := func(v, b float64) float64 {
		if b <= 0 {
			return v
		}
		lo, hi := b*(1-maxBaseDeviation), b*(1+maxBaseDeviation)
		if v < lo {
			clamped = true
			return lo
		}
		if v > hi {
			clamped = true
			return hi
		}
		return v
	}
	return kiln.Gains{
		Kp: bound(g.Kp, base.Kp),
		Ki: bound(g.Ki, base.Ki),
		Kd: bound(g.Kd, base.Kd),
	}, clamped
}
