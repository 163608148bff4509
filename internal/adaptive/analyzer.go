package adaptive

import (
	"math"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

// Tracking-quality thresholds, in °C except the oscillation index.
const (
	overshootLimit   = 5.0
	biasLimit        = 3.0
	oscillationLimit = 0.30
	maeGood          = 2.0
	maeAcceptable    = 6.0
	minBandSamples   = 30
)

// BandMetrics summarizes how well one temperature band tracked during a run.
// Error is defined as setpoint minus measurement, so a positive bias means
// the kiln ran cold.
type BandMetrics struct {
	Band             int     `json:"band"`
	Samples          int     `json:"samples"`
	MAE              float64 `json:"mae"`
	RMSE             float64 `json:"rmse"`
	Bias             float64 `json:"bias"`
	MaxOvershoot     float64 `json:"max_overshoot"`
	OscillationIndex float64 `json:"oscillation_index"`
	Quality          string  `json:"quality"`
}

// AnalyzeRun buckets firing samples, possibly pooled from several runs, into
// gain bands (by setpoint) and computes tracking metrics per band. Bands with
// fewer than minBandSamples samples are skipped; a handful of points through
// a transition says nothing about the gains.
func AnalyzeRun(samples []kiln.RunSample) []BandMetrics {
	type acc struct {
		n         int
		sumAbs    float64
		sumSq     float64
		sum       float64
		overshoot float64
		flips     int
		lastSign  int
	}
	buckets := make(map[int]*acc)

	for _, s := range samples {
		if s.Mode != "program" {
			continue
		}
		b := BandIndex(s.Setpoint)
		a := buckets[b]
		if a == nil {
			a = &acc{}
			buckets[b] = a
		}
		err := s.Setpoint - s.Temperature
		a.n++
		a.sumAbs += math.Abs(err)
		a.sumSq += err * err
		a.sum += err
		if over := s.Temperature - s.Setpoint; over > a.overshoot {
			a.overshoot = over
		}
		sign := 0
		if err > 0.5 {
			sign = 1
		} else if err < -0.5 {
			sign = -1
		}
		if sign != 0 && a.lastSign != 0 && sign != a.lastSign {
			a.flips++
		}
		if sign != 0 {
			a.lastSign = sign
		}
	}

	var out []BandMetrics
	for b := 0; b < len(BandEdges); b++ {
		a := buckets[b]
		if a == nil || a.n < minBandSamples {
			continue
		}
		m := BandMetrics{
			Band:             b,
			Samples:          a.n,
			MAE:              a.sumAbs / float64(a.n),
			RMSE:             math.Sqrt(a.sumSq / float64(a.n)),
			Bias:             a.sum / float64(a.n),
			MaxOvershoot:     a.overshoot,
			OscillationIndex: float64(a.flips) / float64(a.n),
		}
		switch {
		case m.MAE <= maeGood && m.MaxOvershoot <= overshootLimit:
			m.Quality = "good"
		case m.MAE <= maeAcceptable:
			m.Quality = "acceptable"
		default:
			m.Quality = "poor"
		}
		out = append(out, m)
	}
	return out
}

// proposal is one raw tuning adjustment derived from band metrics.
type proposal struct {
	Band         int
	Param        string // "kp", "ki" or "kd"
	DeltaPercent float64
	Rationale    string
}

// propose turns band metrics into bounded gain adjustments. Oscillation
// dominates overshoot which dominates bias: a band gets at most one family
// of proposals per run so adjustments stay small and attributable.
func propose(m BandMetrics) []proposal {
	switch {
	case m.OscillationIndex > oscillationLimit:
		return []proposal{
			{Band: m.Band, Param: "kp", DeltaPercent: -10, Rationale: "sustained oscillation around setpoint"},
			{Band: m.Band, Param: "kd", DeltaPercent: +10, Rationale: "sustained oscillation around setpoint"},
		}
	case m.MaxOvershoot > overshootLimit:
		return []proposal{
			{Band: m.Band, Param: "kp", DeltaPercent: -10, Rationale: "overshoot past setpoint"},
			{Band: m.Band, Param: "kd", DeltaPercent: +5, Rationale: "overshoot past setpoint"},
		}
	case m.Bias > biasLimit:
		return []proposal{
			{Band: m.Band, Param: "ki", DeltaPercent: +5, Rationale: "running cold below setpoint"},
		}
	case m.Bias < -biasLimit:
		return []proposal{
			{Band: m.Band, Param: "ki", DeltaPercent: -5, Rationale: "running hot above setpoint"},
		}
	default:
		return nil
	}
}
