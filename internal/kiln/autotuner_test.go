package kiln

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func testLimits() SafetyLimits {
	return SafetyLimits{
		MaxSafeTemp:       1290,
		MaxHeatingRate:    400,
		MaxCoolingRate:    300,
		CoolingAlarmBelow: 700,
		SensorTimeout:     30 * time.Second,
		ModeTimeout:       24 * time.Hour,
	}
}

func startedTuner(t *testing.T, params AutotuneParams, now time.Time) *Autotuner {
	t.Helper()
	a := NewAutotuner(nil)
	if _, err := a.Start(params, testLimits(), now); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDefaultAutotuneParams(t *testing.T) {
	tests := []struct {
		temp     float64
		wantHigh float64
		wantHys  float64
	}{
		{150, 15, 3},
		{200, 15, 3},
		{350, 20, 4},
		{600, 25, 5},
		{900, 30, 6},
	}
	for _, tt := range tests {
		p := DefaultAutotuneParams(tt.temp)
		if p.RelayHigh != tt.wantHigh || p.Hysteresis != tt.wantHys {
			t.Fatalf("params(%v) = high %v hys %v, want %v %v",
				tt.temp, p.RelayHigh, p.Hysteresis, tt.wantHigh, tt.wantHys)
		}
		if p.RelayLow != 0 || p.MinOscillations != 3 {
			t.Fatalf("params(%v): unexpected low %v or min oscillations %d", tt.temp, p.RelayLow, p.MinOscillations)
		}
	}
}

func TestAutotuneParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AutotuneParams)
		wantErr error
	}{
		{"valid", func(p *AutotuneParams) {}, nil},
		{"temp zero", func(p *AutotuneParams) { p.TestTemperature = 0 }, ErrTestTempOutOfRange},
		{"temp at limit", func(p *AutotuneParams) { p.TestTemperature = 1290 }, ErrTestTempOutOfRange},
		{"high below low", func(p *AutotuneParams) { p.RelayHigh = 0; p.RelayLow = 10 }, ErrInvalidRelayLevels},
		{"high above 100", func(p *AutotuneParams) { p.RelayHigh = 101 }, ErrInvalidRelayLevels},
		{"zero hysteresis", func(p *AutotuneParams) { p.Hysteresis = 0 }, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultAutotuneParams(600)
			tt.mutate(&p)
			err := p.Validate(testLimits())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOscillationCount(t *testing.T) {
	tests := []struct {
		crossings int
		want      int
	}{
		{0, 0}, {1, 0}, {2, 0}, {3, 1}, {4, 1}, {5, 2}, {7, 3},
	}
	for _, tt := range tests {
		a := NewAutotuner(nil)
		for i := 0; i < tt.crossings; i++ {
			a.crossings = append(a.crossings, Crossing{At: float64(i * 100)})
		}
		if got := a.Oscillations(); got != tt.want {
			t.Fatalf("%d crossings: expected %d oscillations, got %d", tt.crossings, tt.want, got)
		}
	}
}

// Critical period from the crossing sequence {0, 90, 200, 300, 410}: the
// same-direction gaps are 200-0 and 410-200, so Pu is their mean, 205.
func TestComputeResultFromTrace(t *testing.T) {
	now := time.Now()
	p := AutotuneParams{
		TestTemperature: 600,
		RelayHigh:       25,
		RelayLow:        0,
		Hysteresis:      5,
		MinOscillations: 2,
		MaxDuration:     12 * time.Hour,
	}
	a := startedTuner(t, p, now)
	a.crossings = []Crossing{
		{At: 0, Direction: DirectionUp},
		{At: 90, Direction: DirectionDown},
		{At: 200, Direction: DirectionUp},
		{At: 300, Direction: DirectionDown},
		{At: 410, Direction: DirectionUp},
	}
	a.peaks = []Peak{
		{At: 45, Kind: PeakMax, Value: 610},
		{At: 145, Kind: PeakMin, Value: 590},
		{At: 250, Kind: PeakMax, Value: 610},
		{At: 355, Kind: PeakMin, Value: 590},
	}
	if err := a.finish(410); err != nil {
		t.Fatal(err)
	}
	res := *a.result

	if !almostEqual(res.Pu, 205, 1e-9) {
		t.Fatalf("expected Pu 205, got %v", res.Pu)
	}
	if !almostEqual(res.Amplitude, 10, 1e-9) {
		t.Fatalf("expected amplitude 10, got %v", res.Amplitude)
	}
	wantKu := (4 * 25.0) / (math.Pi * 10)
	if !almostEqual(res.Ku, wantKu, 1e-9) {
		t.Fatalf("expected Ku %v, got %v", wantKu, res.Ku)
	}
	if res.Oscillations != 2 {
		t.Fatalf("expected 2 oscillations, got %d", res.Oscillations)
	}

	if !almostEqual(res.Standard.Kp, 0.6*wantKu, 1e-9) ||
		!almostEqual(res.Standard.Ki, 1.2*wantKu/205, 1e-9) ||
		!almostEqual(res.Standard.Kd, 0.075*wantKu*205, 1e-9) {
		t.Fatalf("unexpected standard gains: %+v", res.Standard)
	}
	if !almostEqual(res.Conservative.Kp, 0.45*wantKu, 1e-9) ||
		!almostEqual(res.Conservative.Ki, 0.54*wantKu/205, 1e-9) {
		t.Fatalf("unexpected conservative gains: %+v", res.Conservative)
	}
	if res.Conservative.Kd != 0 {
		t.Fatalf("conservative Kd must be 0, got %v", res.Conservative.Kd)
	}
}

func TestComputeResultDegenerateAmplitude(t *testing.T) {
	a := startedTuner(t, DefaultAutotuneParams(600), time.Now())
	a.crossings = []Crossing{{At: 0}, {At: 100}, {At: 200}}
	a.peaks = []Peak{
		{Kind: PeakMax, Value: 600},
		{Kind: PeakMin, Value: 600},
	}
	if err := a.finish(200); !errors.Is(err, ErrDegenerateOscillation) {
		t.Fatalf("expected ErrDegenerateOscillation, got %v", err)
	}
}

func TestComputeResultNeedsBothPeakKinds(t *testing.T) {
	a := startedTuner(t, DefaultAutotuneParams(600), time.Now())
	a.crossings = []Crossing{{At: 0}, {At: 100}, {At: 200}}
	a.peaks = []Peak{{Kind: PeakMax, Value: 610}}
	if err := a.finish(200); !errors.Is(err, ErrInsufficientPeaks) {
		t.Fatalf("expected ErrInsufficientPeaks, got %v", err)
	}
}

func TestPreHeatLadder(t *testing.T) {
	now := time.Now()
	a := startedTuner(t, DefaultAutotuneParams(1000), now)

	tests := []struct {
		temp float64
		want float64
	}{
		{500, 35},  // diff 500
		{650, 30},  // diff 350
		{750, 25},  // diff 250
		{850, 20},  // diff 150
		{920, 15},  // diff 80
		{970, 10},  // diff 30
	}
	for _, tt := range tests {
		got := a.Tick(Reading{Temperature: tt.temp, At: now, Valid: true}, now)
		if got != tt.want {
			t.Fatalf("at %v°C expected valve %v, got %v", tt.temp, tt.want, got)
		}
		if a.Phase() != PhaseHeating {
			t.Fatalf("at %v°C expected heating phase, got %v", tt.temp, a.Phase())
		}
		now = now.Add(2 * time.Second)
	}
}

func TestHeatingHandsOffToRelay(t *testing.T) {
	now := time.Now()
	a := startedTuner(t, DefaultAutotuneParams(1000), now)

	a.Tick(Reading{Temperature: 985, At: now, Valid: true}, now)
	if a.Phase() != PhaseRelaying {
		t.Fatalf("expected relay phase within handoff distance, got %v", a.Phase())
	}
}

func TestRelayLawWithHysteresis(t *testing.T) {
	now := time.Now()
	p := DefaultAutotuneParams(600) // high 25, low 0, hysteresis 5
	a := startedTuner(t, p, now)
	a.phase = PhaseRelaying

	step := func(temp float64) float64 {
		now = now.Add(2 * time.Second)
		return a.Tick(Reading{Temperature: temp, At: now, Valid: true}, now)
	}

	if got := step(590); got != 25 {
		t.Fatalf("below band: expected high, got %v", got)
	}
	// Inside the band the previous state holds.
	if got := step(600); got != 25 {
		t.Fatalf("inside band after heating: expected high held, got %v", got)
	}
	if got := step(610); got != 0 {
		t.Fatalf("above band: expected low, got %v", got)
	}
	if got := step(600); got != 0 {
		t.Fatalf("inside band after cooling: expected low held, got %v", got)
	}
}

func TestCrossingInterpolation(t *testing.T) {
	now := time.Unix(0, 0)
	a := startedTuner(t, DefaultAutotuneParams(600), now)
	a.phase = PhaseRelaying

	a.Tick(Reading{Temperature: 595, At: now.Add(10 * time.Second), Valid: true}, now.Add(10*time.Second))
	a.Tick(Reading{Temperature: 605, At: now.Add(20 * time.Second), Valid: true}, now.Add(20*time.Second))

	if len(a.crossings) != 1 {
		t.Fatalf("expected 1 crossing, got %d", len(a.crossings))
	}
	c := a.crossings[0]
	if c.Direction != DirectionUp {
		t.Fatalf("expected up crossing, got %v", c.Direction)
	}
	if !almostEqual(c.At, 15, 1e-9) {
		t.Fatalf("expected interpolated crossing at 15s, got %v", c.At)
	}
}

func TestSameDirectionCrossingsCollapse(t *testing.T) {
	now := time.Unix(0, 0)
	a := startedTuner(t, DefaultAutotuneParams(600), now)
	a.phase = PhaseRelaying

	temps := []float64{595, 605, 595, 599.9, 605} // dips below without crossing direction change
	for i, temp := range temps {
		at := now.Add(time.Duration(10*(i+1)) * time.Second)
		a.Tick(Reading{Temperature: temp, At: at, Valid: true}, at)
	}
	// up at ~15s, down at ~25s, then the second rise records one more up.
	if len(a.crossings) != 3 {
		t.Fatalf("expected 3 crossings, got %d", len(a.crossings))
	}
}

// Each excursion between two crossings contributes exactly one peak; noise
// ripples inside it or before the first crossing must not dilute the
// amplitude estimate.
func TestOnePeakPerExcursion(t *testing.T) {
	now := time.Unix(0, 0)
	a := startedTuner(t, DefaultAutotuneParams(600), now)
	a.phase = PhaseRelaying

	step := func(temp float64) {
		now = now.Add(2 * time.Second)
		a.Tick(Reading{Temperature: temp, At: now, Valid: true}, now)
	}

	// Ripples below the setpoint before any crossing.
	for _, temp := range []float64{593, 595, 594, 596, 595} {
		step(temp)
	}
	if len(a.peaks) != 0 {
		t.Fatalf("expected no peaks before the first crossing, got %+v", a.peaks)
	}

	// One up excursion with a ripple: a 604 local bump before the true 608 top.
	for _, temp := range []float64{601, 604, 603, 608, 605} {
		step(temp)
	}
	step(598) // down crossing closes the excursion

	if len(a.peaks) != 1 {
		t.Fatalf("expected one peak per excursion, got %+v", a.peaks)
	}
	if a.peaks[0].Kind != PeakMax || a.peaks[0].Value != 608 {
		t.Fatalf("expected the 608 maximum, got %+v", a.peaks[0])
	}
}

func TestInvalidReadingHoldsSafeOutput(t *testing.T) {
	now := time.Now()
	p := DefaultAutotuneParams(600)
	p.RelayLow = 5
	a := startedTuner(t, p, now)

	if got := a.Tick(Reading{At: now, Valid: false}, now); got != 0 {
		t.Fatalf("heating: expected closed valve on invalid reading, got %v", got)
	}
	a.phase = PhaseRelaying
	if got := a.Tick(Reading{At: now, Valid: false}, now); got != 5 {
		t.Fatalf("relaying: expected relay low on invalid reading, got %v", got)
	}
}

func TestRelayTimeout(t *testing.T) {
	now := time.Now()
	p := DefaultAutotuneParams(600)
	p.MaxDuration = time.Hour
	a := startedTuner(t, p, now)

	late := now.Add(2 * time.Hour)
	if got := a.Tick(Reading{Temperature: 300, At: late, Valid: true}, late); got != 0 {
		t.Fatalf("expected valve 0 after timeout, got %v", got)
	}
	if a.Phase() != PhaseFailed {
		t.Fatalf("expected failed phase, got %v", a.Phase())
	}
	if !errors.Is(a.FailReason(), ErrAutotuneTimeout) {
		t.Fatalf("expected timeout reason, got %v", a.FailReason())
	}
}

func TestStartWhileRunningBusy(t *testing.T) {
	now := time.Now()
	a := startedTuner(t, DefaultAutotuneParams(600), now)
	if _, err := a.Start(DefaultAutotuneParams(600), testLimits(), now); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	a := NewAutotuner(nil)
	a.Stop()
	a.Stop()
	if a.Phase() != PhaseIdle {
		t.Fatalf("expected idle, got %v", a.Phase())
	}

	if _, err := a.Start(DefaultAutotuneParams(600), testLimits(), time.Now()); err != nil {
		t.Fatal(err)
	}
	a.Stop()
	a.Stop()
	if a.Phase() != PhaseIdle {
		t.Fatalf("expected idle after stop, got %v", a.Phase())
	}
}

// End to end: a sinusoidal plant around the setpoint must complete the test
// and recover the oscillation period.
func TestRelayEndToEnd(t *testing.T) {
	start := time.Unix(0, 0)
	p := DefaultAutotuneParams(600)
	a := startedTuner(t, p, start)

	const (
		period    = 200.0 // seconds
		amplitude = 10.0
		dt        = 2 * time.Second
	)

	// Heat up from 560; two ticks put the tuner into the relay phase.
	now := start
	a.Tick(Reading{Temperature: 560, At: now, Valid: true}, now)
	now = now.Add(dt)
	a.Tick(Reading{Temperature: 585, At: now, Valid: true}, now)
	if a.Phase() != PhaseRelaying {
		t.Fatalf("expected relay phase, got %v", a.Phase())
	}

	for i := 0; i < 2000 && a.Phase() == PhaseRelaying; i++ {
		now = now.Add(dt)
		elapsed := now.Sub(start).Seconds()
		temp := 600 + amplitude*math.Sin(2*math.Pi*elapsed/period)
		a.Tick(Reading{Temperature: temp, At: now, Valid: true}, now)
	}

	if a.Phase() != PhaseDone {
		t.Fatalf("expected done, got %v (oscillations %d)", a.Phase(), a.Oscillations())
	}
	res, err := a.Result()
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(res.Pu, period, 2) {
		t.Fatalf("expected Pu near %v, got %v", period, res.Pu)
	}
	if !almostEqual(res.Amplitude, amplitude, 0.5) {
		t.Fatalf("expected amplitude near %v, got %v", amplitude, res.Amplitude)
	}
	wantKu := 4 * (p.RelayHigh - p.RelayLow) / (math.Pi * res.Amplitude)
	if !almostEqual(res.Ku, wantKu, 1e-9) {
		t.Fatalf("expected Ku %v, got %v", wantKu, res.Ku)
	}

	// Terminal phases always command a closed valve.
	now = now.Add(dt)
	if got := a.Tick(Reading{Temperature: 600, At: now, Valid: true}, now); got != 0 {
		t.Fatalf("expected valve 0 after completion, got %v", got)
	}
}

func TestTuningResultJSONRoundTrip(t *testing.T) {
	res := TuningResult{
		TestID:          "abc",
		TestTemperature: 600,
		Ku:              (4 * 25.0) / (math.Pi * 10),
		Pu:              205,
		Amplitude:       10,
		Standard:        Gains{Kp: 1.909859, Ki: 0.018632, Kd: 48.94},
		Conservative:    Gains{Kp: 1.432394, Ki: 0.008384},
		RelayHigh:       25,
		Hysteresis:      5,
		Oscillations:    2,
		DurationSeconds: 410,
		ComputedAt:      time.Now().UTC(),
		Crossings: []Crossing{
			{At: 0, Direction: DirectionUp, Temperature: 600},
			{At: 90, Direction: DirectionDown, Temperature: 600},
		},
		Peaks: []Peak{{At: 45, Kind: PeakMax, Value: 610}},
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var got TuningResult
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}

	const eps = 1e-9
	if got.TestID != res.TestID || got.Oscillations != res.Oscillations {
		t.Fatalf("identity fields changed: %+v", got)
	}
	for _, pair := range [][2]float64{
		{got.Ku, res.Ku},
		{got.Pu, res.Pu},
		{got.Amplitude, res.Amplitude},
		{got.Standard.Kp, res.Standard.Kp},
		{got.Standard.Ki, res.Standard.Ki},
		{got.Standard.Kd, res.Standard.Kd},
		{got.Conservative.Kp, res.Conservative.Kp},
		{got.Crossings[1].At, res.Crossings[1].At},
		{got.Peaks[0].Value, res.Peaks[0].Value},
	} {
		if !almostEqual(pair[0], pair[1], eps) {
			t.Fatalf("round trip drifted: got %v want %v", pair[0], pair[1])
		}
	}
}
