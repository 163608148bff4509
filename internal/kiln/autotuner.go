package kiln

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AutotunePhase is an integer enum for the relay test state machine.
type AutotunePhase int

const (
	PhaseIdle AutotunePhase = iota
	PhaseHeating
	PhaseRelaying
	PhaseDone
	PhaseFailed
)

func (p AutotunePhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHeating:
		return "heating"
	case PhaseRelaying:
		return "relaying"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Direction of a setpoint crossing.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// PeakKind classifies a recorded extremum.
type PeakKind string

const (
	PeakMax PeakKind = "max"
	PeakMin PeakKind = "min"
)

// Crossing records the instant the temperature passed the test setpoint.
// At is seconds since the test started, interpolated between samples.
type Crossing struct {
	At          float64   `json:"time"`
	Direction   Direction `json:"direction"`
	Temperature float64   `json:"temp"`
}

// Peak records a confirmed oscillation extremum.
type Peak struct {
	At    float64  `json:"time"`
	Kind  PeakKind `json:"type"`
	Value float64  `json:"temp"`
}

type AutotuneParams struct {
	TestTemperature float64
	RelayHigh       float64 // valve % while relay is on
	RelayLow        float64 // valve % while relay is off
	Hysteresis      float64 // °C around the setpoint
	MinOscillations int
	MaxDuration     time.Duration
}

// DefaultAutotuneParams adapts the relay levels and hysteresis to the test
// temperature: the kiln responds faster when cold and loses more heat when
// hot, so both widen with temperature.
func DefaultAutotuneParams(testTemperature float64) AutotuneParams {
	p := AutotuneParams{
		TestTemperature: testTemperature,
		RelayLow:        0,
		MinOscillations: 3,
		MaxDuration:     12 * time.Hour,
	}
	switch {
	case testTemperature <= 200:
		p.RelayHigh, p.Hysteresis = 15, 3
	case testTemperature <= 400:
		p.RelayHigh, p.Hysteresis = 20, 4
	case testTemperature <= 600:
		p.RelayHigh, p.Hysteresis = 25, 5
	default:
		p.RelayHigh, p.Hysteresis = 30, 6
	}
	return p
}

func (p *AutotuneParams) Validate(limits SafetyLimits) error {
	if p.TestTemperature <= 0 || p.TestTemperature >= limits.MaxSafeTemp {
		return fmt.Errorf("%w: %.1f°C", ErrTestTempOutOfRange, p.TestTemperature)
	}
	if p.RelayHigh <= p.RelayLow || p.RelayLow < 0 || p.RelayHigh > 100 {
		return ErrInvalidRelayLevels
	}
	if p.Hysteresis <= 0 || p.MinOscillations < 1 || p.MaxDuration <= 0 {
		return fmt.Errorf("%w: hysteresis, min oscillations and max duration must be positive", ErrInvalidRequest)
	}
	return nil
}

// TuningResult is the durable artifact of a completed relay test. Its JSON
// shape is the stable contract consumed by the adaptive engine and external
// analysis.
type TuningResult struct {
	TestID          string     `json:"test_id"`
	TestTemperature float64    `json:"test_temperature"`
	Ku              float64    `json:"ku"`
	Pu              float64    `json:"pu"`
	Amplitude       float64    `json:"amplitude"`
	Standard        Gains      `json:"pid_standard"`
	Conservative    Gains      `json:"pid_conservative"`
	RelayHigh       float64    `json:"relay_high"`
	RelayLow        float64    `json:"relay_low"`
	Hysteresis      float64    `json:"hysteresis"`
	Oscillations    int        `json:"oscillations"`
	DurationSeconds float64    `json:"duration_seconds"`
	ComputedAt      time.Time  `json:"computed_at"`
	Crossings       []Crossing `json:"crossings"`
	Peaks           []Peak     `json:"peaks"`
}

// AutotuneStatus is a read-only snapshot for the control plane.
type AutotuneStatus struct {
	Phase           string  `json:"phase"`
	TestID          string  `json:"test_id,omitempty"`
	TestTemperature float64 `json:"test_temperature"`
	Oscillations    int     `json:"oscillations"`
	Required        int     `json:"required_oscillations"`
	Progress        float64 `json:"progress"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	RelayHigh       float64 `json:"relay_high"`
	RelayLow        float64 `json:"relay_low"`
	Hysteresis      float64 `json:"hysteresis"`
	FailReason      string  `json:"fail_reason,omitempty"`
}

// proximity band below the test temperature at which pre-heat hands over to
// the relay law.
const relayHandoff = 20.0

const degenerateAmplitude = 1e-9

type sample struct {
	at    float64
	value float64
}

// Autotuner runs the relay-feedback identification experiment as a finite
// state machine ticked at the loop cadence. During HEATING it drives the
// valve with an open-loop distance ladder so the experiment never depends on
// the PID gains it is trying to measure.
type Autotuner struct {
	params    AutotuneParams
	phase     AutotunePhase
	id        string
	startedAt time.Time
	log       *zap.Logger

	relayOn       bool
	lastDirection Direction
	window        []sample // previous and current sample, for crossing interpolation
	crossings     []Crossing
	peaks         []Peak

	// running extremum of the current inter-crossing excursion
	extreme     sample
	haveExtreme bool

	result     *TuningResult
	failReason error
}

func NewAutotuner(log *zap.Logger) *Autotuner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Autotuner{phase: PhaseIdle, log: log}
}

// Start begins a new test. The caller (the control loop) is responsible for
// the system-wide single-run guard.
func (a *Autotuner) Start(params AutotuneParams, limits SafetyLimits, now time.Time) (string, error) {
	if a.phase == PhaseHeating || a.phase == PhaseRelaying {
		return "", ErrBusy
	}
	if err := params.Validate(limits); err != nil {
		return "", err
	}
	a.params = params
	a.phase = PhaseHeating
	a.id = uuid.NewString()
	a.startedAt = now
	a.relayOn = false
	a.lastDirection = ""
	a.window = a.window[:0]
	a.crossings = nil
	a.peaks = nil
	a.haveExtreme = false
	a.result = nil
	a.failReason = nil
	a.log.Info("autotune started",
		zap.String("test_id", a.id),
		zap.Float64("test_temperature", params.TestTemperature),
		zap.Float64("relay_high", params.RelayHigh),
		zap.Float64("relay_low", params.RelayLow),
		zap.Float64("hysteresis", params.Hysteresis))
	return a.id, nil
}

// Stop aborts the test. Calling it while idle is a no-op.
func (a *Autotuner) Stop() {
	if a.phase == PhaseIdle {
		return
	}
	if a.phase == PhaseHeating || a.phase == PhaseRelaying {
		a.log.Info("autotune stopped", zap.String("test_id", a.id))
	}
	a.phase = PhaseIdle
}

// Abort fails the current run with the given reason (safety trip, timeout).
func (a *Autotuner) Abort(reason error) {
	if a.phase != PhaseHeating && a.phase != PhaseRelaying {
		return
	}
	a.phase = PhaseFailed
	a.failReason = reason
	a.log.Warn("autotune failed", zap.String("test_id", a.id), zap.Error(reason))
}

// Tick advances the state machine by one sample and returns the valve
// command. Terminal phases always command 0%.
func (a *Autotuner) Tick(r Reading, now time.Time) float64 {
	if a.phase != PhaseHeating && a.phase != PhaseRelaying {
		return 0
	}

	elapsed := now.Sub(a.startedAt).Seconds()
	if now.Sub(a.startedAt) > a.params.MaxDuration {
		a.Abort(ErrAutotuneTimeout)
		return 0
	}
	if !r.Valid {
		// The safety monitor owns sensor faults. Hold a safe output until the
		// loop aborts us: closed during pre-heat, relay low while relaying.
		if a.phase == PhaseHeating {
			return 0
		}
		return a.params.RelayLow
	}

	a.pushSample(elapsed, r.Temperature)

	switch a.phase {
	case PhaseHeating:
		return a.heatTick(r.Temperature)
	case PhaseRelaying:
		return a.relayTick(elapsed, r.Temperature)
	}
	return 0
}

// heatTick drives the conservative pre-heat ladder: wide opening far from
// target, narrowing on approach.
func (a *Autotuner) heatTick(temp float64) float64 {
	diff := a.params.TestTemperature - temp
	if diff < relayHandoff {
		a.phase = PhaseRelaying
		a.relayOn = false
		a.log.Info("relay phase started", zap.Float64("temperature", temp))
	}

	switch {
	case diff > 400:
		return 35
	case diff > 300:
		return 30
	case diff > 200:
		return 25
	case diff > 100:
		return 20
	case diff > 50:
		return 15
	case diff > 20:
		return 10
	default:
		return 5
	}
}

func (a *Autotuner) relayTick(elapsed, temp float64) float64 {
	sp := a.params.TestTemperature

	var valve float64
	switch {
	case temp < sp-a.params.Hysteresis:
		valve = a.params.RelayHigh
		a.relayOn = true
	case temp > sp+a.params.Hysteresis:
		valve = a.params.RelayLow
		a.relayOn = false
	default:
		// inside the hysteresis band: hold the previous relay state
		if a.relayOn {
			valve = a.params.RelayHigh
		} else {
			valve = a.params.RelayLow
		}
	}

	a.detectCrossing(elapsed, temp)
	a.trackExtreme(elapsed, temp)

	if a.Oscillations() >= a.params.MinOscillations {
		if err := a.finish(elapsed); err != nil {
			a.phase = PhaseFailed
			a.failReason = err
			a.log.Warn("autotune failed", zap.String("test_id", a.id), zap.Error(err))
		} else {
			a.phase = PhaseDone
			a.log.Info("autotune complete",
				zap.String("test_id", a.id),
				zap.Float64("ku", a.result.Ku),
				zap.Float64("pu", a.result.Pu),
				zap.Float64("amplitude", a.result.Amplitude))
		}
		return 0
	}
	return valve
}

func (a *Autotuner) pushSample(at, value float64) {
	a.window = append(a.window, sample{at: at, value: value})
	if len(a.window) > 2 {
		a.window = a.window[1:]
	}
}

// detectCrossing appends a crossing when the previous and current samples
// straddle the setpoint, with the instant linearly interpolated between them.
// Consecutive crossings in the same direction collapse to the first.
func (a *Autotuner) detectCrossing(elapsed, temp float64) {
	n := len(a.window)
	if n < 2 {
		return
	}
	prev := a.window[n-2]
	sp := a.params.TestTemperature

	var dir Direction
	switch {
	case prev.value < sp && temp >= sp:
		dir = DirectionUp
	case prev.value > sp && temp <= sp:
		dir = DirectionDown
	default:
		return
	}
	if a.lastDirection == dir {
		return
	}

	at := elapsed
	if span := temp - prev.value; span != 0 {
		frac := (sp - prev.value) / span
		at = prev.at + frac*(elapsed-prev.at)
	}
	// This crossing closes the excursion that opened at the previous one;
	// commit that excursion's extremum.
	a.commitPeak()
	a.crossings = append(a.crossings, Crossing{At: at, Direction: dir, Temperature: temp})
	a.lastDirection = dir
	a.log.Debug("crossing detected",
		zap.String("direction", string(dir)),
		zap.Float64("at", at),
		zap.Float64("temperature", temp))
}

// trackExtreme follows the running extremum of the current inter-crossing
// excursion: the maximum after an up crossing, the minimum after a down
// crossing. Each excursion contributes exactly one peak, so noise ripples
// inside it cannot dilute the amplitude estimate.
func (a *Autotuner) trackExtreme(elapsed, temp float64) {
	if len(a.crossings) == 0 {
		return
	}
	switch {
	case !a.haveExtreme,
		a.lastDirection == DirectionUp && temp > a.extreme.value,
		a.lastDirection == DirectionDown && temp < a.extreme.value:
		a.extreme = sample{at: elapsed, value: temp}
		a.haveExtreme = true
	}
}

// commitPeak records the extremum of the excursion just closed by a crossing.
func (a *Autotuner) commitPeak() {
	if !a.haveExtreme {
		return
	}
	kind := PeakMin
	if a.lastDirection == DirectionUp {
		kind = PeakMax
	}
	a.peaks = append(a.peaks, Peak{At: a.extreme.at, Kind: kind, Value: a.extreme.value})
	a.haveExtreme = false
}

// Oscillations counts closed up/down/up (or down/up/down) crossing triples.
func (a *Autotuner) Oscillations() int {
	if len(a.crossings) < 3 {
		return 0
	}
	return (len(a.crossings) - 1) / 2
}

// finish computes the critical period and gain from the recorded series and
// derives both Ziegler-Nichols parameter sets.
func (a *Autotuner) finish(elapsed float64) error {
	// Pu: mean gap between consecutive same-direction crossings, one gap per
	// completed oscillation.
	var periods []float64
	for i := 2; i < len(a.crossings); i += 2 {
		periods = append(periods, a.crossings[i].At-a.crossings[i-2].At)
	}
	if len(periods) == 0 {
		return ErrInsufficientPeaks
	}
	var pu float64
	for _, p := range periods {
		pu += p
	}
	pu /= float64(len(periods))

	var maxSum, minSum float64
	var maxN, minN int
	for _, p := range a.peaks {
		if p.Kind == PeakMax {
			maxSum += p.Value
			maxN++
		} else {
			minSum += p.Value
			minN++
		}
	}
	if maxN == 0 || minN == 0 {
		return ErrInsufficientPeaks
	}
	amplitude := (maxSum/float64(maxN) - minSum/float64(minN)) / 2
	if amplitude < degenerateAmplitude {
		return ErrDegenerateOscillation
	}

	d := a.params.RelayHigh - a.params.RelayLow
	ku := (4 * d) / (math.Pi * amplitude)

	a.result = &TuningResult{
		TestID:          a.id,
		TestTemperature: a.params.TestTemperature,
		Ku:              ku,
		Pu:              pu,
		Amplitude:       amplitude,
		Standard: Gains{
			Kp: 0.6 * ku,
			Ki: 1.2 * ku / pu,
			Kd: 0.075 * ku * pu,
		},
		Conservative: Gains{
			Kp: 0.45 * ku,
			Ki: 0.54 * ku / pu,
			Kd: 0,
		},
		RelayHigh:       a.params.RelayHigh,
		RelayLow:        a.params.RelayLow,
		Hysteresis:      a.params.Hysteresis,
		Oscillations:    a.Oscillations(),
		DurationSeconds: elapsed,
		ComputedAt:      time.Now().UTC(),
		Crossings:       append([]Crossing(nil), a.crossings...),
		Peaks:           append([]Peak(nil), a.peaks...),
	}
	return nil
}

func (a *Autotuner) Phase() AutotunePhase { return a.phase }

func (a *Autotuner) TestID() string { return a.id }

func (a *Autotuner) FailReason() error { return a.failReason }

// Result returns the computed tuning result once the test is done.
func (a *Autotuner) Result() (TuningResult, error) {
	if a.phase != PhaseDone || a.result == nil {
		return TuningResult{}, ErrResultNotFound
	}
	return *a.result, nil
}

func (a *Autotuner) Status(now time.Time) AutotuneStatus {
	st := AutotuneStatus{
		Phase:           a.phase.String(),
		TestID:          a.id,
		TestTemperature: a.params.TestTemperature,
		Oscillations:    a.Oscillations(),
		Required:        a.params.MinOscillations,
		RelayHigh:       a.params.RelayHigh,
		RelayLow:        a.params.RelayLow,
		Hysteresis:      a.params.Hysteresis,
	}
	if a.params.MinOscillations > 0 {
		st.Progress = math.Min(100, float64(st.Oscillations)/float64(a.params.MinOscillations)*100)
	}
	if !a.startedAt.IsZero() && (a.phase == PhaseHeating || a.phase == PhaseRelaying) {
		st.ElapsedSeconds = now.Sub(a.startedAt).Seconds()
	}
	if a.failReason != nil {
		st.FailReason = a.failReason.Error()
	}
	return st
}
