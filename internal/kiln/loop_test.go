package kiln

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSensor struct {
	temp  float64
	valid bool
}

func (s *stubSensor) Read(ctx context.Context) (Reading, error) {
	return Reading{Temperature: s.temp, At: time.Now(), Valid: s.valid}, nil
}

type stubActuator struct {
	positions []float64
}

func (a *stubActuator) SetPosition(ctx context.Context, percent float64) error {
	a.positions = append(a.positions, percent)
	return nil
}

func (a *stubActuator) last() float64 {
	if len(a.positions) == 0 {
		return -1
	}
	return a.positions[len(a.positions)-1]
}

type stubStore struct {
	samples map[string][]RunSample
	open    map[string]bool
	results map[string]TuningResult
}

func newStubStore() *stubStore {
	return &stubStore{
		samples: map[string][]RunSample{},
		open:    map[string]bool{},
		results: map[string]TuningResult{},
	}
}

func (s *stubStore) StartRun(runID, mode string, startedAt time.Time) error {
	s.open[runID] = true
	return nil
}

func (s *stubStore) Append(runID string, sample RunSample) error {
	s.samples[runID] = append(s.samples[runID], sample)
	return nil
}

func (s *stubStore) FinishRun(runID string) error {
	delete(s.open, runID)
	return nil
}

func (s *stubStore) SaveTuningResult(res TuningResult) error {
	s.results[res.TestID] = res
	return nil
}

func (s *stubStore) LoadTuningResult(testID string) (TuningResult, error) {
	res, ok := s.results[testID]
	if !ok {
		return TuningResult{}, ErrResultNotFound
	}
	return res, nil
}

func (s *stubStore) TuningHistory() ([]TuningResult, error) { return nil, nil }

type stubNotifier struct {
	events []string
}

func (n *stubNotifier) Notify(ctx context.Context, event string, payload any) {
	n.events = append(n.events, event)
}

func (n *stubNotifier) has(event string) bool {
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type loopFixture struct {
	loop     *Loop
	sensor   *stubSensor
	actuator *stubActuator
	store    *stubStore
	notifier *stubNotifier
	now      time.Time
}

func newLoopFixture(t *testing.T, temp float64) *loopFixture {
	t.Helper()
	f := &loopFixture{
		sensor:   &stubSensor{temp: temp, valid: true},
		actuator: &stubActuator{},
		store:    newStubStore(),
		notifier: &stubNotifier{},
		now:      time.Unix(1000, 0),
	}
	cfg := LoopConfig{
		PID:          PIDParams{Gains: Gains{Kp: 2, Ki: 0.02, Kd: 1}, OutputMin: 0, OutputMax: 100},
		Safety:       testLimits(),
		GainLimits:   DefaultGainLimits(),
		TickInterval: 2 * time.Second,
	}
	loop, err := NewLoop(cfg, f.sensor, f.actuator, f.store, f.notifier, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.loop = loop
	return f
}

func (f *loopFixture) tick() Command {
	f.now = f.now.Add(2 * time.Second)
	return f.loop.Tick(context.Background(), f.now)
}

func TestIdleCommandsClosedValve(t *testing.T) {
	f := newLoopFixture(t, 20)

	cmd := f.tick()
	if cmd.Valve != 0 || cmd.Source != SourceIdle {
		t.Fatalf("expected idle zero command, got %+v", cmd)
	}
	if f.actuator.last() != 0 {
		t.Fatalf("expected valve driven to 0, got %v", f.actuator.last())
	}
}

func TestSafetyOverridesControlLaw(t *testing.T) {
	f := newLoopFixture(t, 100)
	f.tick()

	// A program that wants lots of heat.
	p := Program{Ramps: []Ramp{{Target: 1000, Rate: 100, Hold: time.Minute}}}
	if _, err := f.loop.StartProgram(p); err != nil {
		t.Fatal(err)
	}
	cmd := f.tick()
	if cmd.Source != SourcePID || cmd.Valve <= 0 {
		t.Fatalf("expected heating PID command, got %+v", cmd)
	}

	// Sensor failure: the override wins over the PID the same tick.
	f.sensor.valid = false
	cmd = f.tick()
	if cmd.Source != SourceSafetyOverride || cmd.Valve != 0 {
		t.Fatalf("expected safety override, got %+v", cmd)
	}
	if f.actuator.last() != 0 {
		t.Fatalf("expected actuator commanded to 0, got %v", f.actuator.last())
	}
}

func TestEmergencyStopAbortsProgram(t *testing.T) {
	f := newLoopFixture(t, 1280)
	f.tick()

	p := Program{Ramps: []Ramp{{Target: 1285, Rate: 100, Hold: time.Minute}}}
	if _, err := f.loop.StartProgram(p); err != nil {
		t.Fatal(err)
	}

	f.sensor.temp = 1300
	cmd := f.tick()
	if cmd.Source != SourceSafetyOverride {
		t.Fatalf("expected safety override, got %+v", cmd)
	}
	// Smoothing dilutes a single spike; keep it hot until the average trips.
	for i := 0; i < 5; i++ {
		cmd = f.tick()
	}

	snap := f.loop.Get()
	if !snap.EmergencyStop {
		t.Fatal("expected emergency stop latched")
	}
	if snap.Mode != "idle" {
		t.Fatalf("expected program aborted to idle, got %v", snap.Mode)
	}
}

func TestStartWhileRunningReturnsBusy(t *testing.T) {
	f := newLoopFixture(t, 20)
	f.tick()

	p := Program{Ramps: []Ramp{{Target: 100, Rate: 100, Hold: time.Minute}}}
	if _, err := f.loop.StartProgram(p); err != nil {
		t.Fatal(err)
	}
	if _, err := f.loop.StartAutotune(DefaultAutotuneParams(600)); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := f.loop.StartProgram(p); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestStopsAreIdempotent(t *testing.T) {
	f := newLoopFixture(t, 20)

	if err := f.loop.StopAutotune(); err != nil {
		t.Fatalf("stop autotune while idle: %v", err)
	}
	if err := f.loop.StopProgram(); err != nil {
		t.Fatalf("stop program while idle: %v", err)
	}
}

func TestEmergencyBlocksNewRuns(t *testing.T) {
	f := newLoopFixture(t, 1300)
	for i := 0; i < 3; i++ {
		f.tick()
	}
	if !f.loop.Get().EmergencyStop {
		t.Fatal("expected emergency latched")
	}

	p := Program{Ramps: []Ramp{{Target: 100, Rate: 100, Hold: time.Minute}}}
	if _, err := f.loop.StartProgram(p); !errors.Is(err, ErrSafetyAbort) {
		t.Fatalf("expected ErrSafetyAbort, got %v", err)
	}
	if _, err := f.loop.StartAutotune(DefaultAutotuneParams(600)); !errors.Is(err, ErrSafetyAbort) {
		t.Fatalf("expected ErrSafetyAbort, got %v", err)
	}

	f.loop.ResetEmergency()
	f.sensor.temp = 20
	for i := 0; i < 6; i++ {
		f.tick()
	}
	if _, err := f.loop.StartProgram(p); err != nil {
		t.Fatalf("expected start after reset, got %v", err)
	}
}

func TestApplyGainsClamps(t *testing.T) {
	f := newLoopFixture(t, 20)

	applied, clamped, err := f.loop.ApplyGains(Gains{Kp: 100, Ki: 5, Kd: 50})
	if err != nil {
		t.Fatal(err)
	}
	if !clamped {
		t.Fatal("expected clamped report")
	}
	limits := DefaultGainLimits()
	if applied.Kp != limits.Max.Kp || applied.Ki != limits.Max.Ki || applied.Kd != limits.Max.Kd {
		t.Fatalf("expected gains at limits, got %+v", applied)
	}

	if _, _, err := f.loop.ApplyGains(Gains{Kp: -1}); !errors.Is(err, ErrInvalidGains) {
		t.Fatalf("expected ErrInvalidGains, got %v", err)
	}
}

func TestProgramRunRecordsSamples(t *testing.T) {
	f := newLoopFixture(t, 20)
	f.tick()

	p := Program{Ramps: []Ramp{{Target: 100, Rate: 100, Hold: time.Minute}}}
	runID, err := f.loop.StartProgram(p)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		f.tick()
	}

	samples := f.store.samples[runID]
	if len(samples) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(samples))
	}
	for _, s := range samples {
		if s.Mode != "program" {
			t.Fatalf("expected program samples, got %+v", s)
		}
		if s.Temperature != 20 {
			t.Fatalf("expected recorded temperature 20, got %v", s.Temperature)
		}
	}

	if err := f.loop.StopProgram(); err != nil {
		t.Fatal(err)
	}
	if f.store.open[runID] {
		t.Fatal("expected run closed after stop")
	}
	if f.loop.Get().Mode != "idle" {
		t.Fatal("expected idle after stop")
	}
}

func TestAutotuneFailsOnSafetyAbort(t *testing.T) {
	f := newLoopFixture(t, 550)
	f.tick()

	if _, err := f.loop.StartAutotune(DefaultAutotuneParams(600)); err != nil {
		t.Fatal(err)
	}
	cmd := f.tick()
	if cmd.Source != SourceRelay {
		t.Fatalf("expected relay command, got %+v", cmd)
	}

	f.sensor.valid = false
	cmd = f.tick()
	if cmd.Source != SourceSafetyOverride || cmd.Valve != 0 {
		t.Fatalf("expected safety override, got %+v", cmd)
	}

	st := f.loop.AutotuneStatus()
	if st.Phase != "failed" {
		t.Fatalf("expected failed autotune, got %v", st.Phase)
	}
	if !f.notifier.has("autotune_failed") {
		t.Fatalf("expected failure notification, got %v", f.notifier.events)
	}
	if f.loop.Get().Mode != "idle" {
		t.Fatal("expected idle after abort")
	}
}

// A mode timeout during autotune must fail the test and leave the tuner
// restartable, not stuck reporting busy forever.
func TestModeTimeoutLeavesAutotuneRestartable(t *testing.T) {
	sensor := &stubSensor{temp: 550, valid: true}
	actuator := &stubActuator{}
	store := newStubStore()
	notifier := &stubNotifier{}

	limits := testLimits()
	limits.ModeTimeout = 10 * time.Second
	cfg := LoopConfig{
		PID:          PIDParams{Gains: Gains{Kp: 2, Ki: 0.02, Kd: 1}, OutputMin: 0, OutputMax: 100},
		Safety:       limits,
		GainLimits:   DefaultGainLimits(),
		TickInterval: 2 * time.Second,
	}
	loop, err := NewLoop(cfg, sensor, actuator, store, notifier, nil)
	if err != nil {
		t.Fatal(err)
	}

	// StartAutotune stamps modeStart with the wall clock, so the synthetic
	// tick times must run on the same clock.
	now := time.Now()
	tick := func() Command {
		now = now.Add(2 * time.Second)
		return loop.Tick(context.Background(), now)
	}
	tick()
	if _, err := loop.StartAutotune(DefaultAutotuneParams(600)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		tick()
	}

	if got := loop.Get().Mode; got != "idle" {
		t.Fatalf("expected idle after timeout, got %v", got)
	}
	if st := loop.AutotuneStatus(); st.Phase != "failed" {
		t.Fatalf("expected failed tuner phase, got %v", st.Phase)
	}
	if !notifier.has("autotune_failed") {
		t.Fatalf("expected failure notification, got %v", notifier.events)
	}
	if _, err := loop.StartAutotune(DefaultAutotuneParams(600)); err != nil {
		t.Fatalf("expected autotune restartable after timeout, got %v", err)
	}
}

func TestThrottleHalvesPIDCommand(t *testing.T) {
	f := newLoopFixture(t, 100)
	f.tick()

	p := Program{Ramps: []Ramp{{Target: 1000, Rate: 100, Hold: time.Minute}}}
	if _, err := f.loop.StartProgram(p); err != nil {
		t.Fatal(err)
	}
	base := f.tick()

	// Jump the temperature so the °C/h rate blows past the heating limit.
	f.sensor.temp = 102
	throttled := f.tick()
	if throttled.Valve >= base.Valve {
		t.Fatalf("expected throttled command below %v, got %v", base.Valve, throttled.Valve)
	}
}

func TestSlewLimitBoundsValveTravel(t *testing.T) {
	f := newLoopFixture(t, 100)
	f.tick()

	p := Program{Ramps: []Ramp{{Target: 1000, Rate: 100, Hold: time.Minute}}}
	if _, err := f.loop.StartProgram(p); err != nil {
		t.Fatal(err)
	}

	var prev float64
	for i := 0; i < 5; i++ {
		cmd := f.tick()
		if cmd.Valve-prev > maxValveStep+1e-9 {
			t.Fatalf("valve moved %v in one tick", cmd.Valve-prev)
		}
		prev = cmd.Valve
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	f := newLoopFixture(t, 20)
	f.tick()

	snap := f.loop.Get()
	if snap.Mode != "idle" || !snap.SensorOK || snap.Temperature != 20 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, err := f.loop.StartAutotune(DefaultAutotuneParams(600)); err != nil {
		t.Fatal(err)
	}
	f.tick()
	snap = f.loop.Get()
	if snap.Mode != "autotune" || snap.Autotune == nil {
		t.Fatalf("expected autotune snapshot, got %+v", snap)
	}
	if snap.Setpoint != 600 {
		t.Fatalf("expected test setpoint 600, got %v", snap.Setpoint)
	}
}
