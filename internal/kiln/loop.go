package kiln

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Narrow consumer-side ports. Concrete drivers and stores satisfy these; the
// loop never needs their wider interfaces.

type Sensor interface {
	Read(ctx context.Context) (Reading, error)
}

type Actuator interface {
	SetPosition(ctx context.Context, percent float64) error
}

type RunStore interface {
	StartRun(runID, mode string, startedAt time.Time) error
	Append(runID string, s RunSample) error
	FinishRun(runID string) error
	SaveTuningResult(res TuningResult) error
	LoadTuningResult(testID string) (TuningResult, error)
	TuningHistory() ([]TuningResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, event string, payload any)
}

const (
	// smoothingWindow is the moving-average length applied to raw readings
	// before any control or safety rate computation.
	smoothingWindow = 5
	// maxValveStep bounds how far the PID may move the valve per tick, in
	// percent. Relay and safety commands are exempt.
	maxValveStep = 10.0
)

// LoopConfig carries everything the loop needs at construction.
type LoopConfig struct {
	PID          PIDParams
	Safety       SafetyLimits
	GainLimits   GainLimits
	TickInterval time.Duration
}

func (c *LoopConfig) Validate() error {
	if err := c.PID.Validate(); err != nil {
		return err
	}
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	if err := c.GainLimits.Validate(); err != nil {
		return err
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	return nil
}

// Loop is the single writer of the valve. All state transitions happen
// inside Tick or inside an operation holding the same mutex, so external
// requests land exactly between two control intervals and never mid-compute.
type Loop struct {
	mu  sync.Mutex
	log *zap.Logger

	sensor   Sensor
	actuator Actuator
	store    RunStore
	notifier Notifier

	pid       *PID
	tuner     *Autotuner
	safety    *SafetyMonitor
	scheduler GainScheduler
	// onResult runs after a tuning result is persisted, outside any store
	// call but under the loop mutex. Used to feed the gain table.
	onResult func(TuningResult)

	cfg             LoopConfig
	mode            Mode
	runner          *ProgramRunner
	runID           string
	modeStart       time.Time
	adaptiveEnabled bool

	window       []float64
	smoothed     float64
	prevSmoothed float64
	prevTickAt   time.Time
	rate         float64 // °C per hour

	lastReading Reading
	lastCmd     Command
	setpoint    float64
	alarms      []AlarmKind
}

func NewLoop(cfg LoopConfig, sensor Sensor, actuator Actuator, store RunStore, notifier Notifier, log *zap.Logger) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	pid, err := NewPID(cfg.PID)
	if err != nil {
		return nil, err
	}
	safety, err := NewSafetyMonitor(cfg.Safety, log.Named("safety"))
	if err != nil {
		return nil, err
	}
	return &Loop{
		log:      log,
		sensor:   sensor,
		actuator: actuator,
		store:    store,
		notifier: notifier,
		pid:      pid,
		tuner:    NewAutotuner(log.Named("autotune")),
		safety:   safety,
		cfg:      cfg,
		mode:     ModeIdle,
		lastCmd:  Command{Valve: 0, Source: SourceIdle},
	}, nil
}

// SetScheduler installs the gain schedule consulted while adaptive mode is
// enabled. Must be called before Run.
func (l *Loop) SetScheduler(s GainScheduler) { l.scheduler = s }

// OnTuningResult installs a hook invoked after each successful autotune.
func (l *Loop) OnTuningResult(fn func(TuningResult)) { l.onResult = fn }

// Run drives the loop at the configured cadence until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: leave the valve closed on shutdown.
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := l.actuator.SetPosition(stopCtx, 0); err != nil {
				l.log.Warn("valve close on shutdown failed", zap.Error(err))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx, time.Now())
		}
	}
}

// Tick executes one full control interval: sample, smooth, check safety,
// run the active law, command the valve, record. Exported so tests can step
// the loop deterministically.
func (l *Loop) Tick(ctx context.Context, now time.Time) Command {
	l.mu.Lock()
	defer l.mu.Unlock()

	reading := l.sample(ctx, now)
	dt := l.cfg.TickInterval
	if !l.prevTickAt.IsZero() {
		dt = now.Sub(l.prevTickAt)
	}
	l.updateRate(dt)

	verdict := l.safety.Evaluate(reading, l.rate, l.modeStart, now)
	l.alarms = verdict.Alarms
	if len(verdict.Alarms) > 0 {
		l.notifyAlarms(ctx, verdict)
	}

	var cmd Command
	switch {
	case verdict.ForcesClose():
		cmd = Command{Valve: 0, Source: SourceSafetyOverride}
		l.abortForSafety(ctx, verdict)
	case verdict.Has(ActionAbortMode) && l.mode != ModeIdle:
		l.log.Warn("mode timeout, aborting", zap.String("mode", l.mode.String()))
		if l.mode == ModeAutotune {
			// The tuner must reach a terminal phase or Start stays busy.
			l.tuner.Abort(ErrAutotuneTimeout)
			l.failAutotune(ctx)
		} else {
			l.finishRun(ctx, "timeout")
		}
		cmd = Command{Valve: 0, Source: SourceIdle}
	default:
		cmd = l.dispatch(ctx, reading, dt, now)
		if verdict.Has(ActionThrottle) && cmd.Source == SourcePID {
			cmd.Valve /= 2
		}
	}

	if err := l.actuator.SetPosition(ctx, cmd.Valve); err != nil {
		// The valve driver owns retries; the loop keeps its cadence.
		l.log.Error("valve command failed", zap.Error(err), zap.Float64("valve", cmd.Valve))
	}

	l.record(now, cmd)
	l.lastCmd = cmd
	l.prevSmoothed = l.smoothed
	l.prevTickAt = now
	return cmd
}

func (l *Loop) sample(ctx context.Context, now time.Time) Reading {
	reading, err := l.sensor.Read(ctx)
	if err != nil {
		l.log.Warn("sensor read failed", zap.Error(err))
		reading = Reading{At: now, Valid: false}
	}
	l.lastReading = reading
	if reading.Valid {
		l.window = append(l.window, reading.Temperature)
		if len(l.window) > smoothingWindow {
			l.window = l.window[1:]
		}
		var sum float64
		for _, v := range l.window {
			sum += v
		}
		l.smoothed = sum / float64(len(l.window))
		// Safety sees the smoothed value so a single noisy sample cannot
		// trip the over-temperature alarm.
		reading.Temperature = l.smoothed
	}
	return reading
}

func (l *Loop) updateRate(dt time.Duration) {
	if l.prevTickAt.IsZero() || dt <= 0 || len(l.window) == 0 {
		l.rate = 0
		return
	}
	l.rate = (l.smoothed - l.prevSmoothed) / dt.Hours()
}

func (l *Loop) dispatch(ctx context.Context, reading Reading, dt time.Duration, now time.Time) Command {
	switch l.mode {
	case ModeAutotune:
		valve := l.tuner.Tick(reading, now)
		switch l.tuner.Phase() {
		case PhaseDone:
			l.completeAutotune(ctx)
			return Command{Valve: 0, Source: SourceIdle}
		case PhaseFailed:
			l.failAutotune(ctx)
			return Command{Valve: 0, Source: SourceIdle}
		}
		return Command{Valve: valve, Source: SourceRelay}

	case ModeProgram:
		if !reading.Valid {
			// Hold the last command; the safety watchdog closes the valve
			// if the sensor stays silent.
			return l.lastCmd
		}
		l.setpoint = l.runner.Advance(l.smoothed, dt)
		if l.runner.Done() {
			l.log.Info("program complete", zap.String("run_id", l.runID))
			l.finishRun(ctx, "complete")
			return Command{Valve: 0, Source: SourceIdle}
		}
		if l.adaptiveEnabled && l.scheduler != nil {
			if g, ok := l.scheduler.GainsFor(l.smoothed); ok {
				if err := l.pid.SetGains(g); err != nil {
					l.log.Warn("scheduled gains rejected", zap.Error(err))
				}
			}
		}
		valve := l.pid.Compute(l.setpoint, l.smoothed, dt)
		valve = l.slewLimit(valve)
		return Command{Valve: valve, Source: SourcePID}

	default:
		return Command{Valve: 0, Source: SourceIdle}
	}
}

// slewLimit bounds per-tick valve travel for PID commands so gain changes
// and setpoint steps cannot slam the valve.
func (l *Loop) slewLimit(valve float64) float64 {
	prev := l.lastCmd.Valve
	if valve > prev+maxValveStep {
		return prev + maxValveStep
	}
	if valve < prev-maxValveStep {
		return prev - maxValveStep
	}
	return valve
}

func (l *Loop) abortForSafety(ctx context.Context, verdict Verdict) {
	if l.mode == ModeAutotune {
		l.tuner.Abort(ErrSafetyAbort)
		l.failAutotune(ctx)
		return
	}
	if l.mode == ModeProgram && verdict.EmergencyStop {
		l.log.Error("program aborted by emergency stop", zap.String("run_id", l.runID))
		l.finishRun(ctx, "emergency_stop")
	}
}

func (l *Loop) completeAutotune(ctx context.Context) {
	res, err := l.tuner.Result()
	if err != nil {
		l.log.Error("autotune finished without result", zap.Error(err))
		l.finishRun(ctx, "failed")
		return
	}
	if err := l.store.SaveTuningResult(res); err != nil {
		l.log.Error("tuning result save failed", zap.Error(err), zap.String("test_id", res.TestID))
	}
	if l.onResult != nil {
		l.onResult(res)
	}
	if l.notifier != nil {
		l.notifier.Notify(ctx, "autotune_complete", res)
	}
	l.pid.Reset()
	l.finishRun(ctx, "complete")
}

func (l *Loop) failAutotune(ctx context.Context) {
	reason := l.tuner.FailReason()
	if l.notifier != nil {
		l.notifier.Notify(ctx, "autotune_failed", map[string]any{
			"test_id": l.tuner.TestID(),
			"reason":  errString(reason),
		})
	}
	l.pid.Reset()
	l.finishRun(ctx, "failed")
}

// finishRun closes the active run record and returns the loop to idle. The
// tuner keeps its terminal phase so status queries still see done/failed.
func (l *Loop) finishRun(ctx context.Context, outcome string) {
	if l.runID != "" {
		if err := l.store.FinishRun(l.runID); err != nil {
			l.log.Warn("run finalize failed", zap.Error(err), zap.String("run_id", l.runID))
		}
		if l.notifier != nil && l.mode == ModeProgram {
			l.notifier.Notify(ctx, "program_"+outcome, map[string]any{"run_id": l.runID})
		}
	}
	l.mode = ModeIdle
	l.runner = nil
	l.runID = ""
	l.modeStart = time.Time{}
	l.setpoint = 0
}

func (l *Loop) record(now time.Time, cmd Command) {
	if l.runID == "" {
		return
	}
	s := RunSample{
		Elapsed:     now.Sub(l.modeStart).Seconds(),
		Temperature: l.smoothed,
		Setpoint:    l.currentSetpoint(),
		Valve:       cmd.Valve,
		Mode:        l.mode.String(),
	}
	if err := l.store.Append(l.runID, s); err != nil {
		l.log.Warn("run sample append failed", zap.Error(err), zap.String("run_id", l.runID))
	}
}

func (l *Loop) currentSetpoint() float64 {
	if l.mode == ModeAutotune {
		return l.tuner.params.TestTemperature
	}
	return l.setpoint
}

func (l *Loop) notifyAlarms(ctx context.Context, verdict Verdict) {
	if l.notifier == nil {
		return
	}
	names := make([]string, len(verdict.Alarms))
	for i, a := range verdict.Alarms {
		names[i] = a.String()
	}
	l.notifier.Notify(ctx, "safety_alarm", map[string]any{
		"alarms":         names,
		"emergency_stop": verdict.EmergencyStop,
		"temperature":    l.smoothed,
		"rate":           l.rate,
	})
}

// ---- control-plane operations ----

// StartAutotune begins a relay test. Exactly one run (autotune or program)
// may be active; anything else returns ErrBusy.
func (l *Loop) StartAutotune(params AutotuneParams) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ModeIdle {
		return "", ErrBusy
	}
	if l.safety.EmergencyActive() {
		return "", ErrSafetyAbort
	}
	now := time.Now()
	id, err := l.tuner.Start(params, l.safety.Limits(), now)
	if err != nil {
		return "", err
	}
	if err := l.store.StartRun(id, ModeAutotune.String(), now); err != nil {
		l.tuner.Stop()
		return "", err
	}
	l.mode = ModeAutotune
	l.runID = id
	l.modeStart = now
	l.pid.Reset()
	return id, nil
}

// StopAutotune aborts a running test. Stopping when no test runs is a no-op.
func (l *Loop) StopAutotune() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ModeAutotune {
		return nil
	}
	l.tuner.Stop()
	l.finishRun(context.Background(), "stopped")
	return nil
}

func (l *Loop) AutotuneStatus() AutotuneStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tuner.Status(time.Now())
}

// TuningResult returns a stored result by test ID.
func (l *Loop) TuningResult(testID string) (TuningResult, error) {
	return l.store.LoadTuningResult(testID)
}

func (l *Loop) TuningHistory() ([]TuningResult, error) {
	return l.store.TuningHistory()
}

// StartProgram begins a firing program from the current kiln temperature.
func (l *Loop) StartProgram(p Program) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ModeIdle {
		return "", ErrBusy
	}
	if l.safety.EmergencyActive() {
		return "", ErrSafetyAbort
	}
	now := time.Now()
	runner, err := NewProgramRunner(p, l.smoothed, now)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := l.store.StartRun(id, ModeProgram.String(), now); err != nil {
		return "", err
	}
	l.mode = ModeProgram
	l.runner = runner
	l.runID = id
	l.modeStart = now
	l.setpoint = l.smoothed
	l.pid.Reset()
	l.log.Info("program started",
		zap.String("run_id", id),
		zap.String("program", p.Name),
		zap.Int("ramps", len(p.Ramps)))
	return id, nil
}

// StopProgram aborts the active program. Idempotent.
func (l *Loop) StopProgram() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode != ModeProgram {
		return nil
	}
	l.log.Info("program stopped", zap.String("run_id", l.runID))
	l.finishRun(context.Background(), "stopped")
	return nil
}

func (l *Loop) Gains() Gains {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid.Gains()
}

// ApplyGains installs new base PID gains, clamped to the global limits, and
// resets the controller state. Returns the gains actually stored and whether
// clamping changed the request.
func (l *Loop) ApplyGains(g Gains) (Gains, bool, error) {
	if !g.Valid() {
		return Gains{}, false, ErrInvalidGains
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	clamped, wasClamped := l.cfg.GainLimits.Clamp(g)
	if err := l.pid.SetGains(clamped); err != nil {
		return Gains{}, false, err
	}
	l.pid.Reset()
	l.log.Info("gains applied",
		zap.Float64("kp", clamped.Kp),
		zap.Float64("ki", clamped.Ki),
		zap.Float64("kd", clamped.Kd),
		zap.Bool("clamped", wasClamped))
	return clamped, wasClamped, nil
}

func (l *Loop) SetAdaptive(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adaptiveEnabled = on
	l.log.Info("adaptive gain scheduling", zap.Bool("enabled", on))
}

// ResetEmergency clears the sticky emergency stop. Explicit operator action.
func (l *Loop) ResetEmergency() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.safety.ResetEmergency()
}

// Get returns a consistent snapshot of the externally visible state.
func (l *Loop) Get() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Mode:            l.mode.String(),
		Temperature:     l.smoothed,
		SensorOK:        l.lastReading.Valid,
		Setpoint:        l.currentSetpoint(),
		Valve:           l.lastCmd.Valve,
		ValveSource:     l.lastCmd.Source.String(),
		RateOfChange:    l.rate,
		Gains:           l.pid.Gains(),
		AdaptiveEnabled: l.adaptiveEnabled,
		EmergencyStop:   l.safety.EmergencyActive(),
		RunID:           l.runID,
	}
	for _, a := range l.alarms {
		s.Alarms = append(s.Alarms, a.String())
	}
	if l.mode == ModeAutotune || l.tuner.Phase() == PhaseDone || l.tuner.Phase() == PhaseFailed {
		st := l.tuner.Status(time.Now())
		s.Autotune = &st
	}
	if l.runner != nil {
		st := l.runner.Status()
		s.Program = &st
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
