package kiln

import (
	"fmt"
	"time"
)

// Reading is one temperature sample from the thermocouple. Valid is false
// when the sensor is disconnected or the read timed out; an invalid reading
// is distinguishable from a valid low temperature.
type Reading struct {
	Temperature float64
	At          time.Time
	Valid       bool
}

// Source is an integer enum identifying which law produced a valve command.
type Source int

const (
	SourceUnknown Source = iota
	SourceIdle
	SourcePID
	SourceRelay
	SourceSafetyOverride
)

func (s Source) String() string {
	switch s {
	case SourceIdle:
		return "idle"
	case SourcePID:
		return "pid"
	case SourceRelay:
		return "relay"
	case SourceSafetyOverride:
		return "safety_override"
	default:
		return "unknown"
	}
}

// Command is the single output of the core each tick.
type Command struct {
	Valve  float64 // percent open, 0..100
	Source Source
}

// Gains is a PID parameter set.
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

func (g Gains) Valid() bool {
	return g.Kp >= 0 && g.Ki >= 0 && g.Kd >= 0
}

// GainLimits is the global safety-clamped range for PID gains. No code path
// may store gains outside these bounds.
type GainLimits struct {
	Min Gains
	Max Gains
}

// DefaultGainLimits matches the hard caps the kiln was commissioned with.
func DefaultGainLimits() GainLimits {
	return GainLimits{
		Min: Gains{Kp: 0.5, Ki: 0.001, Kd: 0},
		Max: Gains{Kp: 10.0, Ki: 0.2, Kd: 8.0},
	}
}

func (l GainLimits) Validate() error {
	if l.Min.Kp > l.Max.Kp || l.Min.Ki > l.Max.Ki || l.Min.Kd > l.Max.Kd {
		return ErrInvalidGainLimits
	}
	return nil
}

// Clamp forces g into the limits and reports whether any component changed.
func (l GainLimits) Clamp(g Gains) (Gains, bool) {
	clamped := false
	bound := func(v, lo, hi float64) float64 {
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
	out := Gains{
		Kp: bound(g.Kp, l.Min.Kp, l.Max.Kp),
		Ki: bound(g.Ki, l.Min.Ki, l.Max.Ki),
		Kd: bound(g.Kd, l.Min.Kd, l.Max.Kd),
	}
	return out, clamped
}

// Mode is an integer enum for the active control law.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeIdle
	ModeAutotune
	ModeProgram
)

func (m Mode) Valid() bool {
	return m == ModeIdle || m == ModeAutotune || m == ModeProgram
}

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAutotune:
		return "autotune"
	case ModeProgram:
		return "program"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "idle":
		return ModeIdle, nil
	case "autotune":
		return ModeAutotune, nil
	case "program":
		return ModeProgram, nil
	default:
		return ModeUnknown, fmt.Errorf("invalid mode: %q", s)
	}
}

// GainScheduler supplies temperature-dependent gains during program
// execution. Implementations must only ever return gains inside the global
// gain limits.
type GainScheduler interface {
	GainsFor(temperature float64) (Gains, bool)
}

// Snapshot is the externally visible state of the kiln service.
type Snapshot struct {
	Mode            string          `json:"mode"`
	Temperature     float64         `json:"temperature"`
	SensorOK        bool            `json:"sensor_ok"`
	Setpoint        float64         `json:"setpoint"`
	Valve           float64         `json:"valve"`
	ValveSource     string          `json:"valve_source"`
	RateOfChange    float64         `json:"rate_of_change"` // °C per hour
	Gains           Gains           `json:"gains"`
	AdaptiveEnabled bool            `json:"adaptive_enabled"`
	EmergencyStop   bool            `json:"emergency_stop"`
	Alarms          []string        `json:"alarms,omitempty"`
	RunID           string          `json:"run_id,omitempty"`
	Autotune        *AutotuneStatus `json:"autotune,omitempty"`
	Program         *ProgramStatus  `json:"program,omitempty"`
}

// RunSample is one record of the per-run time series appended to the log
// store every tick while a program or autotune is active. Elapsed is seconds
// since the run started.
type RunSample struct {
	Elapsed     float64 `json:"time"`
	Temperature float64 `json:"temp"`
	Setpoint    float64 `json:"setpoint"`
	Valve       float64 `json:"valve_position"`
	Mode        string  `json:"mode"`
}
