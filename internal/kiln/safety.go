package kiln

import (
	"time"

	"go.uber.org/zap"
)

// AlarmKind is an integer enum.
type AlarmKind int

const (
	AlarmUnknown AlarmKind = iota
	AlarmOverTemp
	AlarmFastHeating
	AlarmFastCooling
	AlarmSensorLost
	AlarmTimeout
)

func (a AlarmKind) String() string {
	switch a {
	case AlarmOverTemp:
		return "OVER_TEMP"
	case AlarmFastHeating:
		return "FAST_HEATING"
	case AlarmFastCooling:
		return "FAST_COOLING"
	case AlarmSensorLost:
		return "SENSOR_LOST"
	case AlarmTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Action is a forced action attached to a safety verdict.
type Action int

const (
	ActionNone Action = iota
	ActionCloseValve
	ActionEmergencyStop
	ActionThrottle
	ActionWarn
	ActionAbortMode
)

func (a Action) String() string {
	switch a {
	case ActionCloseValve:
		return "CLOSE_VALVE"
	case ActionEmergencyStop:
		return "EMERGENCY_STOP"
	case ActionThrottle:
		return "THROTTLE"
	case ActionWarn:
		return "WARN"
	case ActionAbortMode:
		return "ABORT_MODE"
	default:
		return "NONE"
	}
}

// Verdict is the result of one safety evaluation. When ForcesClose reports
// true the verdict is authoritative: the orchestrator must not let any
// computed command override it that tick.
type Verdict struct {
	Safe          bool
	Alarms        []AlarmKind
	Actions       []Action
	EmergencyStop bool
}

func (v Verdict) Has(a Action) bool {
	for _, x := range v.Actions {
		if x == a {
			return true
		}
	}
	return false
}

func (v Verdict) ForcesClose() bool {
	return v.Has(ActionCloseValve) || v.Has(ActionEmergencyStop)
}

type SafetyLimits struct {
	MaxSafeTemp       float64       // absolute over-temperature trip, °C
	MaxHeatingRate    float64       // °C/h
	MaxCoolingRate    float64       // °C/h, compared against |negative rate|
	CoolingAlarmBelow float64       // fast-cooling check only applies under this temperature
	SensorTimeout     time.Duration // watchdog window without a valid reading
	ModeTimeout       time.Duration // wall clock bound on a test or run
}

func (l *SafetyLimits) Validate() error {
	if l.MaxSafeTemp <= 0 || l.MaxHeatingRate <= 0 || l.MaxCoolingRate <= 0 {
		return ErrInvalidSafetyLimits
	}
	if l.SensorTimeout <= 0 || l.ModeTimeout <= 0 {
		return ErrInvalidSafetyLimits
	}
	return nil
}

// SafetyMonitor evaluates hard limits every tick. All checks run every time
// so simultaneous alarms are all reported; nothing short-circuits. The
// emergency-stop flag is sticky until ResetEmergency.
type SafetyMonitor struct {
	limits SafetyLimits
	log    *zap.Logger

	emergency   bool
	lastValidAt time.Time
}

func NewSafetyMonitor(limits SafetyLimits, log *zap.Logger) (*SafetyMonitor, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SafetyMonitor{limits: limits, log: log}, nil
}

// Evaluate runs every check against the current sample. rate is the signed
// temperature rate of change in °C/h. modeStart is the wall-clock instant the
// active mode was entered; zero disables the timeout check (idle).
func (m *SafetyMonitor) Evaluate(r Reading, rate float64, modeStart, now time.Time) Verdict {
	v := Verdict{}

	if r.Valid {
		if m.lastValidAt.IsZero() || r.At.After(m.lastValidAt) {
			m.lastValidAt = r.At
		}
	}
	stale := !m.lastValidAt.IsZero() && now.Sub(m.lastValidAt) > m.limits.SensorTimeout
	if !r.Valid || stale {
		v.Alarms = append(v.Alarms, AlarmSensorLost)
		v.Actions = append(v.Actions, ActionCloseValve)
	}

	if r.Valid && r.Temperature > m.limits.MaxSafeTemp {
		v.Alarms = append(v.Alarms, AlarmOverTemp)
		v.Actions = append(v.Actions, ActionCloseValve, ActionEmergencyStop)
		if !m.emergency {
			m.log.Error("over-temperature trip",
				zap.Float64("temperature", r.Temperature),
				zap.Float64("limit", m.limits.MaxSafeTemp))
		}
		m.emergency = true
	}

	if rate > m.limits.MaxHeatingRate {
		v.Alarms = append(v.Alarms, AlarmFastHeating)
		v.Actions = append(v.Actions, ActionThrottle)
	}

	if r.Valid && r.Temperature < m.limits.CoolingAlarmBelow && -rate > m.limits.MaxCoolingRate {
		v.Alarms = append(v.Alarms, AlarmFastCooling)
		v.Actions = append(v.Actions, ActionWarn)
	}

	if !modeStart.IsZero() && now.Sub(modeStart) > m.limits.ModeTimeout {
		v.Alarms = append(v.Alarms, AlarmTimeout)
		v.Actions = append(v.Actions, ActionAbortMode)
	}

	if m.emergency {
		v.EmergencyStop = true
		if !v.Has(ActionEmergencyStop) {
			v.Actions = append(v.Actions, ActionEmergencyStop)
		}
		if !v.Has(ActionCloseValve) {
			v.Actions = append(v.Actions, ActionCloseValve)
		}
	}

	v.Safe = !v.ForcesClose()
	return v
}

// ResetEmergency clears the sticky emergency-stop flag. Only an explicit
// operator action calls this.
func (m *SafetyMonitor) ResetEmergency() {
	m.emergency = false
	m.lastValidAt = time.Time{}
	m.log.Info("emergency stop reset")
}

func (m *SafetyMonitor) EmergencyActive() bool { return m.emergency }

func (m *SafetyMonitor) Limits() SafetyLimits { return m.limits }
