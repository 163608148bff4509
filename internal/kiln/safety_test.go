package kiln

import (
	"testing"
	"time"
)

func newMonitor(t *testing.T) *SafetyMonitor {
	t.Helper()
	m, err := NewSafetyMonitor(testLimits(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func validReading(temp float64, at time.Time) Reading {
	return Reading{Temperature: temp, At: at, Valid: true}
}

func TestSafetyLimitsValidate(t *testing.T) {
	l := testLimits()
	if err := l.Validate(); err != nil {
		t.Fatal(err)
	}

	bad := testLimits()
	bad.MaxSafeTemp = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero max temp")
	}

	bad = testLimits()
	bad.SensorTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero sensor timeout")
	}
}

func TestNominalIsSafe(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	v := m.Evaluate(validReading(600, now), 100, time.Time{}, now)
	if !v.Safe || len(v.Alarms) != 0 {
		t.Fatalf("expected safe verdict, got %+v", v)
	}
}

func TestOverTempTripsEmergency(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	v := m.Evaluate(validReading(1300, now), 0, time.Time{}, now)
	if v.Safe {
		t.Fatal("expected unsafe verdict")
	}
	if !v.Has(ActionCloseValve) || !v.Has(ActionEmergencyStop) {
		t.Fatalf("expected close + emergency actions, got %+v", v.Actions)
	}
	if !v.EmergencyStop || !m.EmergencyActive() {
		t.Fatal("expected emergency stop latched")
	}
}

func TestEmergencyIsSticky(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	m.Evaluate(validReading(1300, now), 0, time.Time{}, now)

	// Temperature back to normal: the latch must hold.
	later := now.Add(10 * time.Second)
	v := m.Evaluate(validReading(500, later), 0, time.Time{}, later)
	if v.Safe || !v.EmergencyStop || !v.ForcesClose() {
		t.Fatalf("expected latched emergency, got %+v", v)
	}

	m.ResetEmergency()
	final := later.Add(10 * time.Second)
	v = m.Evaluate(validReading(500, final), 0, time.Time{}, final)
	if !v.Safe || v.EmergencyStop {
		t.Fatalf("expected clean verdict after reset, got %+v", v)
	}
}

func TestInvalidReadingClosesValve(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	v := m.Evaluate(Reading{At: now, Valid: false}, 0, time.Time{}, now)
	if v.Safe || !v.Has(ActionCloseValve) {
		t.Fatalf("expected sensor-lost close, got %+v", v)
	}
	if v.EmergencyStop {
		t.Fatal("sensor loss alone must not latch the emergency stop")
	}
}

func TestStaleSensorClosesValve(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	m.Evaluate(validReading(600, now), 0, time.Time{}, now)

	// Stale reading past the watchdog window.
	late := now.Add(45 * time.Second)
	v := m.Evaluate(Reading{Temperature: 600, At: now, Valid: true}, 0, time.Time{}, late)
	if v.Safe {
		t.Fatalf("expected stale sensor to close the valve, got %+v", v)
	}
	hasSensorLost := false
	for _, a := range v.Alarms {
		if a == AlarmSensorLost {
			hasSensorLost = true
		}
	}
	if !hasSensorLost {
		t.Fatalf("expected SENSOR_LOST alarm, got %+v", v.Alarms)
	}
}

func TestFastHeatingThrottles(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	v := m.Evaluate(validReading(600, now), 500, time.Time{}, now)
	if !v.Has(ActionThrottle) {
		t.Fatalf("expected throttle, got %+v", v.Actions)
	}
	// Throttle alone does not force the valve shut.
	if !v.Safe {
		t.Fatalf("fast heating must not close the valve: %+v", v)
	}
}

func TestFastCoolingWarnsOnlyWhenCold(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	// Below the threshold temperature: warn.
	v := m.Evaluate(validReading(500, now), -400, time.Time{}, now)
	if !v.Has(ActionWarn) {
		t.Fatalf("expected cooling warning, got %+v", v.Actions)
	}

	// Hot kiln cooling fast is normal crash cooling: no alarm.
	v = m.Evaluate(validReading(900, now), -400, time.Time{}, now)
	if v.Has(ActionWarn) {
		t.Fatalf("unexpected cooling warning above threshold: %+v", v.Actions)
	}
}

func TestModeTimeoutAborts(t *testing.T) {
	m := newMonitor(t)
	start := time.Now()
	late := start.Add(25 * time.Hour)

	v := m.Evaluate(validReading(600, late), 0, start, late)
	if !v.Has(ActionAbortMode) {
		t.Fatalf("expected abort action, got %+v", v.Actions)
	}

	// Zero modeStart disables the check.
	v = m.Evaluate(validReading(600, late), 0, time.Time{}, late)
	if v.Has(ActionAbortMode) {
		t.Fatalf("timeout check must be disabled when idle: %+v", v.Actions)
	}
}

// All checks run every tick: simultaneous faults all surface in one verdict.
func TestSimultaneousAlarms(t *testing.T) {
	m := newMonitor(t)
	now := time.Now()

	v := m.Evaluate(validReading(1300, now), 500, time.Time{}, now)

	want := map[AlarmKind]bool{AlarmOverTemp: false, AlarmFastHeating: false}
	for _, a := range v.Alarms {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for kind, seen := range want {
		if !seen {
			t.Fatalf("missing alarm %v in %+v", kind, v.Alarms)
		}
	}
}
