package kiln

import "time"

type PIDParams struct {
	Gains     Gains
	OutputMin float64
	OutputMax float64
}

func (p *PIDParams) Validate() error {
	if !p.Gains.Valid() {
		return ErrInvalidGains
	}
	if p.OutputMin >= p.OutputMax {
		return ErrInvalidOutputLimits
	}
	return nil
}

// PID implements the feedback law that drives the valve during program
// execution. The derivative acts on the measured value, not on the error, so
// a setpoint step does not kick the output. The integral accumulates only
// while the unclamped output stays inside the output limits and the error
// pushes further into saturation (conditional integration anti-windup).
type PID struct {
	gains  Gains
	outMin float64
	outMax float64

	integral     float64
	prevError    float64
	prevMeasured float64
	primed       bool

	last Terms
}

// Terms holds the components of the most recent Compute call, for logging
// and diagnostics.
type Terms struct {
	P        float64 `json:"p"`
	I        float64 `json:"i"`
	D        float64 `json:"d"`
	Error    float64 `json:"error"`
	Output   float64 `json:"output"`
	Integral float64 `json:"integral"`
	Dt       float64 `json:"dt"`
}

func NewPID(params PIDParams) (*PID, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &PID{
		gains:  params.Gains,
		outMin: params.OutputMin,
		outMax: params.OutputMax,
	}, nil
}

// Compute returns the valve command for the current sample, clamped to the
// output limits.
func (pid *PID) Compute(setpoint, measured float64, dt time.Duration) float64 {
	secs := dt.Seconds()
	if secs <= 0 {
		secs = 0.1
	}

	err := setpoint - measured

	pTerm := pid.gains.Kp * err

	var dTerm float64
	if pid.primed {
		// Derivative on measurement avoids spikes on setpoint changes.
		dTerm = -pid.gains.Kd * (measured - pid.prevMeasured) / secs
	}

	// Tentative integral, only committed if it does not push the output
	// further past a saturated limit.
	candidate := pid.integral + err*secs
	unclamped := pTerm + pid.gains.Ki*candidate + dTerm

	switch {
	case unclamped > pid.outMax && err > 0:
		// saturated high, error still positive: freeze integral
	case unclamped < pid.outMin && err < 0:
		// saturated low, error still negative: freeze integral
	default:
		pid.integral = candidate
	}

	iTerm := pid.gains.Ki * pid.integral
	output := pTerm + iTerm + dTerm
	if output > pid.outMax {
		output = pid.outMax
	} else if output < pid.outMin {
		output = pid.outMin
	}

	pid.prevError = err
	pid.prevMeasured = measured
	pid.primed = true
	pid.last = Terms{
		P:        pTerm,
		I:        iTerm,
		D:        dTerm,
		Error:    err,
		Output:   output,
		Integral: pid.integral,
		Dt:       secs,
	}
	return output
}

// Reset zeroes the integral accumulator and the previous-sample memory.
// Must be called on any discontinuous mode switch.
func (pid *PID) Reset() {
	pid.integral = 0
	pid.prevError = 0
	pid.prevMeasured = 0
	pid.primed = false
	pid.last = Terms{}
}

// SetGains swaps the parameter set without touching integral history, so
// band transitions in adaptive mode stay smooth.
func (pid *PID) SetGains(g Gains) error {
	if !g.Valid() {
		return ErrInvalidGains
	}
	pid.gains = g
	return nil
}

func (pid *PID) Gains() Gains { return pid.gains }

func (pid *PID) LastTerms() Terms { return pid.last }
